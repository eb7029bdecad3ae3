package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by transactional store methods. The service layer
// maps these onto the API error taxonomy.
var (
	ErrRequestAssigned = errors.New("request already assigned")
	ErrRequestClosed   = errors.New("request closed")
	ErrVersionLocked   = errors.New("opinion version locked")
	ErrNotOpen         = errors.New("not open")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

const userColumns = `id, display_name, email, password_hash, role, org_ref, years_experience,
	is_email_verified, verification_token, verification_expires_at, deactivated_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.PasswordHash, &u.Role, &u.OrgRef,
		&u.YearsExperience, &u.IsEmailVerified, &u.VerificationToken, &u.VerificationExpiresAt,
		&u.DeactivatedAt, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, org_ref, years_experience, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.OrgRef,
		user.YearsExperience, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

// ---- departments ----

func (s *PostgresStore) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, sla_hours FROM departments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	items := make([]Department, 0)
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name, &d.SLAHours); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertDepartment(ctx context.Context, d Department) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO departments (id, name, sla_hours) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET sla_hours=EXCLUDED.sla_hours
	`, d.ID, d.Name, d.SLAHours)
	if err != nil {
		return fmt.Errorf("upsert department: %w", err)
	}
	return nil
}

// ---- requests ----

const requestColumns = `id, number, client_id, bank_ref, firm_ref, department_id, title, description,
	priority, visibility, status, assigned_lawyer_id, accepted_by_lawyer, clarification_required,
	documents_required, opinion_state, sla_deadline, marketplace_posted_at, public_expires_at,
	claimed_at, delivered_at, cancelled_at, closed_at, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (Request, error) {
	var r Request
	err := row.Scan(&r.ID, &r.Number, &r.ClientID, &r.BankRef, &r.FirmRef, &r.DepartmentID,
		&r.Title, &r.Description, &r.Priority, &r.Visibility, &r.Status, &r.AssignedLawyerID,
		&r.AcceptedByLawyer, &r.ClarificationRequired, &r.DocumentsRequired, &r.OpinionState,
		&r.SLADeadline, &r.MarketplacePostedAt, &r.PublicExpiresAt, &r.ClaimedAt, &r.DeliveredAt,
		&r.CancelledAt, &r.ClosedAt, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *PostgresStore) InsertRequest(ctx context.Context, r Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, number, client_id, bank_ref, firm_ref, department_id, title, description,
			priority, visibility, status, assigned_lawyer_id, sla_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.ID, r.Number, r.ClientID, r.BankRef, r.FirmRef, r.DepartmentID, r.Title, r.Description,
		r.Priority, r.Visibility, r.Status, r.AssignedLawyerID, r.SLADeadline)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, requestID)
	return scanRequest(row)
}

func (s *PostgresStore) ListRequestsForClient(ctx context.Context, clientID string) ([]Request, error) {
	return s.listRequests(ctx, `SELECT `+requestColumns+` FROM requests WHERE client_id=$1 ORDER BY updated_at DESC`, clientID)
}

func (s *PostgresStore) ListRequestsForLawyer(ctx context.Context, lawyerID string) ([]Request, error) {
	return s.listRequests(ctx, `SELECT `+requestColumns+` FROM requests WHERE assigned_lawyer_id=$1 ORDER BY updated_at DESC`, lawyerID)
}

// ListPublicOpenRequests returns marketplace postings still open for bids.
func (s *PostgresStore) ListPublicOpenRequests(ctx context.Context, departmentID, priority string) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests
		WHERE visibility='public' AND status='marketplace_posted' AND assigned_lawyer_id IS NULL
		AND (public_expires_at IS NULL OR public_expires_at > NOW())`
	args := []any{}
	if departmentID != "" {
		args = append(args, departmentID)
		query += fmt.Sprintf(" AND department_id=$%d", len(args))
	}
	if priority != "" {
		args = append(args, priority)
		query += fmt.Sprintf(" AND priority=$%d", len(args))
	}
	query += " ORDER BY marketplace_posted_at DESC"
	return s.listRequests(ctx, query, args...)
}

func (s *PostgresStore) listRequests(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	items := make([]Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// SupervisionCounts groups a firm's or bank's requests by raw status.
func (s *PostgresStore) SupervisionCounts(ctx context.Context, orgField, orgRef string) ([]StatusCount, error) {
	if orgField != "firm_ref" && orgField != "bank_ref" {
		return nil, fmt.Errorf("unsupported org field %q", orgField)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, count(*) FROM requests WHERE `+orgField+`=$1 GROUP BY status ORDER BY status
	`, orgRef)
	if err != nil {
		return nil, fmt.Errorf("supervision counts: %w", err)
	}
	defer rows.Close()

	items := make([]StatusCount, 0)
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListStatusHistory(ctx context.Context, requestID string) ([]StatusHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, from_status, to_status, changed_by, reason, created_at
		FROM request_status_history WHERE request_id=$1 ORDER BY created_at ASC, id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	items := make([]StatusHistory, 0)
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.RequestID, &h.FromStatus, &h.ToStatus, &h.ChangedBy, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

// lockRequest loads a request row FOR UPDATE inside tx. All multi-step request
// mutations serialize on this lock.
func lockRequest(ctx context.Context, tx *sql.Tx, requestID string) (Request, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1 FOR UPDATE`, requestID)
	return scanRequest(row)
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, requestID, from, to, changedBy, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO request_status_history (request_id, from_status, to_status, changed_by, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, requestID, from, to, changedBy, reason)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func setRequestStatusTx(ctx context.Context, tx *sql.Tx, requestID, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE requests SET status=$2, updated_at=NOW() WHERE id=$1`, requestID, status)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// PostPublicTx moves a private request onto the marketplace. Postings stay
// open for bids for seven days.
func (s *PostgresStore) PostPublicTx(ctx context.Context, requestID, actorID string) (Request, error) {
	var out Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil || r.CancelledAt != nil {
			return ErrRequestClosed
		}
		if r.AssignedLawyerID != nil {
			return ErrRequestAssigned
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE requests SET visibility='public', status='marketplace_posted',
				marketplace_posted_at=NOW(), public_expires_at=NOW() + INTERVAL '7 days', updated_at=NOW()
			WHERE id=$1
		`, requestID)
		if err != nil {
			return fmt.Errorf("post public: %w", err)
		}
		if err := insertHistoryTx(ctx, tx, requestID, r.Status, "marketplace_posted", actorID, "Posted to marketplace"); err != nil {
			return err
		}
		out, err = lockRequest(ctx, tx, requestID)
		return err
	})
	return out, err
}

// AcceptAssignmentTx records the assigned lawyer's accept/reject decision.
// A rejection keeps assigned_lawyer_id in place for the audit trail.
func (s *PostgresStore) AcceptAssignmentTx(ctx context.Context, acceptanceID, requestID, lawyerID string, accept bool, reason string) (Request, RequestAcceptance, error) {
	var outReq Request
	var outAcc RequestAcceptance
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil || r.CancelledAt != nil {
			return ErrRequestClosed
		}
		if r.AssignedLawyerID == nil || *r.AssignedLawyerID != lawyerID {
			return ErrNotOpen
		}

		status := "rejected"
		if accept {
			status = "accepted"
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO request_acceptances (id, request_id, lawyer_id, status, reason)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (request_id, lawyer_id)
				DO UPDATE SET status=EXCLUDED.status, reason=EXCLUDED.reason, decided_at=NOW()
			RETURNING id, request_id, lawyer_id, status, reason, decided_at
		`, acceptanceID, requestID, lawyerID, status, reason).Scan(
			&outAcc.ID, &outAcc.RequestID, &outAcc.LawyerID, &outAcc.Status, &outAcc.Reason, &outAcc.DecidedAt)
		if err != nil {
			return fmt.Errorf("upsert acceptance: %w", err)
		}

		nextStatus := r.Status
		if accept {
			nextStatus = "in_review"
			_, err = tx.ExecContext(ctx, `
				UPDATE requests SET accepted_by_lawyer=TRUE, status='in_review', updated_at=NOW() WHERE id=$1
			`, requestID)
		} else {
			nextStatus = "submitted"
			_, err = tx.ExecContext(ctx, `
				UPDATE requests SET accepted_by_lawyer=FALSE, status='submitted', updated_at=NOW() WHERE id=$1
			`, requestID)
		}
		if err != nil {
			return fmt.Errorf("update acceptance state: %w", err)
		}
		historyReason := "Assignment accepted"
		if !accept {
			historyReason = "Assignment rejected: " + reason
		}
		if err := insertHistoryTx(ctx, tx, requestID, r.Status, nextStatus, lawyerID, historyReason); err != nil {
			return err
		}
		outReq, err = lockRequest(ctx, tx, requestID)
		return err
	})
	return outReq, outAcc, err
}

func (s *PostgresStore) GetAcceptance(ctx context.Context, requestID, lawyerID string) (RequestAcceptance, error) {
	var a RequestAcceptance
	err := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, lawyer_id, status, reason, decided_at
		FROM request_acceptances WHERE request_id=$1 AND lawyer_id=$2
	`, requestID, lawyerID).Scan(&a.ID, &a.RequestID, &a.LawyerID, &a.Status, &a.Reason, &a.DecidedAt)
	if err != nil {
		return RequestAcceptance{}, err
	}
	return a, nil
}

// ---- proposals ----

const proposalColumns = `p.id, p.request_id, p.lawyer_id, u.display_name, p.status, p.fee_cents,
	p.timeline_days, p.years_experience, p.cover_note, p.created_at, p.updated_at`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var p Proposal
	err := row.Scan(&p.ID, &p.RequestID, &p.LawyerID, &p.LawyerName, &p.Status, &p.FeeCents,
		&p.TimelineDays, &p.YearsExperience, &p.CoverNote, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) InsertProposal(ctx context.Context, p Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, request_id, lawyer_id, status, fee_cents, timeline_days, years_experience, cover_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.RequestID, p.LawyerID, p.Status, p.FeeCents, p.TimelineDays, p.YearsExperience, p.CoverNote)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals p JOIN users u ON u.id=p.lawyer_id WHERE p.id=$1
	`, proposalID)
	return scanProposal(row)
}

// GetProposalByLawyer finds the lawyer's live proposal on a posting. Withdrawn
// proposals are skipped so the lawyer can submit again.
func (s *PostgresStore) GetProposalByLawyer(ctx context.Context, requestID, lawyerID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals p JOIN users u ON u.id=p.lawyer_id
		WHERE p.request_id=$1 AND p.lawyer_id=$2 AND p.status <> 'withdrawn'
	`, requestID, lawyerID)
	return scanProposal(row)
}

func (s *PostgresStore) UpdateProposalTerms(ctx context.Context, proposalID string, feeCents int64, timelineDays int, coverNote string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET fee_cents=$2, timeline_days=$3, cover_note=$4, updated_at=NOW()
		WHERE id=$1
	`, proposalID, feeCents, timelineDays, coverNote)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProposalStatus(ctx context.Context, proposalID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE proposals SET status=$2, updated_at=NOW() WHERE id=$1`, proposalID, status)
	if err != nil {
		return fmt.Errorf("update proposal status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, requestID string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals p JOIN users u ON u.id=p.lawyer_id
		WHERE p.request_id=$1 ORDER BY p.created_at DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ProposalStats(ctx context.Context, requestID string) (ProposalStats, error) {
	var stats ProposalStats
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), coalesce(min(fee_cents), 0), coalesce(avg(fee_cents), 0)::bigint, coalesce(min(timeline_days), 0)
		FROM proposals WHERE request_id=$1 AND status IN ('submitted', 'shortlisted')
	`, requestID).Scan(&stats.Count, &stats.MinFeeCents, &stats.AvgFeeCents, &stats.MinDays)
	if err != nil {
		return ProposalStats{}, fmt.Errorf("proposal stats: %w", err)
	}
	return stats, nil
}

// AcceptProposalTx awards one proposal and rejects every other live bid, all
// under the request row lock. Retrying the same winning proposal is a no-op
// success; a different proposal after the award fails with ErrRequestAssigned.
func (s *PostgresStore) AcceptProposalTx(ctx context.Context, requestID, proposalID, actorID string, slaHours int) (Request, Proposal, bool, error) {
	var outReq Request
	var outProp Proposal
	already := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil || r.CancelledAt != nil {
			return ErrRequestClosed
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+proposalColumns+` FROM proposals p JOIN users u ON u.id=p.lawyer_id
			WHERE p.id=$1 AND p.request_id=$2
		`, proposalID, requestID)
		prop, err := scanProposal(row)
		if err != nil {
			return err
		}

		if r.AssignedLawyerID != nil {
			if prop.Status == "accepted" && *r.AssignedLawyerID == prop.LawyerID {
				already = true
				outReq, outProp = r, prop
				return nil
			}
			return ErrRequestAssigned
		}
		if prop.Status != "submitted" && prop.Status != "shortlisted" {
			return ErrNotOpen
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE proposals SET status='accepted', updated_at=NOW() WHERE id=$1
		`, proposalID); err != nil {
			return fmt.Errorf("accept proposal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE proposals SET status='rejected', updated_at=NOW()
			WHERE request_id=$1 AND id <> $2 AND status IN ('submitted', 'shortlisted')
		`, requestID, proposalID); err != nil {
			return fmt.Errorf("reject other proposals: %w", err)
		}

		var deadline *time.Time
		if slaHours > 0 {
			d := time.Now().Add(time.Duration(slaHours) * time.Hour)
			deadline = &d
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE requests SET assigned_lawyer_id=$2, accepted_by_lawyer=TRUE, status='claimed',
				claimed_at=NOW(), sla_deadline=COALESCE($3, sla_deadline), updated_at=NOW()
			WHERE id=$1
		`, requestID, prop.LawyerID, deadline); err != nil {
			return fmt.Errorf("assign request: %w", err)
		}
		if err := insertHistoryTx(ctx, tx, requestID, r.Status, "claimed", actorID, "Proposal accepted"); err != nil {
			return err
		}

		outReq, err = lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		row = tx.QueryRowContext(ctx, `
			SELECT `+proposalColumns+` FROM proposals p JOIN users u ON u.id=p.lawyer_id WHERE p.id=$1
		`, proposalID)
		outProp, err = scanProposal(row)
		return err
	})
	return outReq, outProp, already, err
}

// ---- clarifications ----

func (s *PostgresStore) CreateClarificationTx(ctx context.Context, c Clarification) (Clarification, Request, error) {
	var outReq Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, c.RequestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil || r.CancelledAt != nil {
			return ErrRequestClosed
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO clarifications (id, request_id, created_by, question)
			VALUES ($1, $2, $3, $4)
			RETURNING status, created_at
		`, c.ID, c.RequestID, c.CreatedBy, c.Question).Scan(&c.Status, &c.CreatedAt); err != nil {
			return fmt.Errorf("insert clarification: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE requests SET clarification_required=TRUE, status='clarification_pending', updated_at=NOW()
			WHERE id=$1
		`, c.RequestID); err != nil {
			return fmt.Errorf("flag clarification: %w", err)
		}
		if r.Status != "clarification_pending" {
			if err := insertHistoryTx(ctx, tx, c.RequestID, r.Status, "clarification_pending", c.CreatedBy, "Clarification requested"); err != nil {
				return err
			}
		}
		outReq, err = lockRequest(ctx, tx, c.RequestID)
		return err
	})
	return c, outReq, err
}

// ResolveClarificationTx marks one clarification resolved and, when it was the
// last open one, advances the request to drafting_opinion in the same
// transaction.
func (s *PostgresStore) ResolveClarificationTx(ctx context.Context, clarificationID, actorID string) (Clarification, Request, bool, error) {
	var outClar Clarification
	var outReq Request
	cascaded := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var requestID string
		if err := tx.QueryRowContext(ctx, `
			SELECT request_id FROM clarifications WHERE id=$1
		`, clarificationID).Scan(&requestID); err != nil {
			return err
		}
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil || r.CancelledAt != nil {
			return ErrRequestClosed
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE clarifications SET status='resolved', resolved_by=$2, resolved_at=NOW()
			WHERE id=$1 AND status='open'
		`, clarificationID, actorID)
		if err != nil {
			return fmt.Errorf("resolve clarification: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve clarification rows: %w", err)
		}
		if affected == 0 {
			return ErrNotOpen
		}

		var open int
		if err := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM clarifications WHERE request_id=$1 AND status='open'
		`, requestID).Scan(&open); err != nil {
			return fmt.Errorf("count open clarifications: %w", err)
		}
		if open == 0 {
			cascaded = true
			if _, err := tx.ExecContext(ctx, `
				UPDATE requests SET clarification_required=FALSE, status='drafting_opinion', updated_at=NOW()
				WHERE id=$1
			`, requestID); err != nil {
				return fmt.Errorf("advance request: %w", err)
			}
			if err := insertHistoryTx(ctx, tx, requestID, r.Status, "drafting_opinion", actorID, "All clarifications resolved"); err != nil {
				return err
			}
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT id, request_id, created_by, question, status, resolved_by, resolved_at, created_at
			FROM clarifications WHERE id=$1
		`, clarificationID).Scan(&outClar.ID, &outClar.RequestID, &outClar.CreatedBy, &outClar.Question,
			&outClar.Status, &outClar.ResolvedBy, &outClar.ResolvedAt, &outClar.CreatedAt); err != nil {
			return err
		}
		outReq, err = lockRequest(ctx, tx, requestID)
		return err
	})
	return outClar, outReq, cascaded, err
}

func (s *PostgresStore) GetClarification(ctx context.Context, clarificationID string) (Clarification, error) {
	var c Clarification
	err := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, created_by, question, status, resolved_by, resolved_at, created_at
		FROM clarifications WHERE id=$1
	`, clarificationID).Scan(&c.ID, &c.RequestID, &c.CreatedBy, &c.Question, &c.Status, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt)
	if err != nil {
		return Clarification{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListClarifications(ctx context.Context, requestID string) ([]Clarification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, created_by, question, status, resolved_by, resolved_at, created_at
		FROM clarifications WHERE request_id=$1 ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list clarifications: %w", err)
	}
	defer rows.Close()

	items := make([]Clarification, 0)
	for rows.Next() {
		var c Clarification
		if err := rows.Scan(&c.ID, &c.RequestID, &c.CreatedBy, &c.Question, &c.Status, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan clarification: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertClarificationReply(ctx context.Context, reply ClarificationReply) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clarification_replies (id, clarification_id, author_id, body)
		VALUES ($1, $2, $3, $4)
	`, reply.ID, reply.ClarificationID, reply.AuthorID, reply.Body)
	if err != nil {
		return fmt.Errorf("insert clarification reply: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListClarificationReplies(ctx context.Context, clarificationID string) ([]ClarificationReply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cr.id, cr.clarification_id, cr.author_id, u.display_name, cr.body, cr.created_at
		FROM clarification_replies cr JOIN users u ON u.id=cr.author_id
		WHERE cr.clarification_id=$1 ORDER BY cr.created_at ASC
	`, clarificationID)
	if err != nil {
		return nil, fmt.Errorf("list clarification replies: %w", err)
	}
	defer rows.Close()

	items := make([]ClarificationReply, 0)
	for rows.Next() {
		var r ClarificationReply
		if err := rows.Scan(&r.ID, &r.ClarificationID, &r.AuthorID, &r.AuthorName, &r.Body, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan clarification reply: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// ---- audit & notifications ----

func (s *PostgresStore) InsertAuditLog(ctx context.Context, entry AuditLog) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (request_id, event_type, actor_id, actor_name, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.RequestID, entry.EventType, entry.ActorID, entry.ActorName, payload)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, requestID string) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, event_type, actor_id, actor_name, payload, created_at
		FROM audit_logs WHERE request_id=$1 ORDER BY created_at ASC, id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	items := make([]AuditLog, 0)
	for rows.Next() {
		var entry AuditLog
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.EventType, &entry.ActorID, &entry.ActorName, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, request_id, type, title, body)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, n.UserID, n.RequestID, n.Type, n.Title, n.Body)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, request_id, type, title, body, read_at, created_at
		FROM notifications WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.RequestID, &n.Type, &n.Title, &n.Body, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at=NOW() WHERE id=$1 AND user_id=$2 AND read_at IS NULL
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}
