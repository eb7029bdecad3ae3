package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ---- opinion submissions ----

const submissionColumns = `id, request_id, lawyer_id, status, final_version, documents_reviewed,
	clarifications_resolved, research_completed, citations_verified, opinion_proofread, created_at, updated_at`

func scanSubmission(row interface{ Scan(...any) error }) (OpinionSubmission, error) {
	var sub OpinionSubmission
	err := row.Scan(&sub.ID, &sub.RequestID, &sub.LawyerID, &sub.Status, &sub.FinalVersion,
		&sub.DocumentsReviewed, &sub.ClarificationsResolved, &sub.ResearchCompleted,
		&sub.CitationsVerified, &sub.OpinionProofread, &sub.CreatedAt, &sub.UpdatedAt)
	return sub, err
}

// EnsureOpinionSubmission creates the drafting workspace for a lawyer on a
// request, or returns the existing one.
func (s *PostgresStore) EnsureOpinionSubmission(ctx context.Context, submissionID, requestID, lawyerID string) (OpinionSubmission, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO opinion_submissions (id, request_id, lawyer_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id, lawyer_id) DO UPDATE SET updated_at=opinion_submissions.updated_at
		RETURNING `+submissionColumns+`
	`, submissionID, requestID, lawyerID)
	return scanSubmission(row)
}

// BeginDraftingTx moves a request into drafting the first time a workspace is
// opened on it. Returns started=false when drafting had already begun.
func (s *PostgresStore) BeginDraftingTx(ctx context.Context, requestID, actorID string) (Request, bool, error) {
	var out Request
	started := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil || r.CancelledAt != nil {
			return ErrRequestClosed
		}
		if r.OpinionState == "none" {
			started = true
			if _, err := tx.ExecContext(ctx, `
				UPDATE requests SET opinion_state='draft', status='drafting_opinion', updated_at=NOW() WHERE id=$1
			`, requestID); err != nil {
				return fmt.Errorf("begin drafting: %w", err)
			}
			if err := insertHistoryTx(ctx, tx, requestID, r.Status, "drafting_opinion", actorID, "Opinion drafting started"); err != nil {
				return err
			}
		}
		out, err = lockRequest(ctx, tx, requestID)
		return err
	})
	return out, started, err
}

// SetRequestOpinionState updates only the opinion_state flag; the lifecycle
// resolver folds it into the derived status.
func (s *PostgresStore) SetRequestOpinionState(ctx context.Context, requestID, state string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE requests SET opinion_state=$2, updated_at=NOW() WHERE id=$1
	`, requestID, state)
	if err != nil {
		return fmt.Errorf("set opinion state: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOpinionSubmission(ctx context.Context, submissionID string) (OpinionSubmission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM opinion_submissions WHERE id=$1`, submissionID)
	return scanSubmission(row)
}

func (s *PostgresStore) GetOpinionSubmissionForRequest(ctx context.Context, requestID, lawyerID string) (OpinionSubmission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM opinion_submissions WHERE request_id=$1 AND lawyer_id=$2
	`, requestID, lawyerID)
	return scanSubmission(row)
}

func (s *PostgresStore) UpdateSubmissionChecklist(ctx context.Context, submissionID string, sub OpinionSubmission) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE opinion_submissions
		SET documents_reviewed=$2, clarifications_resolved=$3, research_completed=$4,
			citations_verified=$5, opinion_proofread=$6, updated_at=NOW()
		WHERE id=$1
	`, submissionID, sub.DocumentsReviewed, sub.ClarificationsResolved, sub.ResearchCompleted,
		sub.CitationsVerified, sub.OpinionProofread)
	if err != nil {
		return fmt.Errorf("update checklist: %w", err)
	}
	return nil
}

// ---- opinion versions ----

// "references" is reserved in Postgres, so the column is named refs.
const versionColumns = `id, submission_id, version_number, facts, issues, analysis,
	conclusion, refs, status, is_locked, content_hash, commit_hash, created_by, created_at, updated_at`

func scanVersion(row interface{ Scan(...any) error }) (OpinionVersion, error) {
	var v OpinionVersion
	err := row.Scan(&v.ID, &v.SubmissionID, &v.VersionNumber, &v.Facts, &v.Issues,
		&v.Analysis, &v.Conclusion, &v.References, &v.Status, &v.IsLocked,
		&v.ContentHash, &v.CommitHash, &v.CreatedBy, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

// CreateOpinionVersionTx assigns the next version number under the submission
// lock. A locked latest version is fine here: signing locks a version against
// edits, and further drafting continues on the next number.
func (s *PostgresStore) CreateOpinionVersionTx(ctx context.Context, v OpinionVersion) (OpinionVersion, error) {
	var out OpinionVersion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var latestNumber int
		err := tx.QueryRowContext(ctx, `
			SELECT version_number FROM opinion_versions
			WHERE submission_id=$1 ORDER BY version_number DESC LIMIT 1
			FOR UPDATE
		`, v.SubmissionID).Scan(&latestNumber)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("lock latest version: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO opinion_versions (id, submission_id, version_number, facts, issues,
				analysis, conclusion, refs, status, content_hash, commit_hash, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'draft', $9, $10, $11)
			RETURNING `+versionColumns+`
		`, v.ID, v.SubmissionID, latestNumber+1, v.Facts, v.Issues, v.Analysis,
			v.Conclusion, v.References, v.ContentHash, v.CommitHash, v.CreatedBy)
		out, err = scanVersion(row)
		if err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetOpinionVersion(ctx context.Context, versionID string) (OpinionVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM opinion_versions WHERE id=$1`, versionID)
	return scanVersion(row)
}

func (s *PostgresStore) GetLatestOpinionVersion(ctx context.Context, submissionID string) (OpinionVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM opinion_versions
		WHERE submission_id=$1 ORDER BY version_number DESC LIMIT 1
	`, submissionID)
	return scanVersion(row)
}

func (s *PostgresStore) ListOpinionVersions(ctx context.Context, submissionID string) ([]OpinionVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM opinion_versions
		WHERE submission_id=$1 ORDER BY version_number ASC
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]OpinionVersion, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateVersionContent(ctx context.Context, v OpinionVersion) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE opinion_versions
		SET facts=$2, issues=$3, analysis=$4, conclusion=$5, refs=$6,
			content_hash=$7, commit_hash=$8, updated_at=NOW()
		WHERE id=$1 AND is_locked=FALSE
	`, v.ID, v.Facts, v.Issues, v.Analysis, v.Conclusion, v.References, v.ContentHash, v.CommitHash)
	if err != nil {
		return fmt.Errorf("update version content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update version rows: %w", err)
	}
	if affected == 0 {
		return ErrVersionLocked
	}
	return nil
}

func (s *PostgresStore) UpdateVersionStatus(ctx context.Context, versionID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE opinion_versions SET status=$2, updated_at=NOW() WHERE id=$1
	`, versionID, status)
	if err != nil {
		return fmt.Errorf("update version status: %w", err)
	}
	return nil
}

// SignOpinionVersionTx locks the version, records the signature, marks the
// submission final, and moves the request's opinion state to signed, all
// atomically. A locked version cannot be signed twice.
func (s *PostgresStore) SignOpinionVersionTx(ctx context.Context, sig DigitalSignature) (OpinionVersion, Request, error) {
	var outVersion OpinionVersion
	var outRequest Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+versionColumns+` FROM opinion_versions WHERE id=$1 FOR UPDATE
		`, sig.VersionID)
		v, err := scanVersion(row)
		if err != nil {
			return err
		}
		if v.IsLocked {
			return ErrVersionLocked
		}

		var requestID string
		if err := tx.QueryRowContext(ctx, `
			SELECT request_id FROM opinion_submissions WHERE id=$1
		`, v.SubmissionID).Scan(&requestID); err != nil {
			return err
		}
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil || r.CancelledAt != nil {
			return ErrRequestClosed
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO digital_signatures (id, version_id, signed_by, signer_name, content_hash, tag_name)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, sig.ID, sig.VersionID, sig.SignedBy, sig.SignerName, sig.ContentHash, sig.TagName); err != nil {
			return fmt.Errorf("insert signature: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE opinion_versions SET status='signed', is_locked=TRUE, updated_at=NOW() WHERE id=$1
		`, sig.VersionID); err != nil {
			return fmt.Errorf("lock version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE opinion_submissions SET status='final', final_version=$2, updated_at=NOW() WHERE id=$1
		`, v.SubmissionID, v.VersionNumber); err != nil {
			return fmt.Errorf("finalize submission: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE requests SET opinion_state='signed', updated_at=NOW() WHERE id=$1
		`, requestID); err != nil {
			return fmt.Errorf("update opinion state: %w", err)
		}

		row = tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM opinion_versions WHERE id=$1`, sig.VersionID)
		outVersion, err = scanVersion(row)
		if err != nil {
			return err
		}
		outRequest, err = lockRequest(ctx, tx, requestID)
		return err
	})
	return outVersion, outRequest, err
}

// PublishSignedVersionTx makes a signed version visible to the client and
// moves the request to opinion_ready.
func (s *PostgresStore) PublishSignedVersionTx(ctx context.Context, versionID, actorID string) (OpinionVersion, Request, error) {
	var outVersion OpinionVersion
	var outRequest Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+versionColumns+` FROM opinion_versions WHERE id=$1 FOR UPDATE
		`, versionID)
		v, err := scanVersion(row)
		if err != nil {
			return err
		}
		if v.Status != "signed" {
			return ErrNotOpen
		}

		var requestID string
		if err := tx.QueryRowContext(ctx, `
			SELECT request_id FROM opinion_submissions WHERE id=$1
		`, v.SubmissionID).Scan(&requestID); err != nil {
			return err
		}
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil || r.CancelledAt != nil {
			return ErrRequestClosed
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE opinion_versions SET status='published', updated_at=NOW() WHERE id=$1
		`, versionID); err != nil {
			return fmt.Errorf("publish version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE requests SET opinion_state='published', status='opinion_ready', updated_at=NOW() WHERE id=$1
		`, requestID); err != nil {
			return fmt.Errorf("mark opinion ready: %w", err)
		}
		if err := insertHistoryTx(ctx, tx, requestID, r.Status, "opinion_ready", actorID, "Opinion published"); err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM opinion_versions WHERE id=$1`, versionID)
		outVersion, err = scanVersion(row)
		if err != nil {
			return err
		}
		outRequest, err = lockRequest(ctx, tx, requestID)
		return err
	})
	return outVersion, outRequest, err
}

func (s *PostgresStore) GetSignature(ctx context.Context, versionID string) (DigitalSignature, error) {
	var sig DigitalSignature
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version_id, signed_by, signer_name, content_hash, tag_name, signed_at
		FROM digital_signatures WHERE version_id=$1
	`, versionID).Scan(&sig.ID, &sig.VersionID, &sig.SignedBy, &sig.SignerName, &sig.ContentHash, &sig.TagName, &sig.SignedAt)
	if err != nil {
		return DigitalSignature{}, err
	}
	return sig, nil
}

// ---- peer reviews ----

func (s *PostgresStore) InsertPeerReview(ctx context.Context, review PeerReview) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_reviews (id, version_id, requested_by, reviewer_id)
		VALUES ($1, $2, $3, $4)
	`, review.ID, review.VersionID, review.RequestedBy, review.ReviewerID)
	if err != nil {
		return fmt.Errorf("insert peer review: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPeerReview(ctx context.Context, reviewID string) (PeerReview, error) {
	var review PeerReview
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version_id, requested_by, reviewer_id, status, comments, completed_at, created_at
		FROM peer_reviews WHERE id=$1
	`, reviewID).Scan(&review.ID, &review.VersionID, &review.RequestedBy, &review.ReviewerID,
		&review.Status, &review.Comments, &review.CompletedAt, &review.CreatedAt)
	if err != nil {
		return PeerReview{}, err
	}
	return review, nil
}

func (s *PostgresStore) CompletePeerReview(ctx context.Context, reviewID, status, comments string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peer_reviews SET status=$2, comments=$3, completed_at=NOW()
		WHERE id=$1 AND status='pending'
	`, reviewID, status, comments)
	if err != nil {
		return fmt.Errorf("complete peer review: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete peer review rows: %w", err)
	}
	if affected == 0 {
		return ErrNotOpen
	}
	return nil
}

func (s *PostgresStore) ListPeerReviews(ctx context.Context, versionID string) ([]PeerReview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version_id, requested_by, reviewer_id, status, comments, completed_at, created_at
		FROM peer_reviews WHERE version_id=$1 ORDER BY created_at ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list peer reviews: %w", err)
	}
	defer rows.Close()

	items := make([]PeerReview, 0)
	for rows.Next() {
		var review PeerReview
		if err := rows.Scan(&review.ID, &review.VersionID, &review.RequestedBy, &review.ReviewerID,
			&review.Status, &review.Comments, &review.CompletedAt, &review.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan peer review: %w", err)
		}
		items = append(items, review)
	}
	return items, rows.Err()
}

// ---- document requests ----

const documentRequestColumns = `id, request_id, requested_by, title, description, mandatory,
	status, object_key, file_name, submitted_by, submitted_at, created_at`

func scanDocumentRequest(row interface{ Scan(...any) error }) (DocumentRequest, error) {
	var d DocumentRequest
	err := row.Scan(&d.ID, &d.RequestID, &d.RequestedBy, &d.Title, &d.Description, &d.Mandatory,
		&d.Status, &d.ObjectKey, &d.FileName, &d.SubmittedBy, &d.SubmittedAt, &d.CreatedAt)
	return d, err
}

// RequestDocumentsTx records required documents and parks the request in
// documents_pending until the client supplies them.
func (s *PostgresStore) RequestDocumentsTx(ctx context.Context, requestID, actorID string, docs []DocumentRequest) (Request, error) {
	var out Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil || r.CancelledAt != nil {
			return ErrRequestClosed
		}
		for _, d := range docs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO document_requests (id, request_id, requested_by, title, description, mandatory)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, d.ID, requestID, actorID, d.Title, d.Description, d.Mandatory); err != nil {
				return fmt.Errorf("insert document request: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE requests SET documents_required=TRUE, status='documents_pending', updated_at=NOW() WHERE id=$1
		`, requestID); err != nil {
			return fmt.Errorf("flag documents: %w", err)
		}
		if r.Status != "documents_pending" {
			if err := insertHistoryTx(ctx, tx, requestID, r.Status, "documents_pending", actorID, "Documents requested"); err != nil {
				return err
			}
		}
		out, err = lockRequest(ctx, tx, requestID)
		return err
	})
	return out, err
}

// SubmitDocumentTx attaches an uploaded file and, once every mandatory
// document is in, moves the request back to in_review.
func (s *PostgresStore) SubmitDocumentTx(ctx context.Context, docRequestID, objectKey, fileName, submittedBy string) (DocumentRequest, Request, bool, error) {
	var outDoc DocumentRequest
	var outReq Request
	advanced := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var requestID string
		if err := tx.QueryRowContext(ctx, `
			SELECT request_id FROM document_requests WHERE id=$1
		`, docRequestID).Scan(&requestID); err != nil {
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
			UPDATE document_requests
			SET status='submitted', object_key=$2, file_name=$3, submitted_by=$4, submitted_at=NOW()
			WHERE id=$1 AND status='pending'
		`, docRequestID, objectKey, fileName, submittedBy)
		if err != nil {
			return fmt.Errorf("submit document: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("submit document rows: %w", err)
		}
		if affected == 0 {
			return ErrNotOpen
		}

		var pending int
		if err := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM document_requests
			WHERE request_id=$1 AND mandatory=TRUE AND status='pending'
		`, requestID).Scan(&pending); err != nil {
			return fmt.Errorf("count pending documents: %w", err)
		}
		if pending == 0 && r.Status == "documents_pending" {
			advanced = true
			if _, err := tx.ExecContext(ctx, `
				UPDATE requests SET documents_required=FALSE, status='in_review', updated_at=NOW() WHERE id=$1
			`, requestID); err != nil {
				return fmt.Errorf("advance request: %w", err)
			}
			if err := insertHistoryTx(ctx, tx, requestID, r.Status, "in_review", submittedBy, "All required documents submitted"); err != nil {
				return err
			}
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+documentRequestColumns+` FROM document_requests WHERE id=$1
		`, docRequestID)
		outDoc, err = scanDocumentRequest(row)
		if err != nil {
			return err
		}
		outReq, err = lockRequest(ctx, tx, requestID)
		return err
	})
	return outDoc, outReq, advanced, err
}

func (s *PostgresStore) ListDocumentRequests(ctx context.Context, requestID string) ([]DocumentRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentRequestColumns+` FROM document_requests
		WHERE request_id=$1 ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list document requests: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentRequest, 0)
	for rows.Next() {
		d, err := scanDocumentRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document request: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// ---- post-opinion clarifications ----

func (s *PostgresStore) InsertOpinionClarification(ctx context.Context, c OpinionClarification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opinion_clarifications (id, request_id, version_id, section, asked_by, question)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.RequestID, c.VersionID, c.Section, c.AskedBy, c.Question)
	if err != nil {
		return fmt.Errorf("insert opinion clarification: %w", err)
	}
	return nil
}

func (s *PostgresStore) AnswerOpinionClarification(ctx context.Context, clarificationID, answer, answeredBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE opinion_clarifications SET answer=$2, answered_by=$3, status='answered', answered_at=NOW()
		WHERE id=$1 AND status='open'
	`, clarificationID, answer, answeredBy)
	if err != nil {
		return fmt.Errorf("answer opinion clarification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("answer clarification rows: %w", err)
	}
	if affected == 0 {
		return ErrNotOpen
	}
	return nil
}

func (s *PostgresStore) GetOpinionClarification(ctx context.Context, clarificationID string) (OpinionClarification, error) {
	var c OpinionClarification
	err := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, version_id, section, asked_by, question, answer, answered_by, status, answered_at, created_at
		FROM opinion_clarifications WHERE id=$1
	`, clarificationID).Scan(&c.ID, &c.RequestID, &c.VersionID, &c.Section, &c.AskedBy, &c.Question,
		&c.Answer, &c.AnsweredBy, &c.Status, &c.AnsweredAt, &c.CreatedAt)
	if err != nil {
		return OpinionClarification{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListOpinionClarifications(ctx context.Context, requestID string) ([]OpinionClarification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, version_id, section, asked_by, question, answer, answered_by, status, answered_at, created_at
		FROM opinion_clarifications WHERE request_id=$1 ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list opinion clarifications: %w", err)
	}
	defer rows.Close()

	items := make([]OpinionClarification, 0)
	for rows.Next() {
		var c OpinionClarification
		if err := rows.Scan(&c.ID, &c.RequestID, &c.VersionID, &c.Section, &c.AskedBy, &c.Question,
			&c.Answer, &c.AnsweredBy, &c.Status, &c.AnsweredAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan opinion clarification: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountOpenOpinionClarifications(ctx context.Context, requestID string) (int, error) {
	var open int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM opinion_clarifications WHERE request_id=$1 AND status='open'
	`, requestID).Scan(&open)
	if err != nil {
		return 0, fmt.Errorf("count open opinion clarifications: %w", err)
	}
	return open, nil
}

// ---- closure ----

// CloseRequestTx writes the closure record and marks the request completed.
// Closing an already-closed request returns the existing record unchanged.
func (s *PostgresStore) CloseRequestTx(ctx context.Context, closure RequestClosure) (RequestClosure, Request, bool, error) {
	var outClosure RequestClosure
	var outReq Request
	already := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, closure.RequestID)
		if err != nil {
			return err
		}
		if r.ClosedAt != nil {
			already = true
			err := tx.QueryRowContext(ctx, `
				SELECT id, request_id, closed_by, reason, satisfaction_rating,
					opinion_delivered, all_clarifications_resolved, signature_verified, created_at
				FROM request_closures WHERE request_id=$1
			`, closure.RequestID).Scan(&outClosure.ID, &outClosure.RequestID, &outClosure.ClosedBy,
				&outClosure.Reason, &outClosure.SatisfactionRating, &outClosure.OpinionDelivered,
				&outClosure.AllClarificationsResolved, &outClosure.SignatureVerified, &outClosure.CreatedAt)
			if err != nil {
				return err
			}
			outReq = r
			return nil
		}
		if r.CancelledAt != nil {
			return ErrRequestClosed
		}

		if err := tx.QueryRowContext(ctx, `
			INSERT INTO request_closures (id, request_id, closed_by, reason, satisfaction_rating,
				opinion_delivered, all_clarifications_resolved, signature_verified)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at
		`, closure.ID, closure.RequestID, closure.ClosedBy, closure.Reason, closure.SatisfactionRating,
			closure.OpinionDelivered, closure.AllClarificationsResolved, closure.SignatureVerified,
		).Scan(&closure.CreatedAt); err != nil {
			return fmt.Errorf("insert closure: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE requests SET status='completed', closed_at=NOW(), updated_at=NOW() WHERE id=$1
		`, closure.RequestID); err != nil {
			return fmt.Errorf("close request: %w", err)
		}
		if err := insertHistoryTx(ctx, tx, closure.RequestID, r.Status, "completed", closure.ClosedBy, closure.Reason); err != nil {
			return err
		}
		outClosure = closure
		outReq, err = lockRequest(ctx, tx, closure.RequestID)
		return err
	})
	return outClosure, outReq, already, err
}

// ---- delivery ----

// RecordOpinionViewTx logs the client's access and stamps delivery on first
// view of a published opinion.
func (s *PostgresStore) RecordOpinionViewTx(ctx context.Context, requestID, versionID, viewerID string) (Request, bool, error) {
	var outReq Request
	firstView := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO opinion_access_log (version_id, viewed_by) VALUES ($1, $2)
		`, versionID, viewerID); err != nil {
			return fmt.Errorf("insert access log: %w", err)
		}
		if r.DeliveredAt == nil && r.ClosedAt == nil && r.CancelledAt == nil {
			firstView = true
			if _, err := tx.ExecContext(ctx, `
				UPDATE requests SET delivered_at=NOW(), status='delivered', updated_at=NOW() WHERE id=$1
			`, requestID); err != nil {
				return fmt.Errorf("mark delivered: %w", err)
			}
			if err := insertHistoryTx(ctx, tx, requestID, r.Status, "delivered", viewerID, "Opinion viewed by client"); err != nil {
				return err
			}
		}
		outReq, err = lockRequest(ctx, tx, requestID)
		return err
	})
	return outReq, firstView, err
}

func (s *PostgresStore) ListOpinionAccess(ctx context.Context, versionID string) ([]OpinionAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version_id, viewed_by, viewed_at FROM opinion_access_log
		WHERE version_id=$1 ORDER BY viewed_at ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list opinion access: %w", err)
	}
	defer rows.Close()

	items := make([]OpinionAccess, 0)
	for rows.Next() {
		var a OpinionAccess
		if err := rows.Scan(&a.ID, &a.VersionID, &a.ViewedBy, &a.ViewedAt); err != nil {
			return nil, fmt.Errorf("scan opinion access: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// ---- exports ----

func (s *PostgresStore) InsertOpinionExport(ctx context.Context, exp OpinionExport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opinion_exports (id, version_id, format, object_key, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, exp.ID, exp.VersionID, exp.Format, exp.ObjectKey, exp.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert opinion export: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOpinionExports(ctx context.Context, versionID string) ([]OpinionExport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version_id, format, object_key, created_by, created_at
		FROM opinion_exports WHERE version_id=$1 ORDER BY created_at DESC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list opinion exports: %w", err)
	}
	defer rows.Close()

	items := make([]OpinionExport, 0)
	for rows.Next() {
		var exp OpinionExport
		if err := rows.Scan(&exp.ID, &exp.VersionID, &exp.Format, &exp.ObjectKey, &exp.CreatedBy, &exp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan opinion export: %w", err)
		}
		items = append(items, exp)
	}
	return items, rows.Err()
}
