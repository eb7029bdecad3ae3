package app

import (
	"context"
	"log"
	"time"

	"counsel/api/internal/auth"
	"counsel/api/internal/authpw"
	"counsel/api/internal/blob"
	"counsel/api/internal/config"
	"counsel/api/internal/draft"
	"counsel/api/internal/email"
	"counsel/api/internal/export"
	"counsel/api/internal/lifecycle"
	"counsel/api/internal/opinionrepo"
	"counsel/api/internal/rbac"
	"counsel/api/internal/search"
	"counsel/api/internal/store"
	"counsel/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	OrgRef       string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	ListDepartments(context.Context) ([]store.Department, error)

	InsertRequest(context.Context, store.Request) error
	GetRequest(context.Context, string) (store.Request, error)
	ListRequestsForClient(context.Context, string) ([]store.Request, error)
	ListRequestsForLawyer(context.Context, string) ([]store.Request, error)
	ListPublicOpenRequests(context.Context, string, string) ([]store.Request, error)
	SupervisionCounts(context.Context, string, string) ([]store.StatusCount, error)
	ListStatusHistory(context.Context, string) ([]store.StatusHistory, error)

	PostPublicTx(context.Context, string, string) (store.Request, error)
	AcceptAssignmentTx(context.Context, string, string, string, bool, string) (store.Request, store.RequestAcceptance, error)
	GetAcceptance(context.Context, string, string) (store.RequestAcceptance, error)

	InsertProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	GetProposalByLawyer(context.Context, string, string) (store.Proposal, error)
	UpdateProposalTerms(context.Context, string, int64, int, string) error
	UpdateProposalStatus(context.Context, string, string) error
	ListProposals(context.Context, string) ([]store.Proposal, error)
	ProposalStats(context.Context, string) (store.ProposalStats, error)
	AcceptProposalTx(context.Context, string, string, string, int) (store.Request, store.Proposal, bool, error)

	CreateClarificationTx(context.Context, store.Clarification) (store.Clarification, store.Request, error)
	ResolveClarificationTx(context.Context, string, string) (store.Clarification, store.Request, bool, error)
	GetClarification(context.Context, string) (store.Clarification, error)
	ListClarifications(context.Context, string) ([]store.Clarification, error)
	InsertClarificationReply(context.Context, store.ClarificationReply) error
	ListClarificationReplies(context.Context, string) ([]store.ClarificationReply, error)

	EnsureOpinionSubmission(context.Context, string, string, string) (store.OpinionSubmission, error)
	BeginDraftingTx(context.Context, string, string) (store.Request, bool, error)
	SetRequestOpinionState(context.Context, string, string) error
	GetOpinionSubmission(context.Context, string) (store.OpinionSubmission, error)
	GetOpinionSubmissionForRequest(context.Context, string, string) (store.OpinionSubmission, error)
	UpdateSubmissionChecklist(context.Context, string, store.OpinionSubmission) error
	CreateOpinionVersionTx(context.Context, store.OpinionVersion) (store.OpinionVersion, error)
	GetOpinionVersion(context.Context, string) (store.OpinionVersion, error)
	GetLatestOpinionVersion(context.Context, string) (store.OpinionVersion, error)
	ListOpinionVersions(context.Context, string) ([]store.OpinionVersion, error)
	UpdateVersionContent(context.Context, store.OpinionVersion) error
	UpdateVersionStatus(context.Context, string, string) error
	SignOpinionVersionTx(context.Context, store.DigitalSignature) (store.OpinionVersion, store.Request, error)
	PublishSignedVersionTx(context.Context, string, string) (store.OpinionVersion, store.Request, error)
	GetSignature(context.Context, string) (store.DigitalSignature, error)
	InsertPeerReview(context.Context, store.PeerReview) error
	GetPeerReview(context.Context, string) (store.PeerReview, error)
	CompletePeerReview(context.Context, string, string, string) error
	ListPeerReviews(context.Context, string) ([]store.PeerReview, error)

	RequestDocumentsTx(context.Context, string, string, []store.DocumentRequest) (store.Request, error)
	SubmitDocumentTx(context.Context, string, string, string, string) (store.DocumentRequest, store.Request, bool, error)
	ListDocumentRequests(context.Context, string) ([]store.DocumentRequest, error)

	InsertOpinionClarification(context.Context, store.OpinionClarification) error
	AnswerOpinionClarification(context.Context, string, string, string) error
	GetOpinionClarification(context.Context, string) (store.OpinionClarification, error)
	ListOpinionClarifications(context.Context, string) ([]store.OpinionClarification, error)
	CountOpenOpinionClarifications(context.Context, string) (int, error)

	CloseRequestTx(context.Context, store.RequestClosure) (store.RequestClosure, store.Request, bool, error)
	RecordOpinionViewTx(context.Context, string, string, string) (store.Request, bool, error)
	ListOpinionAccess(context.Context, string) ([]store.OpinionAccess, error)
	InsertOpinionExport(context.Context, store.OpinionExport) error
	ListOpinionExports(context.Context, string) ([]store.OpinionExport, error)

	InsertAuditLog(context.Context, store.AuditLog) error
	ListAuditLogs(context.Context, string) ([]store.AuditLog, error)
	InsertNotification(context.Context, store.Notification) error
	ListNotifications(context.Context, string, int) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string) error

	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type opinionArchive interface {
	EnsureRequestRepo(requestID, author string) error
	CommitVersion(requestID string, content opinionrepo.Content, author string) (opinionrepo.CommitInfo, error)
	GetContentByHash(requestID, hash string) (opinionrepo.Content, error)
	History(requestID string, limit int) ([]opinionrepo.CommitInfo, error)
	TagSigned(requestID, hash string, versionNumber int) (string, error)
}

type draftBuffer interface {
	Save(ctx context.Context, a draft.Autosave) error
	Get(ctx context.Context, submissionID, lawyerID string) (draft.Autosave, error)
	Discard(ctx context.Context, submissionID, lawyerID string) error
}

// Deps carries the service collaborators. Blobs, Search, Export and Email may
// be nil; the features they back degrade instead of failing.
type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Drafts   draftBuffer
	Opinions opinionArchive
	Blobs    *blob.Store
	Search   *search.Service
	Export   *export.Service
	Email    *email.Service
	Auth     *authpw.Service
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	drafts   draftBuffer
	opinions opinionArchive
	blobs    *blob.Store
	search   *search.Service
	export   *export.Service
	email    *email.Service
	authpw   *authpw.Service
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		drafts:   deps.Drafts,
		opinions: deps.Opinions,
		blobs:    deps.Blobs,
		search:   deps.Search,
		export:   deps.Export,
		email:    deps.Email,
		authpw:   deps.Auth,
	}
}

// AuthPasswordService exposes the email/password flows to the HTTP layer.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

// SMTPConfigured reports whether outbound email is available.
func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// IssueSession mints an access token plus a refresh token for a signed-in
// user. The claims carry everything the request path needs, so session checks
// never hit the database.
func (s *Service) IssueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		Org:  user.OrgRef,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		OrgRef:       user.OrgRef,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the old one is revoked in the same step
// that mints the replacement.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		OrgRef:    claims.Org,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// audit records one workflow event. Audit rows are written after the
// transaction they describe commits; losing one never rolls back work.
func (s *Service) audit(ctx context.Context, requestID, eventType string, sess Session, payload map[string]any) {
	err := s.store.InsertAuditLog(ctx, store.AuditLog{
		RequestID: requestID,
		EventType: eventType,
		ActorID:   sess.UserID,
		ActorName: sess.UserName,
		Payload:   payload,
	})
	if err != nil {
		log.Printf("app: audit %s on %s: %v", eventType, requestID, err)
	}
}

// notify writes an in-app notification and, when SMTP is configured, sends a
// best-effort email. Failures are logged, never surfaced.
func (s *Service) notify(ctx context.Context, userID, requestID, requestNumber, ntype, title, body string) {
	if userID == "" {
		return
	}
	n := store.Notification{
		ID:        util.NewID("ntf"),
		UserID:    userID,
		RequestID: requestID,
		Type:      ntype,
		Title:     title,
		Body:      body,
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		log.Printf("app: notify %s on %s: %v", ntype, requestID, err)
		return
	}
	if !s.SMTPConfigured() {
		return
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return
	}
	go func() {
		if err := s.email.SendNotificationEmail(user.Email, user.DisplayName, title, body, requestNumber, ""); err != nil {
			log.Printf("app: notification email to %s: %v", userID, err)
		}
	}()
}

func snapshotOf(r store.Request) lifecycle.Snapshot {
	return lifecycle.Snapshot{
		RawStatus:             r.Status,
		Visibility:            r.Visibility,
		Priority:              r.Priority,
		AssignedLawyer:        r.AssignedLawyerID != nil,
		AcceptedByLawyer:      r.AcceptedByLawyer,
		HasAcceptedProposal:   r.ClaimedAt != nil,
		ClarificationRequired: r.ClarificationRequired,
		DocumentsRequired:     r.DocumentsRequired,
		OpinionState:          r.OpinionState,
		SLADeadline:           r.SLADeadline,
		PublicExpiresAt:       r.PublicExpiresAt,
		DeliveredAt:           r.DeliveredAt,
		CancelledAt:           r.CancelledAt,
		ClosedAt:              r.ClosedAt,
	}
}

// canViewRequest is the read gate every request endpoint funnels through.
func (s *Service) canViewRequest(sess Session, r store.Request) bool {
	switch rbac.Normalize(sess.Role) {
	case rbac.RoleAdmin:
		return true
	case rbac.RoleClient:
		return r.ClientID == sess.UserID
	case rbac.RoleBankAdmin:
		return r.BankRef != "" && r.BankRef == sess.OrgRef
	case rbac.RoleFirmAdmin:
		return r.FirmRef != "" && r.FirmRef == sess.OrgRef
	default:
		if r.AssignedLawyerID != nil && *r.AssignedLawyerID == sess.UserID {
			return true
		}
		return r.Visibility == "public" && r.Status == "marketplace_posted"
	}
}

func (s *Service) isAssignedLawyer(sess Session, r store.Request) bool {
	return r.AssignedLawyerID != nil && *r.AssignedLawyerID == sess.UserID
}

func nilIfZero(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
