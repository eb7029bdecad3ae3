package app

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"counsel/api/internal/config"
	"counsel/api/internal/draft"
	"counsel/api/internal/opinionrepo"
	"counsel/api/internal/store"
)

// fakeStore implements dataStore with overridable function fields. Methods
// without an override return the zero value; getters report sql.ErrNoRows so
// the not-found path is the default. Audit and notification writes are
// recorded for assertions.
type fakeStore struct {
	mu            sync.Mutex
	audits        []store.AuditLog
	notifications []store.Notification

	GetUserByIDFn            func(ctx context.Context, id string) (store.User, error)
	ListDepartmentsFn        func(ctx context.Context) ([]store.Department, error)
	InsertRequestFn          func(ctx context.Context, r store.Request) error
	GetRequestFn             func(ctx context.Context, id string) (store.Request, error)
	ListRequestsForClientFn  func(ctx context.Context, id string) ([]store.Request, error)
	ListRequestsForLawyerFn  func(ctx context.Context, id string) ([]store.Request, error)
	ListPublicOpenRequestsFn func(ctx context.Context, dept, priority string) ([]store.Request, error)
	SupervisionCountsFn      func(ctx context.Context, orgField, orgRef string) ([]store.StatusCount, error)
	ListStatusHistoryFn      func(ctx context.Context, id string) ([]store.StatusHistory, error)

	PostPublicTxFn       func(ctx context.Context, requestID, actorID string) (store.Request, error)
	AcceptAssignmentTxFn func(ctx context.Context, acceptanceID, requestID, lawyerID string, accept bool, reason string) (store.Request, store.RequestAcceptance, error)
	GetAcceptanceFn      func(ctx context.Context, requestID, lawyerID string) (store.RequestAcceptance, error)

	InsertProposalFn       func(ctx context.Context, p store.Proposal) error
	GetProposalFn          func(ctx context.Context, id string) (store.Proposal, error)
	GetProposalByLawyerFn  func(ctx context.Context, requestID, lawyerID string) (store.Proposal, error)
	UpdateProposalTermsFn  func(ctx context.Context, id string, fee int64, days int, note string) error
	UpdateProposalStatusFn func(ctx context.Context, id, status string) error
	ListProposalsFn        func(ctx context.Context, requestID string) ([]store.Proposal, error)
	ProposalStatsFn        func(ctx context.Context, requestID string) (store.ProposalStats, error)
	AcceptProposalTxFn     func(ctx context.Context, requestID, proposalID, actorID string, slaHours int) (store.Request, store.Proposal, bool, error)

	CreateClarificationTxFn    func(ctx context.Context, c store.Clarification) (store.Clarification, store.Request, error)
	ResolveClarificationTxFn   func(ctx context.Context, id, actorID string) (store.Clarification, store.Request, bool, error)
	GetClarificationFn         func(ctx context.Context, id string) (store.Clarification, error)
	ListClarificationsFn       func(ctx context.Context, requestID string) ([]store.Clarification, error)
	InsertClarificationReplyFn func(ctx context.Context, r store.ClarificationReply) error
	ListClarificationRepliesFn func(ctx context.Context, id string) ([]store.ClarificationReply, error)

	EnsureOpinionSubmissionFn        func(ctx context.Context, id, requestID, lawyerID string) (store.OpinionSubmission, error)
	BeginDraftingTxFn                func(ctx context.Context, requestID, actorID string) (store.Request, bool, error)
	SetRequestOpinionStateFn         func(ctx context.Context, requestID, state string) error
	GetOpinionSubmissionFn           func(ctx context.Context, id string) (store.OpinionSubmission, error)
	GetOpinionSubmissionForRequestFn func(ctx context.Context, requestID, lawyerID string) (store.OpinionSubmission, error)
	UpdateSubmissionChecklistFn      func(ctx context.Context, id string, sub store.OpinionSubmission) error
	CreateOpinionVersionTxFn         func(ctx context.Context, v store.OpinionVersion) (store.OpinionVersion, error)
	GetOpinionVersionFn              func(ctx context.Context, id string) (store.OpinionVersion, error)
	GetLatestOpinionVersionFn        func(ctx context.Context, id string) (store.OpinionVersion, error)
	ListOpinionVersionsFn            func(ctx context.Context, id string) ([]store.OpinionVersion, error)
	UpdateVersionContentFn           func(ctx context.Context, v store.OpinionVersion) error
	UpdateVersionStatusFn            func(ctx context.Context, id, status string) error
	SignOpinionVersionTxFn           func(ctx context.Context, sig store.DigitalSignature) (store.OpinionVersion, store.Request, error)
	PublishSignedVersionTxFn         func(ctx context.Context, id, actorID string) (store.OpinionVersion, store.Request, error)
	GetSignatureFn                   func(ctx context.Context, id string) (store.DigitalSignature, error)
	InsertPeerReviewFn               func(ctx context.Context, r store.PeerReview) error
	GetPeerReviewFn                  func(ctx context.Context, id string) (store.PeerReview, error)
	CompletePeerReviewFn             func(ctx context.Context, id, status, comments string) error
	ListPeerReviewsFn                func(ctx context.Context, id string) ([]store.PeerReview, error)

	RequestDocumentsTxFn   func(ctx context.Context, requestID, actorID string, docs []store.DocumentRequest) (store.Request, error)
	SubmitDocumentTxFn     func(ctx context.Context, id, objectKey, fileName, submittedBy string) (store.DocumentRequest, store.Request, bool, error)
	ListDocumentRequestsFn func(ctx context.Context, requestID string) ([]store.DocumentRequest, error)

	InsertOpinionClarificationFn     func(ctx context.Context, c store.OpinionClarification) error
	AnswerOpinionClarificationFn     func(ctx context.Context, id, answer, answeredBy string) error
	GetOpinionClarificationFn        func(ctx context.Context, id string) (store.OpinionClarification, error)
	ListOpinionClarificationsFn      func(ctx context.Context, requestID string) ([]store.OpinionClarification, error)
	CountOpenOpinionClarificationsFn func(ctx context.Context, requestID string) (int, error)

	CloseRequestTxFn      func(ctx context.Context, c store.RequestClosure) (store.RequestClosure, store.Request, bool, error)
	RecordOpinionViewTxFn func(ctx context.Context, requestID, versionID, viewerID string) (store.Request, bool, error)
	ListOpinionAccessFn   func(ctx context.Context, id string) ([]store.OpinionAccess, error)
	InsertOpinionExportFn func(ctx context.Context, e store.OpinionExport) error
	ListOpinionExportsFn  func(ctx context.Context, id string) ([]store.OpinionExport, error)

	ListAuditLogsFn        func(ctx context.Context, requestID string) ([]store.AuditLog, error)
	ListNotificationsFn    func(ctx context.Context, userID string, limit int) ([]store.Notification, error)
	MarkNotificationReadFn func(ctx context.Context, id, userID string) error
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.GetUserByIDFn != nil {
		return f.GetUserByIDFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) ListDepartments(ctx context.Context) ([]store.Department, error) {
	if f.ListDepartmentsFn != nil {
		return f.ListDepartmentsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) InsertRequest(ctx context.Context, r store.Request) error {
	if f.InsertRequestFn != nil {
		return f.InsertRequestFn(ctx, r)
	}
	return nil
}

func (f *fakeStore) GetRequest(ctx context.Context, id string) (store.Request, error) {
	if f.GetRequestFn != nil {
		return f.GetRequestFn(ctx, id)
	}
	return store.Request{}, sql.ErrNoRows
}

func (f *fakeStore) ListRequestsForClient(ctx context.Context, id string) ([]store.Request, error) {
	if f.ListRequestsForClientFn != nil {
		return f.ListRequestsForClientFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) ListRequestsForLawyer(ctx context.Context, id string) ([]store.Request, error) {
	if f.ListRequestsForLawyerFn != nil {
		return f.ListRequestsForLawyerFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) ListPublicOpenRequests(ctx context.Context, dept, priority string) ([]store.Request, error) {
	if f.ListPublicOpenRequestsFn != nil {
		return f.ListPublicOpenRequestsFn(ctx, dept, priority)
	}
	return nil, nil
}

func (f *fakeStore) SupervisionCounts(ctx context.Context, orgField, orgRef string) ([]store.StatusCount, error) {
	if f.SupervisionCountsFn != nil {
		return f.SupervisionCountsFn(ctx, orgField, orgRef)
	}
	return nil, nil
}

func (f *fakeStore) ListStatusHistory(ctx context.Context, id string) ([]store.StatusHistory, error) {
	if f.ListStatusHistoryFn != nil {
		return f.ListStatusHistoryFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) PostPublicTx(ctx context.Context, requestID, actorID string) (store.Request, error) {
	if f.PostPublicTxFn != nil {
		return f.PostPublicTxFn(ctx, requestID, actorID)
	}
	return store.Request{}, sql.ErrNoRows
}

func (f *fakeStore) AcceptAssignmentTx(ctx context.Context, acceptanceID, requestID, lawyerID string, accept bool, reason string) (store.Request, store.RequestAcceptance, error) {
	if f.AcceptAssignmentTxFn != nil {
		return f.AcceptAssignmentTxFn(ctx, acceptanceID, requestID, lawyerID, accept, reason)
	}
	return store.Request{}, store.RequestAcceptance{}, sql.ErrNoRows
}

func (f *fakeStore) GetAcceptance(ctx context.Context, requestID, lawyerID string) (store.RequestAcceptance, error) {
	if f.GetAcceptanceFn != nil {
		return f.GetAcceptanceFn(ctx, requestID, lawyerID)
	}
	return store.RequestAcceptance{}, sql.ErrNoRows
}

func (f *fakeStore) InsertProposal(ctx context.Context, p store.Proposal) error {
	if f.InsertProposalFn != nil {
		return f.InsertProposalFn(ctx, p)
	}
	return nil
}

func (f *fakeStore) GetProposal(ctx context.Context, id string) (store.Proposal, error) {
	if f.GetProposalFn != nil {
		return f.GetProposalFn(ctx, id)
	}
	return store.Proposal{}, sql.ErrNoRows
}

func (f *fakeStore) GetProposalByLawyer(ctx context.Context, requestID, lawyerID string) (store.Proposal, error) {
	if f.GetProposalByLawyerFn != nil {
		return f.GetProposalByLawyerFn(ctx, requestID, lawyerID)
	}
	return store.Proposal{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateProposalTerms(ctx context.Context, id string, fee int64, days int, note string) error {
	if f.UpdateProposalTermsFn != nil {
		return f.UpdateProposalTermsFn(ctx, id, fee, days, note)
	}
	return nil
}

func (f *fakeStore) UpdateProposalStatus(ctx context.Context, id, status string) error {
	if f.UpdateProposalStatusFn != nil {
		return f.UpdateProposalStatusFn(ctx, id, status)
	}
	return nil
}

func (f *fakeStore) ListProposals(ctx context.Context, requestID string) ([]store.Proposal, error) {
	if f.ListProposalsFn != nil {
		return f.ListProposalsFn(ctx, requestID)
	}
	return nil, nil
}

func (f *fakeStore) ProposalStats(ctx context.Context, requestID string) (store.ProposalStats, error) {
	if f.ProposalStatsFn != nil {
		return f.ProposalStatsFn(ctx, requestID)
	}
	return store.ProposalStats{}, nil
}

func (f *fakeStore) AcceptProposalTx(ctx context.Context, requestID, proposalID, actorID string, slaHours int) (store.Request, store.Proposal, bool, error) {
	if f.AcceptProposalTxFn != nil {
		return f.AcceptProposalTxFn(ctx, requestID, proposalID, actorID, slaHours)
	}
	return store.Request{}, store.Proposal{}, false, sql.ErrNoRows
}

func (f *fakeStore) CreateClarificationTx(ctx context.Context, c store.Clarification) (store.Clarification, store.Request, error) {
	if f.CreateClarificationTxFn != nil {
		return f.CreateClarificationTxFn(ctx, c)
	}
	return store.Clarification{}, store.Request{}, sql.ErrNoRows
}

func (f *fakeStore) ResolveClarificationTx(ctx context.Context, id, actorID string) (store.Clarification, store.Request, bool, error) {
	if f.ResolveClarificationTxFn != nil {
		return f.ResolveClarificationTxFn(ctx, id, actorID)
	}
	return store.Clarification{}, store.Request{}, false, sql.ErrNoRows
}

func (f *fakeStore) GetClarification(ctx context.Context, id string) (store.Clarification, error) {
	if f.GetClarificationFn != nil {
		return f.GetClarificationFn(ctx, id)
	}
	return store.Clarification{}, sql.ErrNoRows
}

func (f *fakeStore) ListClarifications(ctx context.Context, requestID string) ([]store.Clarification, error) {
	if f.ListClarificationsFn != nil {
		return f.ListClarificationsFn(ctx, requestID)
	}
	return nil, nil
}

func (f *fakeStore) InsertClarificationReply(ctx context.Context, r store.ClarificationReply) error {
	if f.InsertClarificationReplyFn != nil {
		return f.InsertClarificationReplyFn(ctx, r)
	}
	return nil
}

func (f *fakeStore) ListClarificationReplies(ctx context.Context, id string) ([]store.ClarificationReply, error) {
	if f.ListClarificationRepliesFn != nil {
		return f.ListClarificationRepliesFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) EnsureOpinionSubmission(ctx context.Context, id, requestID, lawyerID string) (store.OpinionSubmission, error) {
	if f.EnsureOpinionSubmissionFn != nil {
		return f.EnsureOpinionSubmissionFn(ctx, id, requestID, lawyerID)
	}
	return store.OpinionSubmission{ID: id, RequestID: requestID, LawyerID: lawyerID, Status: "draft"}, nil
}

func (f *fakeStore) BeginDraftingTx(ctx context.Context, requestID, actorID string) (store.Request, bool, error) {
	if f.BeginDraftingTxFn != nil {
		return f.BeginDraftingTxFn(ctx, requestID, actorID)
	}
	return store.Request{}, false, sql.ErrNoRows
}

func (f *fakeStore) SetRequestOpinionState(ctx context.Context, requestID, state string) error {
	if f.SetRequestOpinionStateFn != nil {
		return f.SetRequestOpinionStateFn(ctx, requestID, state)
	}
	return nil
}

func (f *fakeStore) GetOpinionSubmission(ctx context.Context, id string) (store.OpinionSubmission, error) {
	if f.GetOpinionSubmissionFn != nil {
		return f.GetOpinionSubmissionFn(ctx, id)
	}
	return store.OpinionSubmission{}, sql.ErrNoRows
}

func (f *fakeStore) GetOpinionSubmissionForRequest(ctx context.Context, requestID, lawyerID string) (store.OpinionSubmission, error) {
	if f.GetOpinionSubmissionForRequestFn != nil {
		return f.GetOpinionSubmissionForRequestFn(ctx, requestID, lawyerID)
	}
	return store.OpinionSubmission{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateSubmissionChecklist(ctx context.Context, id string, sub store.OpinionSubmission) error {
	if f.UpdateSubmissionChecklistFn != nil {
		return f.UpdateSubmissionChecklistFn(ctx, id, sub)
	}
	return nil
}

func (f *fakeStore) CreateOpinionVersionTx(ctx context.Context, v store.OpinionVersion) (store.OpinionVersion, error) {
	if f.CreateOpinionVersionTxFn != nil {
		return f.CreateOpinionVersionTxFn(ctx, v)
	}
	return v, nil
}

func (f *fakeStore) GetOpinionVersion(ctx context.Context, id string) (store.OpinionVersion, error) {
	if f.GetOpinionVersionFn != nil {
		return f.GetOpinionVersionFn(ctx, id)
	}
	return store.OpinionVersion{}, sql.ErrNoRows
}

func (f *fakeStore) GetLatestOpinionVersion(ctx context.Context, id string) (store.OpinionVersion, error) {
	if f.GetLatestOpinionVersionFn != nil {
		return f.GetLatestOpinionVersionFn(ctx, id)
	}
	return store.OpinionVersion{}, sql.ErrNoRows
}

func (f *fakeStore) ListOpinionVersions(ctx context.Context, id string) ([]store.OpinionVersion, error) {
	if f.ListOpinionVersionsFn != nil {
		return f.ListOpinionVersionsFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) UpdateVersionContent(ctx context.Context, v store.OpinionVersion) error {
	if f.UpdateVersionContentFn != nil {
		return f.UpdateVersionContentFn(ctx, v)
	}
	return nil
}

func (f *fakeStore) UpdateVersionStatus(ctx context.Context, id, status string) error {
	if f.UpdateVersionStatusFn != nil {
		return f.UpdateVersionStatusFn(ctx, id, status)
	}
	return nil
}

func (f *fakeStore) SignOpinionVersionTx(ctx context.Context, sig store.DigitalSignature) (store.OpinionVersion, store.Request, error) {
	if f.SignOpinionVersionTxFn != nil {
		return f.SignOpinionVersionTxFn(ctx, sig)
	}
	return store.OpinionVersion{}, store.Request{}, sql.ErrNoRows
}

func (f *fakeStore) PublishSignedVersionTx(ctx context.Context, id, actorID string) (store.OpinionVersion, store.Request, error) {
	if f.PublishSignedVersionTxFn != nil {
		return f.PublishSignedVersionTxFn(ctx, id, actorID)
	}
	return store.OpinionVersion{}, store.Request{}, sql.ErrNoRows
}

func (f *fakeStore) GetSignature(ctx context.Context, id string) (store.DigitalSignature, error) {
	if f.GetSignatureFn != nil {
		return f.GetSignatureFn(ctx, id)
	}
	return store.DigitalSignature{}, sql.ErrNoRows
}

func (f *fakeStore) InsertPeerReview(ctx context.Context, r store.PeerReview) error {
	if f.InsertPeerReviewFn != nil {
		return f.InsertPeerReviewFn(ctx, r)
	}
	return nil
}

func (f *fakeStore) GetPeerReview(ctx context.Context, id string) (store.PeerReview, error) {
	if f.GetPeerReviewFn != nil {
		return f.GetPeerReviewFn(ctx, id)
	}
	return store.PeerReview{}, sql.ErrNoRows
}

func (f *fakeStore) CompletePeerReview(ctx context.Context, id, status, comments string) error {
	if f.CompletePeerReviewFn != nil {
		return f.CompletePeerReviewFn(ctx, id, status, comments)
	}
	return nil
}

func (f *fakeStore) ListPeerReviews(ctx context.Context, id string) ([]store.PeerReview, error) {
	if f.ListPeerReviewsFn != nil {
		return f.ListPeerReviewsFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) RequestDocumentsTx(ctx context.Context, requestID, actorID string, docs []store.DocumentRequest) (store.Request, error) {
	if f.RequestDocumentsTxFn != nil {
		return f.RequestDocumentsTxFn(ctx, requestID, actorID, docs)
	}
	return store.Request{}, sql.ErrNoRows
}

func (f *fakeStore) SubmitDocumentTx(ctx context.Context, id, objectKey, fileName, submittedBy string) (store.DocumentRequest, store.Request, bool, error) {
	if f.SubmitDocumentTxFn != nil {
		return f.SubmitDocumentTxFn(ctx, id, objectKey, fileName, submittedBy)
	}
	return store.DocumentRequest{}, store.Request{}, false, sql.ErrNoRows
}

func (f *fakeStore) ListDocumentRequests(ctx context.Context, requestID string) ([]store.DocumentRequest, error) {
	if f.ListDocumentRequestsFn != nil {
		return f.ListDocumentRequestsFn(ctx, requestID)
	}
	return nil, nil
}

func (f *fakeStore) InsertOpinionClarification(ctx context.Context, c store.OpinionClarification) error {
	if f.InsertOpinionClarificationFn != nil {
		return f.InsertOpinionClarificationFn(ctx, c)
	}
	return nil
}

func (f *fakeStore) AnswerOpinionClarification(ctx context.Context, id, answer, answeredBy string) error {
	if f.AnswerOpinionClarificationFn != nil {
		return f.AnswerOpinionClarificationFn(ctx, id, answer, answeredBy)
	}
	return nil
}

func (f *fakeStore) GetOpinionClarification(ctx context.Context, id string) (store.OpinionClarification, error) {
	if f.GetOpinionClarificationFn != nil {
		return f.GetOpinionClarificationFn(ctx, id)
	}
	return store.OpinionClarification{}, sql.ErrNoRows
}

func (f *fakeStore) ListOpinionClarifications(ctx context.Context, requestID string) ([]store.OpinionClarification, error) {
	if f.ListOpinionClarificationsFn != nil {
		return f.ListOpinionClarificationsFn(ctx, requestID)
	}
	return nil, nil
}

func (f *fakeStore) CountOpenOpinionClarifications(ctx context.Context, requestID string) (int, error) {
	if f.CountOpenOpinionClarificationsFn != nil {
		return f.CountOpenOpinionClarificationsFn(ctx, requestID)
	}
	return 0, nil
}

func (f *fakeStore) CloseRequestTx(ctx context.Context, c store.RequestClosure) (store.RequestClosure, store.Request, bool, error) {
	if f.CloseRequestTxFn != nil {
		return f.CloseRequestTxFn(ctx, c)
	}
	return store.RequestClosure{}, store.Request{}, false, sql.ErrNoRows
}

func (f *fakeStore) RecordOpinionViewTx(ctx context.Context, requestID, versionID, viewerID string) (store.Request, bool, error) {
	if f.RecordOpinionViewTxFn != nil {
		return f.RecordOpinionViewTxFn(ctx, requestID, versionID, viewerID)
	}
	return store.Request{}, false, sql.ErrNoRows
}

func (f *fakeStore) ListOpinionAccess(ctx context.Context, id string) ([]store.OpinionAccess, error) {
	if f.ListOpinionAccessFn != nil {
		return f.ListOpinionAccessFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) InsertOpinionExport(ctx context.Context, e store.OpinionExport) error {
	if f.InsertOpinionExportFn != nil {
		return f.InsertOpinionExportFn(ctx, e)
	}
	return nil
}

func (f *fakeStore) ListOpinionExports(ctx context.Context, id string) ([]store.OpinionExport, error) {
	if f.ListOpinionExportsFn != nil {
		return f.ListOpinionExportsFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) InsertAuditLog(ctx context.Context, entry store.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeStore) ListAuditLogs(ctx context.Context, requestID string) ([]store.AuditLog, error) {
	if f.ListAuditLogsFn != nil {
		return f.ListAuditLogsFn(ctx, requestID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AuditLog, len(f.audits))
	copy(out, f.audits)
	return out, nil
}

func (f *fakeStore) InsertNotification(ctx context.Context, n store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) ListNotifications(ctx context.Context, userID string, limit int) ([]store.Notification, error) {
	if f.ListNotificationsFn != nil {
		return f.ListNotificationsFn(ctx, userID, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Notification, 0)
	for _, n := range f.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkNotificationRead(ctx context.Context, id, userID string) error {
	if f.MarkNotificationReadFn != nil {
		return f.MarkNotificationReadFn(ctx, id, userID)
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) notificationsFor(userID string) []store.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Notification, 0)
	for _, n := range f.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeStore) auditTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.audits))
	for _, a := range f.audits {
		types = append(types, a.EventType)
	}
	return types
}

// fakeSessions keeps refresh sessions in a map.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]store.User{}}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

// fakeDrafts keeps autosave buffers in a map.
type fakeDrafts struct {
	mu      sync.Mutex
	buffers map[string]draft.Autosave
}

func newFakeDrafts() *fakeDrafts {
	return &fakeDrafts{buffers: map[string]draft.Autosave{}}
}

func (f *fakeDrafts) key(submissionID, lawyerID string) string {
	return submissionID + ":" + lawyerID
}

func (f *fakeDrafts) Save(ctx context.Context, a draft.Autosave) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.SavedAt = time.Now()
	f.buffers[f.key(a.SubmissionID, a.LawyerID)] = a
	return nil
}

func (f *fakeDrafts) Get(ctx context.Context, submissionID, lawyerID string) (draft.Autosave, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.buffers[f.key(submissionID, lawyerID)]
	if !ok {
		return draft.Autosave{}, draft.ErrNotFound
	}
	return a, nil
}

func (f *fakeDrafts) Discard(ctx context.Context, submissionID, lawyerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buffers, f.key(submissionID, lawyerID))
	return nil
}

// fakeArchive records commits and tags without touching disk.
type fakeArchive struct {
	mu      sync.Mutex
	commits map[string][]opinionrepo.CommitInfo
	byHash  map[string]opinionrepo.Content
	tags    map[string]string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		commits: map[string][]opinionrepo.CommitInfo{},
		byHash:  map[string]opinionrepo.Content{},
		tags:    map[string]string{},
	}
}

func (f *fakeArchive) EnsureRequestRepo(requestID, author string) error { return nil }

func (f *fakeArchive) CommitVersion(requestID string, content opinionrepo.Content, author string) (opinionrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := opinionrepo.CommitInfo{
		Hash:      fmt.Sprintf("commit-%s-%d", requestID, len(f.commits[requestID])+1),
		Message:   "Opinion version " + strconv.Itoa(content.VersionNumber),
		Author:    author,
		CreatedAt: time.Now(),
	}
	f.commits[requestID] = append(f.commits[requestID], info)
	f.byHash[info.Hash] = content
	return info, nil
}

func (f *fakeArchive) GetContentByHash(requestID, hash string) (opinionrepo.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.byHash[hash]
	if !ok {
		return opinionrepo.Content{}, fmt.Errorf("unknown commit %s", hash)
	}
	return content, nil
}

func (f *fakeArchive) History(requestID string, limit int) ([]opinionrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commits := f.commits[requestID]
	out := make([]opinionrepo.CommitInfo, len(commits))
	copy(out, commits)
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (f *fakeArchive) TagSigned(requestID, hash string, versionNumber int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tag := opinionrepo.SignedTagName(versionNumber)
	f.tags[requestID+":"+tag] = hash
	return tag, nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	}
}

func newTestService(st *fakeStore) (*Service, *fakeSessions, *fakeDrafts, *fakeArchive) {
	sessions := newFakeSessions()
	drafts := newFakeDrafts()
	archive := newFakeArchive()
	svc := New(testConfig(), Deps{
		Store:    st,
		Sessions: sessions,
		Drafts:   drafts,
		Opinions: archive,
	})
	return svc, sessions, drafts, archive
}

func strPtr(s string) *string { return &s }

func TestIssueSessionAndRefresh(t *testing.T) {
	svc, sessions, _, _ := newTestService(&fakeStore{})
	user := store.User{ID: "usr_1", DisplayName: "Dana", Role: "lawyer", OrgRef: "firm-a"}

	sess, err := svc.IssueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if len(sessions.sessions) != 1 {
		t.Fatalf("expected one stored refresh session, got %d", len(sessions.sessions))
	}

	parsed, err := svc.SessionFromToken(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if parsed.UserID != "usr_1" || parsed.Role != "lawyer" || parsed.OrgRef != "firm-a" {
		t.Fatalf("claims mismatch: %+v", parsed)
	}

	rotated, err := svc.Refresh(context.Background(), sess.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == sess.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if _, err := svc.Refresh(context.Background(), sess.RefreshToken); err == nil {
		t.Fatal("old refresh token should be revoked after rotation")
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeStore{})
	sess, err := svc.IssueSession(context.Background(), store.User{ID: "usr_1", DisplayName: "Dana", Role: "client"})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if err := svc.Logout(context.Background(), sess.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), sess.RefreshToken); err == nil {
		t.Fatal("refresh should fail after logout")
	}
}

func TestCanViewRequest(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeStore{})
	request := store.Request{
		ID:               "req_1",
		ClientID:         "client_1",
		BankRef:          "bank-a",
		FirmRef:          "firm-a",
		AssignedLawyerID: strPtr("lawyer_1"),
		Visibility:       "private",
		Status:           "assigned",
	}

	cases := []struct {
		name string
		sess Session
		want bool
	}{
		{"owner client", Session{UserID: "client_1", Role: "client"}, true},
		{"other client", Session{UserID: "client_2", Role: "client"}, false},
		{"assigned lawyer", Session{UserID: "lawyer_1", Role: "lawyer"}, true},
		{"other lawyer private", Session{UserID: "lawyer_2", Role: "lawyer"}, false},
		{"bank admin same org", Session{UserID: "ba", Role: "bank_admin", OrgRef: "bank-a"}, true},
		{"bank admin other org", Session{UserID: "ba", Role: "bank_admin", OrgRef: "bank-b"}, false},
		{"firm admin same org", Session{UserID: "fa", Role: "firm_admin", OrgRef: "firm-a"}, true},
		{"admin", Session{UserID: "root", Role: "admin"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := svc.canViewRequest(tc.sess, request); got != tc.want {
				t.Fatalf("canViewRequest = %v, want %v", got, tc.want)
			}
		})
	}

	open := store.Request{ID: "req_2", ClientID: "client_1", Visibility: "public", Status: "marketplace_posted"}
	if !svc.canViewRequest(Session{UserID: "lawyer_9", Role: "lawyer"}, open) {
		t.Fatal("any lawyer should see an open public posting")
	}
}
