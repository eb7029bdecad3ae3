package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"counsel/api/internal/draft"
	"counsel/api/internal/export"
	"counsel/api/internal/opinionrepo"
	"counsel/api/internal/rbac"
	"counsel/api/internal/store"
	"counsel/api/internal/util"
)

// SectionsInput is the full five-section opinion document as the editor
// submits it.
type SectionsInput struct {
	Facts      string `json:"facts"`
	Issues     string `json:"issues"`
	Analysis   string `json:"analysis"`
	Conclusion string `json:"conclusion"`
	References string `json:"references"`
}

type ChecklistInput struct {
	DocumentsReviewed      bool `json:"documentsReviewed"`
	ClarificationsResolved bool `json:"clarificationsResolved"`
	ResearchCompleted      bool `json:"researchCompleted"`
	CitationsVerified      bool `json:"citationsVerified"`
	OpinionProofread       bool `json:"opinionProofread"`
}

type PeerReviewRequestInput struct {
	ReviewerID string `json:"reviewerId"`
}

type PeerReviewDecisionInput struct {
	Approve  bool   `json:"approve"`
	Comments string `json:"comments"`
}

// StartDrafting opens (or returns) the lawyer's opinion workspace on a
// request and initializes the content archive. The first call moves the
// request into drafting.
func (s *Service) StartDrafting(ctx context.Context, sess Session, requestID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !rbac.IsLawyerRole(rbac.Normalize(sess.Role)) || !s.isAssignedLawyer(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the engaged lawyer drafts the opinion", nil)
	}
	if !request.AcceptedByLawyer && request.ClaimedAt == nil {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Accept the engagement before drafting", nil)
	}
	if request.ClosedAt != nil || request.CancelledAt != nil {
		return nil, store.ErrRequestClosed
	}

	sub, err := s.store.EnsureOpinionSubmission(ctx, util.NewID("sub"), requestID, sess.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.opinions.EnsureRequestRepo(requestID, sess.UserName); err != nil {
		return nil, err
	}
	updated, started, err := s.store.BeginDraftingTx(ctx, requestID, sess.UserID)
	if err != nil {
		return nil, err
	}
	if started {
		s.audit(ctx, requestID, "opinion.drafting_started", sess, map[string]any{"submissionId": sub.ID})
	}

	view := submissionView(sub)
	view["request"] = s.requestView(updated)
	return view, nil
}

// OpinionWorkspace is the lawyer's drafting view: the submission, every
// version, and whether the sign-off checklist is complete.
func (s *Service) OpinionWorkspace(ctx context.Context, sess Session, requestID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetOpinionSubmissionForRequest(ctx, requestID, sess.UserID)
	if err != nil {
		return nil, err
	}
	if sub.LawyerID != sess.UserID && rbac.Normalize(sess.Role) != rbac.RoleAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	versions, err := s.store.ListOpinionVersions(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	versionViews := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		versionViews = append(versionViews, versionView(v))
	}

	view := submissionView(sub)
	view["versions"] = versionViews
	view["readyToSign"] = len(checklistMissing(sub)) == 0
	view["request"] = s.requestView(request)
	return view, nil
}

// SaveAutosave overwrites the transient working copy. Nothing is versioned
// until the lawyer cuts a version from the buffer.
func (s *Service) SaveAutosave(ctx context.Context, sess Session, submissionID string, input SectionsInput) (map[string]any, error) {
	if _, err := s.ownedSubmission(ctx, sess, submissionID); err != nil {
		return nil, err
	}
	a := draft.Autosave{
		SubmissionID: submissionID,
		LawyerID:     sess.UserID,
		Facts:        input.Facts,
		Issues:       input.Issues,
		Analysis:     input.Analysis,
		Conclusion:   input.Conclusion,
		References:   input.References,
	}
	if err := s.drafts.Save(ctx, a); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}

func (s *Service) GetAutosave(ctx context.Context, sess Session, submissionID string) (map[string]any, error) {
	if _, err := s.ownedSubmission(ctx, sess, submissionID); err != nil {
		return nil, err
	}
	a, err := s.drafts.Get(ctx, submissionID, sess.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"submissionId": a.SubmissionID,
		"facts":        a.Facts,
		"issues":       a.Issues,
		"analysis":     a.Analysis,
		"conclusion":   a.Conclusion,
		"references":   a.References,
		"savedAt":      a.SavedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) DiscardAutosave(ctx context.Context, sess Session, submissionID string) error {
	if _, err := s.ownedSubmission(ctx, sess, submissionID); err != nil {
		return err
	}
	return s.drafts.Discard(ctx, submissionID, sess.UserID)
}

// SaveVersion cuts version N+1. Sections left blank inherit from the latest
// version, so a new version always starts from the full document. A signed
// (locked) latest version stays untouched; drafting simply continues on the
// next number. The archive commit happens first; a version insert that then
// fails leaves an orphan commit, which the append-only archive tolerates.
func (s *Service) SaveVersion(ctx context.Context, sess Session, submissionID string, input SectionsInput) (map[string]any, error) {
	sub, err := s.ownedSubmission(ctx, sess, submissionID)
	if err != nil {
		return nil, err
	}
	request, err := s.store.GetRequest(ctx, sub.RequestID)
	if err != nil {
		return nil, err
	}
	if request.ClosedAt != nil || request.CancelledAt != nil {
		return nil, store.ErrRequestClosed
	}

	next := 1
	var latest store.OpinionVersion
	latest, err = s.store.GetLatestOpinionVersion(ctx, submissionID)
	switch {
	case err == nil:
		next = latest.VersionNumber + 1
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, err
	}

	content := opinionrepo.Content{
		VersionNumber: next,
		Facts:         firstNonBlank(input.Facts, latest.Facts),
		Issues:        firstNonBlank(input.Issues, latest.Issues),
		Analysis:      firstNonBlank(input.Analysis, latest.Analysis),
		Conclusion:    firstNonBlank(input.Conclusion, latest.Conclusion),
		References:    firstNonBlank(input.References, latest.References),
	}
	hash := opinionrepo.ContentHash(content)
	commit, err := s.opinions.CommitVersion(request.ID, content, sess.UserName)
	if err != nil {
		return nil, err
	}

	v, err := s.store.CreateOpinionVersionTx(ctx, store.OpinionVersion{
		ID:           util.NewID("ver"),
		SubmissionID: submissionID,
		Facts:        content.Facts,
		Issues:       content.Issues,
		Analysis:     content.Analysis,
		Conclusion:   content.Conclusion,
		References:   content.References,
		ContentHash:  hash,
		CommitHash:   commit.Hash,
		CreatedBy:    sess.UserID,
	})
	if err != nil {
		return nil, err
	}

	_ = s.drafts.Discard(ctx, submissionID, sess.UserID)
	s.audit(ctx, request.ID, "opinion.version_created", sess, map[string]any{
		"versionNumber": v.VersionNumber,
		"contentHash":   hash,
	})
	return versionView(v), nil
}

// UpdateVersion rewrites an unlocked version in place. The replacement is
// committed to the archive before the row changes, so the archive always
// holds every state the editor saved.
func (s *Service) UpdateVersion(ctx context.Context, sess Session, versionID string, input SectionsInput) (map[string]any, error) {
	v, sub, request, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if sub.LawyerID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if v.IsLocked {
		return nil, store.ErrVersionLocked
	}

	content := opinionrepo.Content{
		VersionNumber: v.VersionNumber,
		Facts:         input.Facts,
		Issues:        input.Issues,
		Analysis:      input.Analysis,
		Conclusion:    input.Conclusion,
		References:    input.References,
	}
	hash := opinionrepo.ContentHash(content)
	commit, err := s.opinions.CommitVersion(request.ID, content, sess.UserName)
	if err != nil {
		return nil, err
	}

	v.Facts = content.Facts
	v.Issues = content.Issues
	v.Analysis = content.Analysis
	v.Conclusion = content.Conclusion
	v.References = content.References
	v.ContentHash = hash
	v.CommitHash = commit.Hash
	if err := s.store.UpdateVersionContent(ctx, v); err != nil {
		return nil, err
	}

	s.audit(ctx, request.ID, "opinion.version_updated", sess, map[string]any{
		"versionNumber": v.VersionNumber,
		"contentHash":   hash,
	})
	return versionView(v), nil
}

// RequestPeerReview asks another lawyer to review a version before signing.
func (s *Service) RequestPeerReview(ctx context.Context, sess Session, versionID string, input PeerReviewRequestInput) (map[string]any, error) {
	v, sub, request, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if sub.LawyerID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author requests review", nil)
	}
	if v.IsLocked {
		return nil, store.ErrVersionLocked
	}
	if input.ReviewerID == "" || input.ReviewerID == sess.UserID {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Pick another lawyer as reviewer", nil)
	}
	reviewer, err := s.store.GetUserByID(ctx, input.ReviewerID)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Reviewer not found", nil)
	}
	if !rbac.Can(rbac.Normalize(reviewer.Role), rbac.ActionReview) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Reviewer cannot review opinions", nil)
	}

	review := store.PeerReview{
		ID:          util.NewID("rev"),
		VersionID:   versionID,
		RequestedBy: sess.UserID,
		ReviewerID:  reviewer.ID,
	}
	if err := s.store.InsertPeerReview(ctx, review); err != nil {
		return nil, err
	}
	if err := s.store.UpdateVersionStatus(ctx, versionID, "peer_review"); err != nil {
		return nil, err
	}
	if err := s.store.SetRequestOpinionState(ctx, request.ID, "peer_review"); err != nil {
		return nil, err
	}

	s.audit(ctx, request.ID, "opinion.review_requested", sess, map[string]any{
		"reviewId":   review.ID,
		"reviewerId": reviewer.ID,
	})
	s.notify(ctx, reviewer.ID, request.ID, request.Number, "peer_review",
		"Peer review requested",
		sess.UserName+" asked you to review the draft opinion on "+request.Number+".")
	review.Status = "pending"
	return peerReviewView(review), nil
}

// SubmitPeerReview records the reviewer's verdict. Approval readies the
// version for signature; requested changes send it back to draft.
func (s *Service) SubmitPeerReview(ctx context.Context, sess Session, reviewID string, input PeerReviewDecisionInput) (map[string]any, error) {
	review, err := s.store.GetPeerReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if review.ReviewerID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the assigned reviewer responds", nil)
	}
	comments := strings.TrimSpace(input.Comments)
	if !input.Approve && comments == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Requesting changes needs comments", nil)
	}

	verdict := "approved"
	versionStatus := "approved"
	opinionState := "approved"
	if !input.Approve {
		verdict = "changes_requested"
		versionStatus = "draft"
		opinionState = "draft"
	}
	if err := s.store.CompletePeerReview(ctx, reviewID, verdict, comments); err != nil {
		return nil, err
	}

	v, err := s.store.GetOpinionVersion(ctx, review.VersionID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetOpinionSubmission(ctx, v.SubmissionID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateVersionStatus(ctx, v.ID, versionStatus); err != nil {
		return nil, err
	}
	if err := s.store.SetRequestOpinionState(ctx, sub.RequestID, opinionState); err != nil {
		return nil, err
	}

	s.audit(ctx, sub.RequestID, "opinion.review_completed", sess, map[string]any{
		"reviewId": reviewID,
		"verdict":  verdict,
	})
	request, err := s.store.GetRequest(ctx, sub.RequestID)
	if err == nil {
		title := "Peer review approved"
		body := sess.UserName + " approved version " + strconv.Itoa(v.VersionNumber) + " on " + request.Number + "."
		if !input.Approve {
			title = "Peer review requested changes"
			body = sess.UserName + " requested changes on version " + strconv.Itoa(v.VersionNumber) + ": " + comments
		}
		s.notify(ctx, review.RequestedBy, request.ID, request.Number, "peer_review", title, body)
	}

	updated, err := s.store.GetPeerReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	return peerReviewView(updated), nil
}

func (s *Service) ListPeerReviews(ctx context.Context, sess Session, versionID string) ([]map[string]any, error) {
	_, sub, _, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if sub.LawyerID != sess.UserID && rbac.Normalize(sess.Role) != rbac.RoleAdmin {
		reviews, err := s.store.ListPeerReviews(ctx, versionID)
		if err != nil {
			return nil, err
		}
		mine := make([]map[string]any, 0)
		for _, r := range reviews {
			if r.ReviewerID == sess.UserID {
				mine = append(mine, peerReviewView(r))
			}
		}
		return mine, nil
	}
	reviews, err := s.store.ListPeerReviews(ctx, versionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reviews))
	for _, r := range reviews {
		items = append(items, peerReviewView(r))
	}
	return items, nil
}

// UpdateChecklist saves the sign-off checklist. Signing re-validates the
// stored booleans, so the checklist can be toggled freely until then.
func (s *Service) UpdateChecklist(ctx context.Context, sess Session, submissionID string, input ChecklistInput) (map[string]any, error) {
	sub, err := s.ownedSubmission(ctx, sess, submissionID)
	if err != nil {
		return nil, err
	}
	sub.DocumentsReviewed = input.DocumentsReviewed
	sub.ClarificationsResolved = input.ClarificationsResolved
	sub.ResearchCompleted = input.ResearchCompleted
	sub.CitationsVerified = input.CitationsVerified
	sub.OpinionProofread = input.OpinionProofread
	if err := s.store.UpdateSubmissionChecklist(ctx, submissionID, sub); err != nil {
		return nil, err
	}

	view := submissionView(sub)
	view["readyToSign"] = len(checklistMissing(sub)) == 0
	return view, nil
}

// SignVersion locks a version forever. It re-validates the five sections and
// the stored checklist server-side, tags the archived commit, and records the
// signature in one transaction with the lock.
func (s *Service) SignVersion(ctx context.Context, sess Session, versionID string) (map[string]any, error) {
	v, sub, request, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if sub.LawyerID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author signs", nil)
	}
	if v.IsLocked {
		return nil, store.ErrVersionLocked
	}
	if missing := missingSections(v); len(missing) > 0 {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Opinion is incomplete",
			map[string]any{"missingSections": missing})
	}
	if missing := checklistMissing(sub); len(missing) > 0 {
		return nil, domainError(http.StatusConflict, "CHECKLIST_INCOMPLETE", "Complete the sign-off checklist first",
			map[string]any{"missing": missing})
	}

	tagName := ""
	if v.CommitHash != "" {
		tagName, err = s.opinions.TagSigned(request.ID, v.CommitHash, v.VersionNumber)
		if err != nil {
			return nil, err
		}
	}

	sig := store.DigitalSignature{
		ID:          util.NewID("sig"),
		VersionID:   versionID,
		SignedBy:    sess.UserID,
		SignerName:  sess.UserName,
		ContentHash: v.ContentHash,
		TagName:     tagName,
	}
	signed, updated, err := s.store.SignOpinionVersionTx(ctx, sig)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, request.ID, "opinion.signed", sess, map[string]any{
		"versionNumber": signed.VersionNumber,
		"contentHash":   signed.ContentHash,
		"tag":           tagName,
	})

	view := versionView(signed)
	view["request"] = s.requestView(updated)
	return view, nil
}

// PublishOpinion releases a signed version to the client and moves the
// request to opinion_ready.
func (s *Service) PublishOpinion(ctx context.Context, sess Session, versionID string) (map[string]any, error) {
	_, sub, request, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if sub.LawyerID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author publishes", nil)
	}

	published, updated, err := s.store.PublishSignedVersionTx(ctx, versionID, sess.UserID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, request.ID, "opinion.published", sess, map[string]any{"versionNumber": published.VersionNumber})
	s.notify(ctx, updated.ClientID, request.ID, updated.Number, "opinion",
		"Your legal opinion is ready",
		"The signed opinion on "+updated.Number+" has been released to you.")

	view := versionView(published)
	view["request"] = s.requestView(updated)
	return view, nil
}

// OpinionHistory lists the archive commits for a request, newest first.
func (s *Service) OpinionHistory(ctx context.Context, sess Session, requestID string) ([]map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.isAssignedLawyer(sess, request) && rbac.Normalize(sess.Role) != rbac.RoleAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	commits, err := s.opinions.History(requestID, 100)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		items = append(items, map[string]any{
			"hash":      c.Hash,
			"message":   c.Message,
			"author":    c.Author,
			"createdAt": c.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

// ClientOpinion returns the client-visible opinion with its signature.
// Drafts stay hidden; a signed version is visible even before publication.
func (s *Service) ClientOpinion(ctx context.Context, sess Session, requestID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	v, err := s.publishedVersion(ctx, request)
	if err != nil {
		return nil, err
	}
	view := versionView(v)
	if sig, err := s.store.GetSignature(ctx, v.ID); err == nil {
		view["signature"] = signatureView(sig)
	}
	return view, nil
}

// RecordOpinionView logs the client opening the opinion; the first view
// stamps delivery.
func (s *Service) RecordOpinionView(ctx context.Context, sess Session, requestID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.ClientID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the client records delivery", nil)
	}

	v, err := s.publishedVersion(ctx, request)
	if err != nil {
		return nil, err
	}
	updated, firstView, err := s.store.RecordOpinionViewTx(ctx, requestID, v.ID, sess.UserID)
	if err != nil {
		return nil, err
	}

	if firstView {
		s.audit(ctx, requestID, "opinion.delivered", sess, map[string]any{"versionNumber": v.VersionNumber})
		if updated.AssignedLawyerID != nil {
			s.notify(ctx, *updated.AssignedLawyerID, requestID, updated.Number, "opinion",
				"Opinion delivered",
				"The client opened the opinion on "+updated.Number+".")
		}
	}

	view := s.requestView(updated)
	view["firstView"] = firstView
	return view, nil
}

// OpinionAccessLog shows the lawyer who viewed a version and when.
func (s *Service) OpinionAccessLog(ctx context.Context, sess Session, versionID string) ([]map[string]any, error) {
	_, sub, _, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if sub.LawyerID != sess.UserID && rbac.Normalize(sess.Role) != rbac.RoleAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	access, err := s.store.ListOpinionAccess(ctx, versionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(access))
	for _, a := range access {
		items = append(items, map[string]any{
			"versionId": a.VersionID,
			"viewedBy":  a.ViewedBy,
			"viewedAt":  a.ViewedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

// ExportOpinion renders a version as PDF or DOCX. The artifact is archived in
// object storage when configured, and every export is recorded.
func (s *Service) ExportOpinion(ctx context.Context, sess Session, versionID, format string) (*export.Result, error) {
	f := export.Format(strings.ToLower(strings.TrimSpace(format)))
	if f != export.FormatPDF && f != export.FormatDOCX {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Format must be pdf or docx", nil)
	}
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Export is not configured", nil)
	}

	v, sub, request, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if sub.LawyerID != sess.UserID {
		if !s.canViewRequest(sess, request) {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		if v.Status != "signed" && v.Status != "published" {
			return nil, domainError(http.StatusConflict, "INVALID_STATE", "Opinion is not signed yet", nil)
		}
	}

	op := export.Opinion{
		RequestNumber: request.Number,
		Title:         request.Title,
		VersionNumber: v.VersionNumber,
		Facts:         v.Facts,
		Issues:        v.Issues,
		Analysis:      v.Analysis,
		Conclusion:    v.Conclusion,
		References:    v.References,
		ContentHash:   v.ContentHash,
	}
	if lawyer, err := s.store.GetUserByID(ctx, sub.LawyerID); err == nil {
		op.LawyerName = lawyer.DisplayName
	}
	if sig, err := s.store.GetSignature(ctx, versionID); err == nil {
		op.SignerName = sig.SignerName
		signedAt := sig.SignedAt
		op.SignedAt = &signedAt
	}

	result, err := s.export.Export(op, f)
	if err != nil {
		return nil, err
	}

	objectKey := ""
	if s.blobs.Enabled() {
		key := "exports/" + request.ID + "/" + v.ID + "/" + result.Filename
		if _, err := s.blobs.Put(ctx, key, result.MimeType, result.Data); err == nil {
			objectKey = key
		}
	}
	if err := s.store.InsertOpinionExport(ctx, store.OpinionExport{
		ID:        util.NewID("exp"),
		VersionID: versionID,
		Format:    string(f),
		ObjectKey: objectKey,
		CreatedBy: sess.UserID,
	}); err != nil {
		return nil, err
	}

	s.audit(ctx, request.ID, "opinion.exported", sess, map[string]any{
		"versionNumber": v.VersionNumber,
		"format":        string(f),
	})
	return result, nil
}

func (s *Service) ListOpinionExportsView(ctx context.Context, sess Session, versionID string) ([]map[string]any, error) {
	_, sub, request, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if sub.LawyerID != sess.UserID && !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	exports, err := s.store.ListOpinionExports(ctx, versionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(exports))
	for _, e := range exports {
		items = append(items, map[string]any{
			"id":        e.ID,
			"versionId": e.VersionID,
			"format":    e.Format,
			"objectKey": e.ObjectKey,
			"createdBy": e.CreatedBy,
			"createdAt": e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

// ---- helpers ----

func (s *Service) ownedSubmission(ctx context.Context, sess Session, submissionID string) (store.OpinionSubmission, error) {
	sub, err := s.store.GetOpinionSubmission(ctx, submissionID)
	if err != nil {
		return store.OpinionSubmission{}, err
	}
	if sub.LawyerID != sess.UserID {
		return store.OpinionSubmission{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return sub, nil
}

func (s *Service) loadVersion(ctx context.Context, versionID string) (store.OpinionVersion, store.OpinionSubmission, store.Request, error) {
	v, err := s.store.GetOpinionVersion(ctx, versionID)
	if err != nil {
		return store.OpinionVersion{}, store.OpinionSubmission{}, store.Request{}, err
	}
	sub, err := s.store.GetOpinionSubmission(ctx, v.SubmissionID)
	if err != nil {
		return store.OpinionVersion{}, store.OpinionSubmission{}, store.Request{}, err
	}
	request, err := s.store.GetRequest(ctx, sub.RequestID)
	if err != nil {
		return store.OpinionVersion{}, store.OpinionSubmission{}, store.Request{}, err
	}
	return v, sub, request, nil
}

// publishedVersion resolves the client-visible opinion on a request: the
// newest version that is signed or published. Drafting a new version after a
// signature does not hide the signed one.
func (s *Service) publishedVersion(ctx context.Context, request store.Request) (store.OpinionVersion, error) {
	if request.AssignedLawyerID == nil {
		return store.OpinionVersion{}, domainError(http.StatusNotFound, "NOT_FOUND", "No opinion on this request", nil)
	}
	sub, err := s.store.GetOpinionSubmissionForRequest(ctx, request.ID, *request.AssignedLawyerID)
	if err != nil {
		return store.OpinionVersion{}, err
	}
	versions, err := s.store.ListOpinionVersions(ctx, sub.ID)
	if err != nil {
		return store.OpinionVersion{}, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == "signed" || versions[i].Status == "published" {
			return versions[i], nil
		}
	}
	return store.OpinionVersion{}, domainError(http.StatusNotFound, "NOT_FOUND", "Opinion is not signed yet", nil)
}

func missingSections(v store.OpinionVersion) []string {
	missing := make([]string, 0, 5)
	if strings.TrimSpace(v.Facts) == "" {
		missing = append(missing, "facts")
	}
	if strings.TrimSpace(v.Issues) == "" {
		missing = append(missing, "issues")
	}
	if strings.TrimSpace(v.Analysis) == "" {
		missing = append(missing, "analysis")
	}
	if strings.TrimSpace(v.Conclusion) == "" {
		missing = append(missing, "conclusion")
	}
	if strings.TrimSpace(v.References) == "" {
		missing = append(missing, "references")
	}
	return missing
}

func checklistMissing(sub store.OpinionSubmission) []string {
	missing := make([]string, 0, 5)
	if !sub.DocumentsReviewed {
		missing = append(missing, "documentsReviewed")
	}
	if !sub.ClarificationsResolved {
		missing = append(missing, "clarificationsResolved")
	}
	if !sub.ResearchCompleted {
		missing = append(missing, "researchCompleted")
	}
	if !sub.CitationsVerified {
		missing = append(missing, "citationsVerified")
	}
	if !sub.OpinionProofread {
		missing = append(missing, "opinionProofread")
	}
	return missing
}

func submissionView(sub store.OpinionSubmission) map[string]any {
	view := map[string]any{
		"id":        sub.ID,
		"requestId": sub.RequestID,
		"lawyerId":  sub.LawyerID,
		"status":    sub.Status,
		"checklist": map[string]bool{
			"documentsReviewed":      sub.DocumentsReviewed,
			"clarificationsResolved": sub.ClarificationsResolved,
			"researchCompleted":      sub.ResearchCompleted,
			"citationsVerified":      sub.CitationsVerified,
			"opinionProofread":       sub.OpinionProofread,
		},
		"createdAt": sub.CreatedAt.UTC().Format(time.RFC3339),
	}
	if sub.FinalVersion != nil {
		view["finalVersion"] = *sub.FinalVersion
	}
	return view
}

func versionView(v store.OpinionVersion) map[string]any {
	return map[string]any{
		"id":            v.ID,
		"submissionId":  v.SubmissionID,
		"versionNumber": v.VersionNumber,
		"facts":         v.Facts,
		"issues":        v.Issues,
		"analysis":      v.Analysis,
		"conclusion":    v.Conclusion,
		"references":    v.References,
		"status":        v.Status,
		"isLocked":      v.IsLocked,
		"contentHash":   v.ContentHash,
		"commitHash":    v.CommitHash,
		"createdBy":     v.CreatedBy,
		"createdAt":     v.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func signatureView(sig store.DigitalSignature) map[string]any {
	return map[string]any{
		"id":          sig.ID,
		"versionId":   sig.VersionID,
		"signedBy":    sig.SignedBy,
		"signerName":  sig.SignerName,
		"contentHash": sig.ContentHash,
		"tagName":     sig.TagName,
		"signedAt":    sig.SignedAt.UTC().Format(time.RFC3339),
	}
}

func peerReviewView(r store.PeerReview) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"versionId":   r.VersionID,
		"requestedBy": r.RequestedBy,
		"reviewerId":  r.ReviewerID,
		"status":      r.Status,
		"comments":    r.Comments,
		"completedAt": nilIfZero(r.CompletedAt),
		"createdAt":   r.CreatedAt.UTC().Format(time.RFC3339),
	}
}
