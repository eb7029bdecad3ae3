package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"counsel/api/internal/rbac"
	"counsel/api/internal/store"
	"counsel/api/internal/util"
)

type DocumentRequestInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Mandatory   bool   `json:"mandatory"`
}

type RequestDocumentsInput struct {
	Documents []DocumentRequestInput `json:"documents"`
}

type OpinionClarificationInput struct {
	VersionID string `json:"versionId"`
	Section   string `json:"section"`
	Question  string `json:"question"`
}

type AnswerClarificationInput struct {
	Answer string `json:"answer"`
}

type CloseRequestInput struct {
	Reason             string `json:"reason"`
	SatisfactionRating *int   `json:"satisfactionRating"`
}

// RequestDocuments lets the engaged lawyer ask the client for files. The
// request parks in documents_pending until every mandatory document is in.
func (s *Service) RequestDocuments(ctx context.Context, sess Session, requestID string, input RequestDocumentsInput) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !rbac.IsLawyerRole(rbac.Normalize(sess.Role)) || !s.isAssignedLawyer(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the engaged lawyer requests documents", nil)
	}
	if !request.AcceptedByLawyer && request.ClaimedAt == nil {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Accept the engagement before requesting documents", nil)
	}
	if len(input.Documents) == 0 {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "At least one document is required", nil)
	}

	docs := make([]store.DocumentRequest, 0, len(input.Documents))
	for _, d := range input.Documents {
		title := strings.TrimSpace(d.Title)
		if title == "" {
			return nil, domainError(http.StatusBadRequest, "VALIDATION", "Every document needs a title", nil)
		}
		docs = append(docs, store.DocumentRequest{
			ID:          util.NewID("doc"),
			RequestID:   requestID,
			Title:       title,
			Description: strings.TrimSpace(d.Description),
			Mandatory:   d.Mandatory,
		})
	}

	updated, err := s.store.RequestDocumentsTx(ctx, requestID, sess.UserID, docs)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, requestID, "documents.requested", sess, map[string]any{"count": len(docs)})
	s.notify(ctx, updated.ClientID, requestID, updated.Number, "documents",
		"Documents requested",
		sess.UserName+" needs documents from you on "+updated.Number+".")

	items := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		d.Status = "pending"
		items = append(items, documentRequestView(d))
	}
	view := s.requestView(updated)
	view["documents"] = items
	return view, nil
}

// SubmitDocument attaches the client's upload to one document request. The
// file lands in object storage when configured; the metadata is recorded
// either way. Once the last mandatory document arrives the request moves back
// to review.
func (s *Service) SubmitDocument(ctx context.Context, sess Session, requestID, docRequestID, fileName, contentType string, data []byte) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.ClientID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the client submits documents", nil)
	}
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "File name is required", nil)
	}

	docs, err := s.store.ListDocumentRequests(ctx, requestID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, d := range docs {
		if d.ID == docRequestID {
			found = true
			break
		}
	}
	if !found {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Document request not found on this request", nil)
	}

	objectKey := ""
	if s.blobs.Enabled() && len(data) > 0 {
		key := "documents/" + requestID + "/" + docRequestID + "/" + fileName
		if _, err := s.blobs.Put(ctx, key, contentType, data); err != nil {
			return nil, err
		}
		objectKey = key
	}

	doc, updated, advanced, err := s.store.SubmitDocumentTx(ctx, docRequestID, objectKey, fileName, sess.UserID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, requestID, "document.submitted", sess, map[string]any{
		"documentRequestId": docRequestID,
		"fileName":          fileName,
		"advanced":          advanced,
	})
	if advanced && updated.AssignedLawyerID != nil {
		s.notify(ctx, *updated.AssignedLawyerID, requestID, updated.Number, "documents",
			"All required documents submitted",
			"Every mandatory document on "+updated.Number+" is in; the request is back in review.")
	}

	view := documentRequestView(doc)
	view["advanced"] = advanced
	view["request"] = s.requestView(updated)
	return view, nil
}

// DocumentDownloadURL hands out a short-lived link to a submitted file.
func (s *Service) DocumentDownloadURL(ctx context.Context, sess Session, requestID, docRequestID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	docs, err := s.store.ListDocumentRequests(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.ID != docRequestID {
			continue
		}
		if d.ObjectKey == "" {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No stored file for this document", nil)
		}
		url, err := s.blobs.PresignedURL(ctx, d.ObjectKey, 15*time.Minute)
		if err != nil {
			return nil, err
		}
		return map[string]any{"url": url, "fileName": d.FileName}, nil
	}
	return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Document request not found", nil)
}

// AskOpinionClarification lets the client question a published opinion. Open
// questions block closure.
func (s *Service) AskOpinionClarification(ctx context.Context, sess Session, requestID string, input OpinionClarificationInput) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.ClientID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the client questions the opinion", nil)
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Question is required", nil)
	}

	v, err := s.publishedVersion(ctx, request)
	if err != nil {
		return nil, err
	}
	versionID := v.ID
	if input.VersionID != "" {
		versionID = input.VersionID
	}

	c := store.OpinionClarification{
		ID:        util.NewID("ocl"),
		RequestID: requestID,
		VersionID: versionID,
		Section:   strings.TrimSpace(input.Section),
		AskedBy:   sess.UserID,
		Question:  question,
	}
	if err := s.store.InsertOpinionClarification(ctx, c); err != nil {
		return nil, err
	}

	s.audit(ctx, requestID, "opinion_clarification.asked", sess, map[string]any{"clarificationId": c.ID})
	if request.AssignedLawyerID != nil {
		s.notify(ctx, *request.AssignedLawyerID, requestID, request.Number, "opinion_clarification",
			"Question on your opinion",
			sess.UserName+" asked about the opinion on "+request.Number+": "+question)
	}

	c.Status = "open"
	return opinionClarificationView(c), nil
}

// AnswerOpinionClarification records the lawyer's answer to an open question.
func (s *Service) AnswerOpinionClarification(ctx context.Context, sess Session, clarificationID string, input AnswerClarificationInput) (map[string]any, error) {
	c, err := s.store.GetOpinionClarification(ctx, clarificationID)
	if err != nil {
		return nil, err
	}
	request, err := s.store.GetRequest(ctx, c.RequestID)
	if err != nil {
		return nil, err
	}
	if !rbac.IsLawyerRole(rbac.Normalize(sess.Role)) || !s.isAssignedLawyer(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the engaged lawyer answers", nil)
	}
	answer := strings.TrimSpace(input.Answer)
	if answer == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Answer is required", nil)
	}

	if err := s.store.AnswerOpinionClarification(ctx, clarificationID, answer, sess.UserID); err != nil {
		return nil, err
	}

	s.audit(ctx, request.ID, "opinion_clarification.answered", sess, map[string]any{"clarificationId": clarificationID})
	s.notify(ctx, request.ClientID, request.ID, request.Number, "opinion_clarification",
		"Your question was answered",
		sess.UserName+" answered your question on "+request.Number+".")

	answered, err := s.store.GetOpinionClarification(ctx, clarificationID)
	if err != nil {
		return nil, err
	}
	return opinionClarificationView(answered), nil
}

func (s *Service) ListOpinionClarificationsView(ctx context.Context, sess Session, requestID string) ([]map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	clarifications, err := s.store.ListOpinionClarifications(ctx, requestID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(clarifications))
	for _, c := range clarifications {
		items = append(items, opinionClarificationView(c))
	}
	return items, nil
}

// CloseRequest writes the closure record and completes the request. Open
// opinion questions block closure; closing twice returns the original record.
func (s *Service) CloseRequest(ctx context.Context, sess Session, requestID string, input CloseRequestInput) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.ClientID != sess.UserID && rbac.Normalize(sess.Role) != rbac.RoleAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the client closes the request", nil)
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Closure reason is required", nil)
	}
	if input.SatisfactionRating != nil && (*input.SatisfactionRating < 1 || *input.SatisfactionRating > 5) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Rating must be between 1 and 5", nil)
	}

	open, err := s.store.CountOpenOpinionClarifications(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Open opinion questions must be answered before closing",
			map[string]any{"openClarifications": open})
	}

	clarificationsResolved := true
	if clarifications, err := s.store.ListClarifications(ctx, requestID); err == nil {
		for _, c := range clarifications {
			if c.Status == "open" {
				clarificationsResolved = false
				break
			}
		}
	}

	signatureVerified := false
	if v, err := s.publishedVersion(ctx, request); err == nil {
		if sig, err := s.store.GetSignature(ctx, v.ID); err == nil {
			signatureVerified = sig.ContentHash == v.ContentHash
		}
	}

	closure := store.RequestClosure{
		ID:                        util.NewID("cls"),
		RequestID:                 requestID,
		ClosedBy:                  sess.UserID,
		Reason:                    reason,
		SatisfactionRating:        input.SatisfactionRating,
		OpinionDelivered:          request.DeliveredAt != nil,
		AllClarificationsResolved: clarificationsResolved,
		SignatureVerified:         signatureVerified,
	}
	recorded, updated, already, err := s.store.CloseRequestTx(ctx, closure)
	if err != nil {
		return nil, err
	}

	if !already {
		s.audit(ctx, requestID, "request.closed", sess, map[string]any{
			"opinionDelivered":  recorded.OpinionDelivered,
			"signatureVerified": recorded.SignatureVerified,
		})
		if updated.AssignedLawyerID != nil {
			s.notify(ctx, *updated.AssignedLawyerID, requestID, updated.Number, "closure",
				"Request closed",
				"The client closed "+updated.Number+".")
		}
	}

	view := s.requestView(updated)
	view["closure"] = closureView(recorded)
	view["alreadyClosed"] = already
	return view, nil
}

func opinionClarificationView(c store.OpinionClarification) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"requestId":  c.RequestID,
		"versionId":  c.VersionID,
		"section":    c.Section,
		"askedBy":    c.AskedBy,
		"question":   c.Question,
		"answer":     c.Answer,
		"answeredBy": c.AnsweredBy,
		"status":     c.Status,
		"answeredAt": nilIfZero(c.AnsweredAt),
		"createdAt":  c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func closureView(c store.RequestClosure) map[string]any {
	view := map[string]any{
		"id":                        c.ID,
		"requestId":                 c.RequestID,
		"closedBy":                  c.ClosedBy,
		"reason":                    c.Reason,
		"opinionDelivered":          c.OpinionDelivered,
		"allClarificationsResolved": c.AllClarificationsResolved,
		"signatureVerified":         c.SignatureVerified,
		"createdAt":                 c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c.SatisfactionRating != nil {
		view["satisfactionRating"] = *c.SatisfactionRating
	}
	return view
}
