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

type CreateClarificationInput struct {
	Question string `json:"question"`
}

type ClarificationReplyInput struct {
	Body string `json:"body"`
}

// CreateClarification lets the engaged lawyer put the request on hold with a
// question for the client. The request reads clarification_pending until
// every open clarification is resolved.
func (s *Service) CreateClarification(ctx context.Context, sess Session, requestID string, input CreateClarificationInput) (map[string]any, error) {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Question is required", nil)
	}

	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !rbac.IsLawyerRole(rbac.Normalize(sess.Role)) || !s.isAssignedLawyer(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the engaged lawyer can raise clarifications", nil)
	}
	if !request.AcceptedByLawyer {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Accept the assignment before raising clarifications", nil)
	}

	clarification, updated, err := s.store.CreateClarificationTx(ctx, store.Clarification{
		ID:        util.NewID("clr"),
		RequestID: requestID,
		CreatedBy: sess.UserID,
		Question:  question,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, requestID, "clarification.created", sess, map[string]any{"clarificationId": clarification.ID})
	s.notify(ctx, updated.ClientID, requestID, updated.Number, "clarification",
		"Clarification needed",
		sess.UserName+" asked: "+question)

	view := clarificationView(clarification)
	view["request"] = s.requestView(updated)
	return view, nil
}

// ReplyClarification appends a reply to the thread. Both parties to the
// request may reply; replying never resolves.
func (s *Service) ReplyClarification(ctx context.Context, sess Session, clarificationID string, input ClarificationReplyInput) (map[string]any, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Reply body is required", nil)
	}

	clarification, err := s.store.GetClarification(ctx, clarificationID)
	if err != nil {
		return nil, err
	}
	request, err := s.store.GetRequest(ctx, clarification.RequestID)
	if err != nil {
		return nil, err
	}
	if !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if clarification.Status != "open" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Clarification is already resolved", nil)
	}

	reply := store.ClarificationReply{
		ID:              util.NewID("rpl"),
		ClarificationID: clarificationID,
		AuthorID:        sess.UserID,
		Body:            body,
	}
	if err := s.store.InsertClarificationReply(ctx, reply); err != nil {
		return nil, err
	}

	s.audit(ctx, request.ID, "clarification.replied", sess, map[string]any{"clarificationId": clarificationID})
	counterpart := request.ClientID
	if sess.UserID == request.ClientID && request.AssignedLawyerID != nil {
		counterpart = *request.AssignedLawyerID
	}
	if counterpart != sess.UserID {
		s.notify(ctx, counterpart, request.ID, request.Number, "clarification",
			"New clarification reply",
			sess.UserName+" replied on a clarification for "+request.Number+".")
	}

	return map[string]any{
		"id":              reply.ID,
		"clarificationId": clarificationID,
		"authorId":        sess.UserID,
		"body":            body,
	}, nil
}

// ResolveClarification closes one question. When it was the last open one the
// same transaction advances the request to drafting, so a reader can never
// observe zero open clarifications while the request still says waiting.
func (s *Service) ResolveClarification(ctx context.Context, sess Session, clarificationID string) (map[string]any, error) {
	existing, err := s.store.GetClarification(ctx, clarificationID)
	if err != nil {
		return nil, err
	}
	request, err := s.store.GetRequest(ctx, existing.RequestID)
	if err != nil {
		return nil, err
	}
	if !rbac.IsLawyerRole(rbac.Normalize(sess.Role)) || !s.isAssignedLawyer(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the engaged lawyer resolves clarifications", nil)
	}

	clarification, updated, cascaded, err := s.store.ResolveClarificationTx(ctx, clarificationID, sess.UserID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, request.ID, "clarification.resolved", sess, map[string]any{
		"clarificationId": clarificationID,
		"cascaded":        cascaded,
	})
	if cascaded {
		s.notify(ctx, updated.ClientID, request.ID, updated.Number, "clarification",
			"All clarifications resolved",
			"Every open question on "+updated.Number+" is resolved; drafting has resumed.")
	}

	view := clarificationView(clarification)
	view["cascaded"] = cascaded
	view["request"] = s.requestView(updated)
	return view, nil
}

// ListClarifications returns the threads on a request, replies included.
func (s *Service) ListClarifications(ctx context.Context, sess Session, requestID string) ([]map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	clarifications, err := s.store.ListClarifications(ctx, requestID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(clarifications))
	for _, c := range clarifications {
		view := clarificationView(c)
		replies, err := s.store.ListClarificationReplies(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		replyViews := make([]map[string]any, 0, len(replies))
		for _, r := range replies {
			replyViews = append(replyViews, map[string]any{
				"id":         r.ID,
				"authorId":   r.AuthorID,
				"authorName": r.AuthorName,
				"body":       r.Body,
				"createdAt":  r.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		view["replies"] = replyViews
		items = append(items, view)
	}
	return items, nil
}

func clarificationView(c store.Clarification) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"requestId":  c.RequestID,
		"createdBy":  c.CreatedBy,
		"question":   c.Question,
		"status":     c.Status,
		"resolvedBy": c.ResolvedBy,
		"resolvedAt": nilIfZero(c.ResolvedAt),
		"createdAt":  c.CreatedAt.UTC().Format(time.RFC3339),
	}
}
