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

type AcceptAssignmentInput struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason"`
}

// DecideAssignment records the assigned lawyer's accept-or-decline. Accepting
// opens the full request to the lawyer and moves it into review; declining
// returns the request to the client with the reason attached.
func (s *Service) DecideAssignment(ctx context.Context, sess Session, requestID string, input AcceptAssignmentInput) (map[string]any, error) {
	if !rbac.IsLawyerRole(rbac.Normalize(sess.Role)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only lawyers decide assignments", nil)
	}

	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.isAssignedLawyer(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Request is not assigned to you", nil)
	}
	if request.AcceptedByLawyer {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Assignment already accepted", nil)
	}
	if request.Status != "assigned" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Request is not awaiting acceptance", map[string]any{"status": request.Status})
	}

	reason := strings.TrimSpace(input.Reason)
	if !input.Accept && reason == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Declining requires a reason", nil)
	}

	updated, acceptance, err := s.store.AcceptAssignmentTx(ctx, util.NewID("acc"), requestID, sess.UserID, input.Accept, reason)
	if err != nil {
		return nil, err
	}

	if input.Accept {
		s.audit(ctx, requestID, "assignment.accepted", sess, map[string]any{"acceptanceId": acceptance.ID})
		s.notify(ctx, updated.ClientID, requestID, updated.Number, "assignment",
			"Assignment accepted",
			sess.UserName+" accepted your request and has started the review.")
	} else {
		s.audit(ctx, requestID, "assignment.declined", sess, map[string]any{"acceptanceId": acceptance.ID, "reason": reason})
		s.notify(ctx, updated.ClientID, requestID, updated.Number, "assignment",
			"Assignment declined",
			sess.UserName+" declined your request: "+reason)
	}

	view := s.requestView(updated)
	view["acceptance"] = acceptanceView(acceptance)
	return view, nil
}

// GetAcceptance returns the assignment decision for one request and lawyer.
func (s *Service) GetAcceptance(ctx context.Context, sess Session, requestID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	lawyerID := sess.UserID
	if request.AssignedLawyerID != nil {
		lawyerID = *request.AssignedLawyerID
	}
	acceptance, err := s.store.GetAcceptance(ctx, requestID, lawyerID)
	if err != nil {
		return nil, err
	}
	return acceptanceView(acceptance), nil
}

// ListRequestDocuments returns the document requests on a request. An
// assigned lawyer who has not yet accepted gets an empty list with the gate
// reason, never the contents.
func (s *Service) ListRequestDocuments(ctx context.Context, sess Session, requestID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	if rbac.IsLawyerRole(rbac.Normalize(sess.Role)) && s.isAssignedLawyer(sess, request) && !request.AcceptedByLawyer {
		return map[string]any{
			"documents": []map[string]any{},
			"reason":    "acceptance_required",
		}, nil
	}

	docs, err := s.store.ListDocumentRequests(ctx, requestID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		items = append(items, documentRequestView(d))
	}
	return map[string]any{"documents": items}, nil
}

func acceptanceView(a store.RequestAcceptance) map[string]any {
	return map[string]any{
		"id":        a.ID,
		"requestId": a.RequestID,
		"lawyerId":  a.LawyerID,
		"status":    a.Status,
		"reason":    a.Reason,
		"decidedAt": a.DecidedAt.UTC().Format(time.RFC3339),
	}
}

func documentRequestView(d store.DocumentRequest) map[string]any {
	return map[string]any{
		"id":          d.ID,
		"requestId":   d.RequestID,
		"title":       d.Title,
		"description": d.Description,
		"mandatory":   d.Mandatory,
		"status":      d.Status,
		"fileName":    d.FileName,
		"submittedAt": nilIfZero(d.SubmittedAt),
		"createdAt":   d.CreatedAt.UTC().Format(time.RFC3339),
	}
}
