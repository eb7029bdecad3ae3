package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"counsel/api/internal/rbac"
	"counsel/api/internal/search"
	"counsel/api/internal/store"
	"counsel/api/internal/util"
)

type ProposalInput struct {
	FeeCents     int64  `json:"feeCents"`
	TimelineDays int    `json:"timelineDays"`
	CoverNote    string `json:"coverNote"`
}

type PostingFilter struct {
	DepartmentID string
	Priority     string
	Query        string
	Limit        int
	Offset       int
}

var proposalSorts = map[string]func(a, b store.Proposal) bool{
	"fee_asc":         func(a, b store.Proposal) bool { return a.FeeCents < b.FeeCents },
	"fee_desc":        func(a, b store.Proposal) bool { return a.FeeCents > b.FeeCents },
	"timeline_asc":    func(a, b store.Proposal) bool { return a.TimelineDays < b.TimelineDays },
	"timeline_desc":   func(a, b store.Proposal) bool { return a.TimelineDays > b.TimelineDays },
	"experience_desc": func(a, b store.Proposal) bool { return a.YearsExperience > b.YearsExperience },
	"newest":          func(a, b store.Proposal) bool { return a.CreatedAt.After(b.CreatedAt) },
}

// PostPublic moves a private unassigned request onto the open marketplace.
func (s *Service) PostPublic(ctx context.Context, sess Session, requestID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.ClientID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the request owner can post it", nil)
	}
	if request.AssignedLawyerID != nil {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Assigned requests cannot be posted", nil)
	}

	updated, err := s.store.PostPublicTx(ctx, requestID, sess.UserID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, requestID, "marketplace.posted", sess, map[string]any{"number": updated.Number})
	if s.search != nil {
		s.search.IndexPosting(search.PostingRecord{
			ID:           updated.ID,
			Number:       updated.Number,
			Title:        updated.Title,
			Description:  updated.Description,
			DepartmentID: updated.DepartmentID,
			Priority:     updated.Priority,
			Status:       updated.Status,
		})
	}

	return s.requestView(updated), nil
}

// ListPublicPostings is the lawyer-facing marketplace browse. Text queries go
// through the search service; plain filters hit the store directly.
func (s *Service) ListPublicPostings(ctx context.Context, sess Session, filter PostingFilter) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionPropose) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Marketplace browsing is for lawyers", nil)
	}

	if strings.TrimSpace(filter.Query) != "" && s.search != nil {
		resp := s.search.Search(search.Query{
			Text:         filter.Query,
			DepartmentID: filter.DepartmentID,
			Priority:     filter.Priority,
			Limit:        filter.Limit,
			Offset:       filter.Offset,
		})
		return map[string]any{"postings": resp.Results, "total": resp.Total, "query": resp.Query}, nil
	}

	requests, err := s.store.ListPublicOpenRequests(ctx, filter.DepartmentID, filter.Priority)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	items := make([]map[string]any, 0, len(requests))
	for _, r := range requests {
		items = append(items, s.requestViewAt(r, now))
	}
	return map[string]any{"postings": items, "total": len(items)}, nil
}

// SubmitProposal files a lawyer's bid on an open posting. One bid per lawyer
// per posting.
func (s *Service) SubmitProposal(ctx context.Context, sess Session, requestID string, input ProposalInput) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionPropose) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only lawyers submit proposals", nil)
	}
	if input.FeeCents <= 0 || input.TimelineDays <= 0 {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Fee and timeline must be positive", nil)
	}

	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Visibility != "public" || request.Status != "marketplace_posted" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Posting is not open for proposals", map[string]any{"status": request.Status})
	}
	if request.PublicExpiresAt != nil && time.Now().After(*request.PublicExpiresAt) {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Posting has expired",
			map[string]any{"publicExpiresAt": request.PublicExpiresAt.UTC().Format(time.RFC3339)})
	}

	if _, err := s.store.GetProposalByLawyer(ctx, requestID, sess.UserID); err == nil {
		return nil, domainError(http.StatusConflict, "CONFLICT", "You already have a proposal on this posting", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	lawyer, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	proposal := store.Proposal{
		ID:              util.NewID("prp"),
		RequestID:       requestID,
		LawyerID:        sess.UserID,
		Status:          "submitted",
		FeeCents:        input.FeeCents,
		TimelineDays:    input.TimelineDays,
		YearsExperience: lawyer.YearsExperience,
		CoverNote:       strings.TrimSpace(input.CoverNote),
	}
	if err := s.store.InsertProposal(ctx, proposal); err != nil {
		return nil, err
	}

	s.audit(ctx, requestID, "proposal.submitted", sess, map[string]any{"proposalId": proposal.ID, "feeCents": proposal.FeeCents})
	s.notify(ctx, request.ClientID, requestID, request.Number, "proposal",
		"New proposal received",
		sess.UserName+" submitted a proposal on "+request.Number+".")

	return proposalView(proposal), nil
}

// UpdateProposal revises an open bid's terms.
func (s *Service) UpdateProposal(ctx context.Context, sess Session, proposalID string, input ProposalInput) (map[string]any, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.LawyerID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not your proposal", nil)
	}
	if proposal.Status != "submitted" && proposal.Status != "shortlisted" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Proposal can no longer be edited", map[string]any{"status": proposal.Status})
	}
	if input.FeeCents <= 0 || input.TimelineDays <= 0 {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Fee and timeline must be positive", nil)
	}

	if err := s.store.UpdateProposalTerms(ctx, proposalID, input.FeeCents, input.TimelineDays, strings.TrimSpace(input.CoverNote)); err != nil {
		return nil, err
	}

	s.audit(ctx, proposal.RequestID, "proposal.updated", sess, map[string]any{"proposalId": proposalID})
	updated, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return proposalView(updated), nil
}

// ShortlistProposal flags a bid the client wants to compare further.
func (s *Service) ShortlistProposal(ctx context.Context, sess Session, proposalID string) (map[string]any, error) {
	return s.clientProposalTransition(ctx, sess, proposalID, "submitted", "shortlisted", "proposal.shortlisted")
}

// RejectProposal declines a bid that has not won.
func (s *Service) RejectProposal(ctx context.Context, sess Session, proposalID string) (map[string]any, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != "submitted" && proposal.Status != "shortlisted" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Proposal cannot be rejected now", map[string]any{"status": proposal.Status})
	}
	request, err := s.store.GetRequest(ctx, proposal.RequestID)
	if err != nil {
		return nil, err
	}
	if request.ClientID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the posting owner decides proposals", nil)
	}
	if err := s.store.UpdateProposalStatus(ctx, proposalID, "rejected"); err != nil {
		return nil, err
	}
	s.audit(ctx, proposal.RequestID, "proposal.rejected", sess, map[string]any{"proposalId": proposalID})
	s.notify(ctx, proposal.LawyerID, request.ID, request.Number, "proposal",
		"Proposal declined",
		"Your proposal on "+request.Number+" was declined.")
	proposal.Status = "rejected"
	return proposalView(proposal), nil
}

// WithdrawProposal lets a lawyer pull an open bid.
func (s *Service) WithdrawProposal(ctx context.Context, sess Session, proposalID string) (map[string]any, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.LawyerID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not your proposal", nil)
	}
	if proposal.Status != "submitted" && proposal.Status != "shortlisted" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Proposal can no longer be withdrawn", map[string]any{"status": proposal.Status})
	}
	if err := s.store.UpdateProposalStatus(ctx, proposalID, "withdrawn"); err != nil {
		return nil, err
	}
	s.audit(ctx, proposal.RequestID, "proposal.withdrawn", sess, map[string]any{"proposalId": proposalID})
	proposal.Status = "withdrawn"
	return proposalView(proposal), nil
}

// AcceptProposal awards the posting to one bid. The store transaction is the
// single writer: it locks the request, re-checks the award, rejects the
// siblings and stamps the SLA deadline. Retrying the same winner is a no-op
// success; a different proposal after an award is a conflict.
func (s *Service) AcceptProposal(ctx context.Context, sess Session, requestID, proposalID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.ClientID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the posting owner accepts proposals", nil)
	}

	dept, err := s.department(ctx, request.DepartmentID)
	if err != nil {
		return nil, err
	}

	updated, winner, already, err := s.store.AcceptProposalTx(ctx, requestID, proposalID, sess.UserID, dept.SLAHours)
	if err != nil {
		return nil, err
	}

	if !already {
		s.audit(ctx, requestID, "proposal.accepted", sess, map[string]any{"proposalId": winner.ID, "lawyerId": winner.LawyerID})
		s.notify(ctx, winner.LawyerID, requestID, updated.Number, "proposal",
			"Proposal accepted",
			"Your proposal on "+updated.Number+" was accepted. The engagement has started.")

		siblings, err := s.store.ListProposals(ctx, requestID)
		if err == nil {
			for _, p := range siblings {
				if p.ID != winner.ID && p.Status == "rejected" {
					s.notify(ctx, p.LawyerID, requestID, updated.Number, "proposal",
						"Proposal declined",
						"The posting "+updated.Number+" was awarded to another proposal.")
				}
			}
		}
		if s.search != nil {
			s.search.DeletePosting(requestID)
		}
	}

	view := s.requestView(updated)
	view["proposal"] = proposalView(winner)
	view["alreadyAccepted"] = already
	return view, nil
}

// ListProposals shows the posting owner every bid with stats; a lawyer sees
// only their own.
func (s *Service) ListProposals(ctx context.Context, sess Session, requestID, sortKey string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if request.ClientID == sess.UserID || rbac.Normalize(sess.Role) == rbac.RoleAdmin {
		proposals, err := s.store.ListProposals(ctx, requestID)
		if err != nil {
			return nil, err
		}
		sortProposals(proposals, sortKey)
		stats, err := s.store.ProposalStats(ctx, requestID)
		if err != nil {
			return nil, err
		}
		items := make([]map[string]any, 0, len(proposals))
		for _, p := range proposals {
			items = append(items, proposalView(p))
		}
		return map[string]any{
			"proposals": items,
			"stats": map[string]any{
				"count":       stats.Count,
				"minFeeCents": stats.MinFeeCents,
				"avgFeeCents": stats.AvgFeeCents,
				"minDays":     stats.MinDays,
			},
		}, nil
	}

	if rbac.IsLawyerRole(rbac.Normalize(sess.Role)) {
		own, err := s.store.GetProposalByLawyer(ctx, requestID, sess.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return map[string]any{"proposals": []map[string]any{}}, nil
			}
			return nil, err
		}
		return map[string]any{"proposals": []map[string]any{proposalView(own)}}, nil
	}

	return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *Service) clientProposalTransition(ctx context.Context, sess Session, proposalID, from, to, event string) (map[string]any, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != from {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Proposal is not "+from, map[string]any{"status": proposal.Status})
	}
	request, err := s.store.GetRequest(ctx, proposal.RequestID)
	if err != nil {
		return nil, err
	}
	if request.ClientID != sess.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the posting owner decides proposals", nil)
	}
	if err := s.store.UpdateProposalStatus(ctx, proposalID, to); err != nil {
		return nil, err
	}
	s.audit(ctx, proposal.RequestID, event, sess, map[string]any{"proposalId": proposalID})
	proposal.Status = to
	return proposalView(proposal), nil
}

func sortProposals(proposals []store.Proposal, sortKey string) {
	less, ok := proposalSorts[sortKey]
	if !ok {
		less = proposalSorts["newest"]
	}
	sort.SliceStable(proposals, func(i, j int) bool { return less(proposals[i], proposals[j]) })
}

func proposalView(p store.Proposal) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"requestId":       p.RequestID,
		"lawyerId":        p.LawyerID,
		"lawyerName":      p.LawyerName,
		"status":          p.Status,
		"feeCents":        p.FeeCents,
		"timelineDays":    p.TimelineDays,
		"yearsExperience": p.YearsExperience,
		"coverNote":       p.CoverNote,
		"createdAt":       p.CreatedAt.UTC().Format(time.RFC3339),
	}
}
