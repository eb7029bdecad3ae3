package app

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"counsel/api/internal/lifecycle"
	"counsel/api/internal/rbac"
	"counsel/api/internal/store"
	"counsel/api/internal/util"
)

type CreateRequestInput struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	DepartmentID     string `json:"departmentId"`
	Priority         string `json:"priority"`
	BankRef          string `json:"bankRef"`
	AssignedLawyerID string `json:"assignedLawyerId"`
}

var allowedPriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
	"urgent": {},
}

// CreateRequest files a new private request. When a lawyer is named the
// request starts in the assigned state and the SLA clock is stamped from the
// department's hours; otherwise it waits in submitted until the client posts
// it to the marketplace or assigns someone.
func (s *Service) CreateRequest(ctx context.Context, sess Session, input CreateRequestInput) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionFile) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only clients can file requests", nil)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Title is required", nil)
	}
	if input.DepartmentID == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Department is required", nil)
	}

	priority := strings.ToLower(strings.TrimSpace(input.Priority))
	if priority == "" {
		priority = "medium"
	}
	if _, ok := allowedPriorities[priority]; !ok {
		return nil, domainError(http.StatusBadRequest, "VALIDATION", "Unknown priority", map[string]any{"priority": input.Priority})
	}

	dept, err := s.department(ctx, input.DepartmentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	request := store.Request{
		ID:           util.NewID("req"),
		Number:       util.NewRequestNumber(now),
		ClientID:     sess.UserID,
		BankRef:      firstNonBlank(input.BankRef, sess.OrgRef),
		DepartmentID: dept.ID,
		Title:        title,
		Description:  strings.TrimSpace(input.Description),
		Priority:     priority,
		Visibility:   "private",
		Status:       "submitted",
		OpinionState: "none",
	}

	if input.AssignedLawyerID != "" {
		lawyer, err := s.store.GetUserByID(ctx, input.AssignedLawyerID)
		if err != nil {
			return nil, domainError(http.StatusBadRequest, "VALIDATION", "Assigned lawyer not found", nil)
		}
		if !rbac.IsLawyerRole(rbac.Normalize(lawyer.Role)) {
			return nil, domainError(http.StatusBadRequest, "VALIDATION", "Assignee is not a lawyer", nil)
		}
		request.AssignedLawyerID = &lawyer.ID
		request.FirmRef = lawyer.OrgRef
		request.Status = "assigned"
		deadline := now.Add(time.Duration(dept.SLAHours) * time.Hour)
		request.SLADeadline = &deadline
	}

	if err := s.store.InsertRequest(ctx, request); err != nil {
		return nil, err
	}

	s.audit(ctx, request.ID, "request.created", sess, map[string]any{
		"number":     request.Number,
		"priority":   request.Priority,
		"department": dept.ID,
		"assigned":   request.AssignedLawyerID != nil,
	})
	if request.AssignedLawyerID != nil {
		s.notify(ctx, *request.AssignedLawyerID, request.ID, request.Number, "assignment",
			"New request assigned to you",
			"A client assigned "+request.Number+" to you. Accept or decline the assignment to proceed.")
	}

	return s.requestView(request), nil
}

// GetRequest returns the detail view: the row, its lifecycle summary, and the
// document completion ratio.
func (s *Service) GetRequest(ctx context.Context, sess Session, requestID string) (map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	view := s.requestView(request)

	// An assigned lawyer sees only the outline until they accept.
	if rbac.IsLawyerRole(rbac.Normalize(sess.Role)) && s.isAssignedLawyer(sess, request) && !request.AcceptedByLawyer {
		view["description"] = ""
		view["restricted"] = "acceptance_required"
		return view, nil
	}

	docs, err := s.store.ListDocumentRequests(ctx, requestID)
	if err != nil {
		return nil, err
	}
	submitted := 0
	for _, d := range docs {
		if d.Status == "submitted" {
			submitted++
		}
	}
	view["documents"] = map[string]any{
		"requested": len(docs),
		"submitted": submitted,
	}

	return view, nil
}

// ListRequestsForActor returns the caller's dashboard: clients see what they
// filed, lawyers what they are assigned, sorted most urgent first.
func (s *Service) ListRequestsForActor(ctx context.Context, sess Session) ([]map[string]any, error) {
	var (
		requests []store.Request
		err      error
	)
	switch rbac.Normalize(sess.Role) {
	case rbac.RoleClient:
		requests, err = s.store.ListRequestsForClient(ctx, sess.UserID)
	case rbac.RoleLawyer, rbac.RoleReviewer:
		requests, err = s.store.ListRequestsForLawyer(ctx, sess.UserID)
	default:
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "No dashboard for this role", nil)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	items := make([]map[string]any, 0, len(requests))
	for _, r := range requests {
		items = append(items, s.requestViewAt(r, now))
	}
	sort.SliceStable(items, func(i, j int) bool {
		a := items[i]["lifecycle"].(lifecycle.Summary)
		b := items[j]["lifecycle"].(lifecycle.Summary)
		return a.UrgencyScore > b.UrgencyScore
	})
	return items, nil
}

// RequestTimeline merges status transitions with audit events, oldest first.
func (s *Service) RequestTimeline(ctx context.Context, sess Session, requestID string) ([]map[string]any, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.canViewRequest(sess, request) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	history, err := s.store.ListStatusHistory(ctx, requestID)
	if err != nil {
		return nil, err
	}
	audits, err := s.store.ListAuditLogs(ctx, requestID)
	if err != nil {
		return nil, err
	}

	type stamped struct {
		at   time.Time
		item map[string]any
	}
	entries := make([]stamped, 0, len(history)+len(audits))
	for _, h := range history {
		entries = append(entries, stamped{at: h.CreatedAt, item: map[string]any{
			"kind":       "status",
			"fromStatus": h.FromStatus,
			"toStatus":   h.ToStatus,
			"changedBy":  h.ChangedBy,
			"reason":     h.Reason,
			"at":         h.CreatedAt.UTC().Format(time.RFC3339),
		}})
	}
	for _, a := range audits {
		entries = append(entries, stamped{at: a.CreatedAt, item: map[string]any{
			"kind":      "event",
			"eventType": a.EventType,
			"actorName": a.ActorName,
			"payload":   a.Payload,
			"at":        a.CreatedAt.UTC().Format(time.RFC3339),
		}})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, e.item)
	}
	return items, nil
}

// LifecycleSummary exposes the resolver output on its own.
func (s *Service) LifecycleSummary(ctx context.Context, sess Session, requestID string) (lifecycle.Summary, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return lifecycle.Summary{}, err
	}
	if !s.canViewRequest(sess, request) {
		return lifecycle.Summary{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return lifecycle.Summarize(snapshotOf(request), time.Now()), nil
}

// SupervisionSummary is the read-only org rollup for firm and bank admins.
func (s *Service) SupervisionSummary(ctx context.Context, sess Session) (map[string]any, error) {
	var orgField string
	switch rbac.Normalize(sess.Role) {
	case rbac.RoleFirmAdmin:
		orgField = "firm_ref"
	case rbac.RoleBankAdmin:
		orgField = "bank_ref"
	default:
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Supervision is for org admins", nil)
	}
	if sess.OrgRef == "" {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "No organization on session", nil)
	}

	counts, err := s.store.SupervisionCounts(ctx, orgField, sess.OrgRef)
	if err != nil {
		return nil, err
	}
	byStatus := make(map[string]int, len(counts))
	total := 0
	for _, c := range counts {
		byStatus[c.Status] = c.Count
		total += c.Count
	}
	return map[string]any{
		"org":      sess.OrgRef,
		"total":    total,
		"byStatus": byStatus,
	}, nil
}

func (s *Service) department(ctx context.Context, departmentID string) (store.Department, error) {
	departments, err := s.store.ListDepartments(ctx)
	if err != nil {
		return store.Department{}, err
	}
	for _, d := range departments {
		if d.ID == departmentID {
			return d, nil
		}
	}
	return store.Department{}, domainError(http.StatusBadRequest, "VALIDATION", "Unknown department", map[string]any{"departmentId": departmentID})
}

func (s *Service) requestView(r store.Request) map[string]any {
	return s.requestViewAt(r, time.Now())
}

func (s *Service) requestViewAt(r store.Request, now time.Time) map[string]any {
	view := map[string]any{
		"id":              r.ID,
		"number":          r.Number,
		"clientId":        r.ClientID,
		"departmentId":    r.DepartmentID,
		"title":           r.Title,
		"description":     r.Description,
		"priority":        r.Priority,
		"visibility":      r.Visibility,
		"opinionState":    r.OpinionState,
		"slaDeadline":     nilIfZero(r.SLADeadline),
		"publicExpiresAt": nilIfZero(r.PublicExpiresAt),
		"deliveredAt":     nilIfZero(r.DeliveredAt),
		"closedAt":        nilIfZero(r.ClosedAt),
		"createdAt":       r.CreatedAt.UTC().Format(time.RFC3339),
		"lifecycle":       lifecycle.Summarize(snapshotOf(r), now),
	}
	if r.AssignedLawyerID != nil {
		view["assignedLawyerId"] = *r.AssignedLawyerID
	}
	return view
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
