package lifecycle

import "time"

type ProgressStep struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
}

type Progress struct {
	CurrentStep int            `json:"currentStep"`
	TotalSteps  int            `json:"totalSteps"`
	Percent     int            `json:"percent"`
	Label       string         `json:"label"`
	Steps       []ProgressStep `json:"steps"`
}

var publicFlow = []ProgressStep{
	{ID: "marketplace_posted", Label: "Posted"},
	{ID: "claimed", Label: "Claimed"},
	{ID: "in_review", Label: "In Drafting"},
	{ID: "opinion_ready", Label: "Opinion Ready"},
	{ID: "completed", Label: "Completed"},
}

var privateFlow = []ProgressStep{
	{ID: "submitted", Label: "Requested"},
	{ID: "assigned", Label: "Assigned"},
	{ID: "in_review", Label: "In Drafting"},
	{ID: "opinion_ready", Label: "Opinion Ready"},
	{ID: "completed", Label: "Completed"},
}

// ProgressFor renders the five-step flow shown on request detail pages.
// Public and private requests walk different flows; waiting states collapse
// onto the step they interrupt.
func ProgressFor(s Snapshot, status Status) Progress {
	isPublic := s.Visibility == "public"
	flow := privateFlow
	if isPublic {
		flow = publicFlow
	}

	active := string(status)
	switch status {
	case StatusDraft:
		active = "submitted"
	case StatusClarificationPending, StatusDocumentsPending:
		active = "in_review"
	case StatusDelivered:
		active = "opinion_ready"
	case StatusCancelled:
		active = "completed"
	case StatusAssigned, StatusClaimed:
		if isPublic {
			active = "claimed"
		} else {
			active = "assigned"
		}
	case StatusSubmitted:
		if isPublic {
			active = "marketplace_posted"
		}
	}

	current := 0
	for i, step := range flow {
		if step.ID == active {
			current = i
			break
		}
	}
	terminal := isTerminal(status)
	if terminal {
		current = len(flow) - 1
	}

	steps := make([]ProgressStep, len(flow))
	for i, step := range flow {
		steps[i] = ProgressStep{
			ID:        step.ID,
			Label:     step.Label,
			Completed: terminal || i <= current,
			Current:   !terminal && i == current,
		}
	}

	percent := (current + 1) * 100 / len(flow)
	if terminal {
		percent = 100
	}

	return Progress{
		CurrentStep: current + 1,
		TotalSteps:  len(flow),
		Percent:     percent,
		Label:       Label(status),
		Steps:       steps,
	}
}

// Summary bundles everything the resolver derives for one request.
type Summary struct {
	Status         Status     `json:"status"`
	Label          string     `json:"label"`
	Bucket         Bucket     `json:"bucket"`
	UrgencyScore   int        `json:"urgencyScore"`
	SLA            SLAMetrics `json:"sla"`
	Progress       Progress   `json:"progress"`
	IsTerminal     bool       `json:"isTerminal"`
	PostingExpired bool       `json:"postingExpired"`
}

// Summarize runs the full derivation pipeline over one snapshot.
func Summarize(s Snapshot, now time.Time) Summary {
	status := Resolve(s)
	sla := SLA(s, status, now)
	return Summary{
		Status:         status,
		Label:          Label(status),
		Bucket:         BucketFor(status, sla),
		UrgencyScore:   UrgencyScore(s, status, sla),
		SLA:            sla,
		Progress:       ProgressFor(s, status),
		IsTerminal:     isTerminal(status),
		PostingExpired: postingExpired(s, status, now),
	}
}

// postingExpired reports whether an open marketplace posting has outlived its
// bidding window.
func postingExpired(s Snapshot, status Status, now time.Time) bool {
	return status == StatusMarketplacePosted && s.PublicExpiresAt != nil && now.After(*s.PublicExpiresAt)
}
