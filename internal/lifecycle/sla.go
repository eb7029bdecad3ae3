package lifecycle

import (
	"fmt"
	"math"
	"time"
)

type SLAState string

const (
	SLANone      SLAState = "none"
	SLAOnTrack   SLAState = "on-track"
	SLAAtRisk    SLAState = "at-risk"
	SLAOverdue   SLAState = "overdue"
	SLACompleted SLAState = "completed"
)

type SLAMetrics struct {
	State     SLAState   `json:"state"`
	Text      string     `json:"text"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
	IsOverdue bool       `json:"isOverdue"`
	IsAtRisk  bool       `json:"isAtRisk"`
}

// SLA computes deadline pressure for a request. The clock stops at delivery
// or any terminal status; inside 24 hours of the deadline the request counts
// as at risk.
func SLA(s Snapshot, status Status, now time.Time) SLAMetrics {
	if isTerminal(status) || status == StatusDelivered {
		return SLAMetrics{State: SLACompleted, Text: "Delivered", DueDate: s.SLADeadline}
	}
	if s.SLADeadline == nil {
		return SLAMetrics{State: SLANone, Text: "No Deadline"}
	}

	left := s.SLADeadline.Sub(now)
	switch {
	case left < 0:
		return SLAMetrics{
			State:     SLAOverdue,
			Text:      fmt.Sprintf("Overdue by %dh", int(math.Ceil(-left.Hours()))),
			DueDate:   s.SLADeadline,
			IsOverdue: true,
		}
	case left < 24*time.Hour:
		return SLAMetrics{
			State:    SLAAtRisk,
			Text:     fmt.Sprintf("Due in %dh", int(math.Ceil(left.Hours()))),
			DueDate:  s.SLADeadline,
			IsAtRisk: true,
		}
	default:
		return SLAMetrics{
			State:   SLAOnTrack,
			Text:    fmt.Sprintf("Due in %dd", int(math.Ceil(left.Hours()/24))),
			DueDate: s.SLADeadline,
		}
	}
}

// BucketFor sorts a request into the dashboard bucket consumers group by.
func BucketFor(status Status, sla SLAMetrics) Bucket {
	if isTerminal(status) {
		return BucketCompleted
	}
	switch status {
	case StatusClarificationPending, StatusDocumentsPending, StatusOpinionReady:
		return BucketActionNeeded
	}
	if sla.State == SLAOverdue || sla.State == SLAAtRisk {
		return BucketSLARisk
	}
	return BucketActive
}

// UrgencyScore ranks open requests for triage. Terminal requests score zero;
// everything else combines base priority with SLA and lifecycle pressure.
func UrgencyScore(s Snapshot, status Status, sla SLAMetrics) int {
	if isTerminal(status) {
		return 0
	}

	score := 0
	switch s.Priority {
	case "urgent":
		score += 100
	case "high":
		score += 75
	case "medium":
		score += 50
	case "low":
		score += 25
	}

	switch sla.State {
	case SLAOverdue:
		score += 200
	case SLAAtRisk:
		score += 150
	}

	switch status {
	case StatusClarificationPending, StatusDocumentsPending:
		score += 100
	case StatusOpinionReady:
		score += 50
	}

	return score
}
