// Package lifecycle derives the canonical request status every dashboard
// reads. Resolution is a pure function over a snapshot of raw persisted
// fields; it never mutates anything and never fails — unknown raw states
// resolve to StatusUnknown so consumers always have something to render.
package lifecycle

import "time"

type Status string

const (
	StatusDraft                Status = "draft"
	StatusSubmitted            Status = "submitted"
	StatusMarketplacePosted    Status = "marketplace_posted"
	StatusClaimed              Status = "claimed"
	StatusAssigned             Status = "assigned"
	StatusClarificationPending Status = "clarification_pending"
	StatusDocumentsPending     Status = "documents_pending"
	StatusInReview             Status = "in_review"
	StatusOpinionReady         Status = "opinion_ready"
	StatusDelivered            Status = "delivered"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
	StatusUnknown              Status = "unknown"
)

type Bucket string

const (
	BucketActive       Bucket = "ACTIVE"
	BucketActionNeeded Bucket = "ACTION_NEEDED"
	BucketSLARisk      Bucket = "SLA_RISK"
	BucketCompleted    Bucket = "COMPLETED"
)

// Snapshot is the raw request state the resolver reads. Callers assemble it
// from the persisted row plus a couple of aggregate reads taken in the same
// consistent view.
type Snapshot struct {
	RawStatus             string
	Visibility            string // private, public
	Priority              string
	AssignedLawyer        bool
	AcceptedByLawyer      bool
	HasAcceptedProposal   bool
	ClarificationRequired bool
	DocumentsRequired     bool
	OpinionState          string // none, draft, peer_review, approved, signed, published
	SLADeadline           *time.Time
	PublicExpiresAt       *time.Time
	DeliveredAt           *time.Time
	CancelledAt           *time.Time
	ClosedAt              *time.Time
}

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Resolve maps a snapshot to its canonical status. Rules are checked in
// order, first match wins:
//
//  1. terminal markers (closed, cancelled) override everything
//  2. a signed or published opinion forces opinion_ready / delivered
//  3. open clarifications and pending documents force their waiting states
//  4. public requests without a winner read marketplace_posted; with a
//     winning proposal, claimed
//  5. private requests with an assignee read assigned until accepted
//  6. anything else passes the raw status through, unknown values fall back
//     to StatusUnknown
func Resolve(s Snapshot) Status {
	if s.ClosedAt != nil || s.RawStatus == "completed" {
		return StatusCompleted
	}
	if s.CancelledAt != nil || s.RawStatus == "cancelled" {
		return StatusCancelled
	}

	if s.OpinionState == "signed" || s.OpinionState == "published" {
		if s.DeliveredAt != nil || s.RawStatus == "delivered" {
			return StatusDelivered
		}
		return StatusOpinionReady
	}

	if s.ClarificationRequired || s.RawStatus == "clarification_pending" {
		return StatusClarificationPending
	}
	if s.DocumentsRequired || s.RawStatus == "documents_pending" {
		return StatusDocumentsPending
	}

	if s.RawStatus == "in_review" || s.RawStatus == "drafting_opinion" || s.OpinionState == "draft" || s.OpinionState == "peer_review" || s.OpinionState == "approved" {
		return StatusInReview
	}

	if s.Visibility == "public" {
		if !s.AssignedLawyer {
			if s.RawStatus == "marketplace_posted" || s.RawStatus == "submitted" {
				return StatusMarketplacePosted
			}
		} else if s.HasAcceptedProposal {
			return StatusClaimed
		}
	}

	if s.AssignedLawyer && !s.AcceptedByLawyer && s.RawStatus == "assigned" {
		return StatusAssigned
	}

	switch s.RawStatus {
	case "draft":
		return StatusDraft
	case "submitted":
		return StatusSubmitted
	case "marketplace_posted":
		return StatusMarketplacePosted
	case "claimed":
		return StatusClaimed
	case "assigned":
		return StatusAssigned
	case "opinion_ready":
		return StatusOpinionReady
	case "delivered":
		return StatusDelivered
	default:
		return StatusUnknown
	}
}

func Label(s Status) string {
	switch s {
	case StatusDraft:
		return "Draft"
	case StatusSubmitted:
		return "Submitted"
	case StatusMarketplacePosted:
		return "Posted"
	case StatusClaimed:
		return "Claimed"
	case StatusAssigned:
		return "Assigned"
	case StatusClarificationPending:
		return "Clarification Needed"
	case StatusDocumentsPending:
		return "Documents Needed"
	case StatusInReview:
		return "In Review"
	case StatusOpinionReady:
		return "Opinion Ready"
	case StatusDelivered:
		return "Delivered"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}
