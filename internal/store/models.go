package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	OrgRef                string // firm or bank reference, empty for clients
	YearsExperience       int
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Department struct {
	ID       string
	Name     string
	SLAHours int
}

// Request is the raw persisted state of a legal request. Dashboards never
// read Status directly; they go through the lifecycle resolver, which folds
// Status together with the flags and timestamps below.
type Request struct {
	ID                    string
	Number                string
	ClientID              string
	BankRef               string
	FirmRef               string
	DepartmentID          string
	Title                 string
	Description           string
	Priority              string // low, medium, high, urgent
	Visibility            string // private, public
	Status                string
	AssignedLawyerID      *string
	AcceptedByLawyer      bool
	ClarificationRequired bool
	DocumentsRequired     bool
	OpinionState          string // none, draft, peer_review, approved, signed, published
	SLADeadline           *time.Time
	MarketplacePostedAt   *time.Time
	PublicExpiresAt       *time.Time
	ClaimedAt             *time.Time
	DeliveredAt           *time.Time
	CancelledAt           *time.Time
	ClosedAt              *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type RequestAcceptance struct {
	ID        string
	RequestID string
	LawyerID  string
	Status    string // accepted, rejected
	Reason    string
	DecidedAt time.Time
}

type StatusHistory struct {
	ID         int64
	RequestID  string
	FromStatus string
	ToStatus   string
	ChangedBy  string
	Reason     string
	CreatedAt  time.Time
}

type Proposal struct {
	ID              string
	RequestID       string
	LawyerID        string
	LawyerName      string
	Status          string // submitted, shortlisted, accepted, rejected, withdrawn
	FeeCents        int64
	TimelineDays    int
	YearsExperience int
	CoverNote       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProposalStats summarizes the bids on one public posting.
type ProposalStats struct {
	Count       int
	MinFeeCents int64
	AvgFeeCents int64
	MinDays     int
}

type Clarification struct {
	ID         string
	RequestID  string
	CreatedBy  string
	Question   string
	Status     string // open, resolved
	ResolvedBy string
	ResolvedAt *time.Time
	CreatedAt  time.Time
}

type ClarificationReply struct {
	ID              string
	ClarificationID string
	AuthorID        string
	AuthorName      string
	Body            string
	CreatedAt       time.Time
}

type OpinionSubmission struct {
	ID                     string
	RequestID              string
	LawyerID               string
	Status                 string // draft, final
	FinalVersion           *int
	DocumentsReviewed      bool
	ClarificationsResolved bool
	ResearchCompleted      bool
	CitationsVerified      bool
	OpinionProofread       bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

type OpinionVersion struct {
	ID            string
	SubmissionID  string
	VersionNumber int
	Facts         string
	Issues        string
	Analysis      string
	Conclusion    string
	References    string
	Status        string // draft, peer_review, approved, signed, published
	IsLocked      bool
	ContentHash   string
	CommitHash    string
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type DigitalSignature struct {
	ID          string
	VersionID   string
	SignedBy    string
	SignerName  string
	ContentHash string
	TagName     string
	SignedAt    time.Time
}

type PeerReview struct {
	ID          string
	VersionID   string
	RequestedBy string
	ReviewerID  string
	Status      string // pending, approved, changes_requested
	Comments    string
	CompletedAt *time.Time
	CreatedAt   time.Time
}

type DocumentRequest struct {
	ID          string
	RequestID   string
	RequestedBy string
	Title       string
	Description string
	Mandatory   bool
	Status      string // pending, submitted
	ObjectKey   string
	FileName    string
	SubmittedBy string
	SubmittedAt *time.Time
	CreatedAt   time.Time
}

type OpinionClarification struct {
	ID         string
	RequestID  string
	VersionID  string
	Section    string
	AskedBy    string
	Question   string
	Answer     string
	AnsweredBy string
	Status     string // open, answered
	AnsweredAt *time.Time
	CreatedAt  time.Time
}

// RequestClosure is written once when a request closes and never updated.
type RequestClosure struct {
	ID                        string
	RequestID                 string
	ClosedBy                  string
	Reason                    string
	SatisfactionRating        *int
	OpinionDelivered          bool
	AllClarificationsResolved bool
	SignatureVerified         bool
	CreatedAt                 time.Time
}

type OpinionExport struct {
	ID        string
	VersionID string
	Format    string // pdf, docx
	ObjectKey string
	CreatedBy string
	CreatedAt time.Time
}

type OpinionAccess struct {
	ID        int64
	VersionID string
	ViewedBy  string
	ViewedAt  time.Time
}

type AuditLog struct {
	ID        int64
	RequestID string
	EventType string
	ActorID   string
	ActorName string
	Payload   map[string]any
	CreatedAt time.Time
}

type Notification struct {
	ID        string
	UserID    string
	RequestID string
	Type      string
	Title     string
	Body      string
	ReadAt    *time.Time
	CreatedAt time.Time
}

// StatusCount is one row of a supervision summary.
type StatusCount struct {
	Status string
	Count  int
}
