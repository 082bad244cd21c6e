package funnel

import (
	"time"

	"github.com/google/uuid"
)

// Recipient is one (campaign, target address) pair. Created when a campaign
// is dispatched; funnel timestamps are set once and never cleared, while the
// per-stage occurrence counters keep counting raw events.
type Recipient struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	Email      string
	UserID     *uuid.UUID
	Token      string

	SentAt      *time.Time
	DeliveredAt *time.Time
	OpenedAt    *time.Time
	ClickedAt   *time.Time
	ReportedAt  *time.Time

	OpenCount  int
	ClickCount int

	LastIP        string
	LastUserAgent string

	SendFailed    bool
	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Interaction is the per (token, scenario) funnel record. Anonymous events
// (no resolvable token) produce insert-only rows keyed by scenario alone.
type Interaction struct {
	ID         uuid.UUID
	ScenarioID uuid.UUID
	Token      string // empty for anonymous rows
	UserID     *uuid.UUID

	Stage          Stage
	Outcome        Outcome
	DetectedThreat bool

	IPAddress  string
	UserAgent  string
	Referrer   string
	DeviceType string

	ClickedTarget string
	SubmittedData string // JSON form payload, never raw secrets

	StartedAt    time.Time
	CompletedAt  *time.Time
	ResponseTime *int // seconds

	Feedback string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone describes an external attack surface. Its counters only increase;
// type and status can change independently.
type Clone struct {
	ID          uuid.UUID
	Name        string
	CloneType   string
	Status      string
	BaseURL     string
	LandingPath string

	TimesUsed       int
	ViewCount       int
	SubmissionCount int
	LastUsed        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CloneActive is the clone status eligible for campaign routing.
const CloneActive = "active"

// Campaign carries the configuration and denormalized counters the engine
// touches. The admin surface owns everything else about a campaign.
type Campaign struct {
	ID         uuid.UUID
	Name       string
	ScenarioID *uuid.UUID
	CloneID    *uuid.UUID
	Status     string

	TrackingEnabled bool

	TotalRecipients int
	EmailsSent      int
	EmailsDelivered int
	EmailsOpened    int
	EmailsClicked   int
	EmailsReported  int
	SendFailures    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClientMeta is the untrusted network/client metadata attached to events.
type ClientMeta struct {
	IPAddress  string
	UserAgent  string
	Referrer   string
	DeviceType string
}

// ViewEvent records that a simulation or clone page was rendered.
type ViewEvent struct {
	Token      string
	ScenarioID *uuid.UUID
	CampaignID *uuid.UUID
	CloneName  string
	PageURL    string
	Meta       ClientMeta
}

// InteractionEvent records that the visitor engaged with the page.
type InteractionEvent struct {
	Token         string
	ScenarioID    *uuid.UUID
	CampaignID    *uuid.UUID
	CloneName     string
	ClickedTarget string
	Meta          ClientMeta
}

// SubmissionEvent is the funnel side of a form submission. The credential
// payload itself goes through the capture service as an independent write.
type SubmissionEvent struct {
	Token      string
	ScenarioID *uuid.UUID
	CampaignID *uuid.UUID
	CloneName  string
	PageURL    string
	FormData   string // sanitized JSON, secrets already stripped
	Meta       ClientMeta
}

// ReportEvent records that the user flagged the simulation as a threat.
type ReportEvent struct {
	Token          string
	ScenarioID     *uuid.UUID
	ElapsedSeconds int
	Feedback       string
	Meta           ClientMeta
}

// RecordResult is what each engine operation hands back to the boundary.
type RecordResult struct {
	Stage     Stage
	Outcome   Outcome
	Applied   bool // false means the event was a duplicate no-op
	Anonymous bool // true when no recipient could be correlated
	Recipient *Recipient
}
