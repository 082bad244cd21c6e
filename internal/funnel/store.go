package funnel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/attacksim/engine/internal/token"
)

// Store provides database operations for funnel entities. Every stage
// check-and-apply is a single conditional statement so that concurrent
// duplicate events serialize on the row, not in process memory.
type Store struct {
	db *sql.DB
}

// NewStore creates a new funnel store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Counter names accepted by the increment methods. Increment is the only
// mutation exposed for aggregates; there is no "set" on the hot path.
const (
	CounterRecipients = "recipients"
	CounterSent       = "sent"
	CounterDelivered  = "delivered"
	CounterOpened     = "opened"
	CounterClicked    = "clicked"
	CounterReported   = "reported"
	CounterFailed     = "failed"

	CounterViews       = "views"
	CounterInteracted  = "interactions"
	CounterSubmissions = "submissions"
	CounterDetections  = "detections"
)

var campaignCounters = map[string]string{
	CounterRecipients: "total_recipients",
	CounterSent:       "emails_sent",
	CounterDelivered:  "emails_delivered",
	CounterOpened:     "emails_opened",
	CounterClicked:    "emails_clicked",
	CounterReported:   "emails_reported",
	CounterFailed:     "send_failures",
}

var scenarioCounters = map[string]string{
	CounterViews:       "view_count",
	CounterInteracted:  "interaction_count",
	CounterSubmissions: "submission_count",
	CounterDetections:  "detection_count",
}

var cloneCounters = map[string]string{
	CounterViews:       "view_count",
	CounterSubmissions: "submission_count",
}

// CreateRecipient creates a recipient row with a freshly issued tracking
// token. Tokens are unique per recipient for the campaign's lifetime and are
// never reissued.
func (s *Store) CreateRecipient(ctx context.Context, campaignID uuid.UUID, email string, userID *uuid.UUID) (*Recipient, error) {
	r := &Recipient{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Email:      email,
		UserID:     userID,
		Token:      token.Generate(),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	query := `INSERT INTO email_recipients (id, campaign_id, email, user_id, tracking_token,
		open_count, click_count, send_failed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, false, $6, $7)`

	_, err := s.db.ExecContext(ctx, query, r.ID, r.CampaignID, r.Email, r.UserID, r.Token,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RecipientByToken resolves a tracking token. A missing token is not an
// error: callers get (nil, nil) and degrade to anonymous recording.
func (s *Store) RecipientByToken(ctx context.Context, tok string) (*Recipient, error) {
	query := `SELECT id, campaign_id, email, user_id, tracking_token, sent_at, delivered_at,
		opened_at, clicked_at, reported_at, open_count, click_count,
		COALESCE(last_ip, ''), COALESCE(last_user_agent, ''), send_failed,
		COALESCE(failure_reason, ''), created_at, updated_at
		FROM email_recipients WHERE tracking_token = $1`

	r := &Recipient{}
	err := s.db.QueryRowContext(ctx, query, tok).Scan(
		&r.ID, &r.CampaignID, &r.Email, &r.UserID, &r.Token, &r.SentAt, &r.DeliveredAt,
		&r.OpenedAt, &r.ClickedAt, &r.ReportedAt, &r.OpenCount, &r.ClickCount,
		&r.LastIP, &r.LastUserAgent, &r.SendFailed, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// MarkOpened stamps opened_at once and counts every raw open. The first
// return value reports whether this event established opened_at, which is
// what gates the strictly-once campaign-level credit.
func (s *Store) MarkOpened(ctx context.Context, recipientID uuid.UUID, meta ClientMeta) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_recipients SET opened_at = NOW() WHERE id = $1 AND opened_at IS NULL`, recipientID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()

	_, err = s.db.ExecContext(ctx,
		`UPDATE email_recipients SET open_count = open_count + 1, last_ip = $2,
		last_user_agent = $3, updated_at = NOW() WHERE id = $1`,
		recipientID, meta.IPAddress, meta.UserAgent)
	return n == 1, err
}

// MarkClicked is MarkOpened for the click funnel.
func (s *Store) MarkClicked(ctx context.Context, recipientID uuid.UUID, meta ClientMeta) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_recipients SET clicked_at = NOW() WHERE id = $1 AND clicked_at IS NULL`, recipientID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()

	_, err = s.db.ExecContext(ctx,
		`UPDATE email_recipients SET click_count = click_count + 1, last_ip = $2,
		last_user_agent = $3, updated_at = NOW() WHERE id = $1`,
		recipientID, meta.IPAddress, meta.UserAgent)
	return n == 1, err
}

// MarkReported stamps reported_at once.
func (s *Store) MarkReported(ctx context.Context, recipientID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_recipients SET reported_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND reported_at IS NULL`, recipientID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSent records dispatch of the recipient's email.
func (s *Store) MarkSent(ctx context.Context, recipientID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_recipients SET sent_at = NOW(), updated_at = NOW() WHERE id = $1`, recipientID)
	return err
}

// MarkDelivered stamps delivered_at once.
func (s *Store) MarkDelivered(ctx context.Context, recipientID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_recipients SET delivered_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND delivered_at IS NULL`, recipientID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkFailed sets the terminal failure flag and reason.
func (s *Store) MarkFailed(ctx context.Context, recipientID uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_recipients SET send_failed = true, failure_reason = $2, updated_at = NOW()
		WHERE id = $1`, recipientID, reason)
	return err
}

// Transition is one funnel check-and-apply for a (token, scenario) pair.
type Transition struct {
	Token      string // empty for anonymous events
	ScenarioID uuid.UUID
	UserID     *uuid.UUID
	Stage      Stage

	ClickedTarget string
	SubmittedData string
	ResponseTime  *int
	Feedback      string
	Meta          ClientMeta
}

// ApplyTransition applies the monotonic stage rule atomically: the row is
// inserted on first contact, or updated only while its recorded rank is
// strictly below the incoming one. It returns whether the transition was
// applied; false means a duplicate (or stale) event.
func (s *Store) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	outcome := OutcomeFor(t.Stage)

	var completedAt *time.Time
	if t.Stage.Terminal() {
		now := time.Now()
		completedAt = &now
	}

	if t.Token == "" {
		// Anonymous rows have no pair identity; each insert stands alone so
		// campaign-level analytics stay usable without a recipient to credit.
		query := `INSERT INTO interactions (id, scenario_id, tracking_token, user_id, stage,
			stage_rank, outcome, detected_threat, ip_address, user_agent, referrer, device_type,
			clicked_target, submitted_data, started_at, completed_at, response_time, feedback,
			created_at, updated_at)
			VALUES ($1, $2, NULL, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), $14, $15, $16, NOW(), NOW())`
		_, err := s.db.ExecContext(ctx, query, uuid.New(), t.ScenarioID, t.UserID,
			t.Stage, t.Stage.Rank(), outcome, t.Stage.DetectedThreat(),
			t.Meta.IPAddress, t.Meta.UserAgent, t.Meta.Referrer, t.Meta.DeviceType,
			t.ClickedTarget, t.SubmittedData, completedAt, t.ResponseTime, t.Feedback)
		return err == nil, err
	}

	query := `INSERT INTO interactions (id, scenario_id, tracking_token, user_id, stage,
		stage_rank, outcome, detected_threat, ip_address, user_agent, referrer, device_type,
		clicked_target, submitted_data, started_at, completed_at, response_time, feedback,
		created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), $15, $16, $17, NOW(), NOW())
		ON CONFLICT (scenario_id, tracking_token) WHERE tracking_token IS NOT NULL
		DO UPDATE SET
			stage = EXCLUDED.stage,
			stage_rank = EXCLUDED.stage_rank,
			outcome = EXCLUDED.outcome,
			detected_threat = EXCLUDED.detected_threat,
			user_id = COALESCE(EXCLUDED.user_id, interactions.user_id),
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			device_type = EXCLUDED.device_type,
			clicked_target = COALESCE(NULLIF(EXCLUDED.clicked_target, ''), interactions.clicked_target),
			submitted_data = COALESCE(NULLIF(EXCLUDED.submitted_data, ''), interactions.submitted_data),
			feedback = COALESCE(NULLIF(EXCLUDED.feedback, ''), interactions.feedback),
			completed_at = COALESCE(EXCLUDED.completed_at, interactions.completed_at),
			response_time = CASE
				WHEN EXCLUDED.completed_at IS NOT NULL THEN
					COALESCE(EXCLUDED.response_time, EXTRACT(EPOCH FROM (NOW() - interactions.started_at))::int)
				ELSE COALESCE(EXCLUDED.response_time, interactions.response_time)
			END,
			updated_at = NOW()
		WHERE interactions.stage_rank < EXCLUDED.stage_rank`

	res, err := s.db.ExecContext(ctx, query, uuid.New(), t.ScenarioID, t.Token, t.UserID,
		t.Stage, t.Stage.Rank(), outcome, t.Stage.DetectedThreat(),
		t.Meta.IPAddress, t.Meta.UserAgent, t.Meta.Referrer, t.Meta.DeviceType,
		t.ClickedTarget, t.SubmittedData, completedAt, t.ResponseTime, t.Feedback)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TouchInteraction refreshes liveness metadata for a pair without altering
// stage, outcome, or counters. Used when a duplicate raw event arrives.
func (s *Store) TouchInteraction(ctx context.Context, tok string, scenarioID uuid.UUID, meta ClientMeta) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET ip_address = $3, user_agent = $4, updated_at = NOW()
		WHERE tracking_token = $1 AND scenario_id = $2`,
		tok, scenarioID, meta.IPAddress, meta.UserAgent)
	return err
}

// InteractionByPair fetches the funnel record for a (token, scenario) pair.
func (s *Store) InteractionByPair(ctx context.Context, tok string, scenarioID uuid.UUID) (*Interaction, error) {
	query := `SELECT id, scenario_id, COALESCE(tracking_token, ''), user_id, stage, outcome,
		detected_threat, COALESCE(ip_address, ''), COALESCE(user_agent, ''),
		COALESCE(referrer, ''), COALESCE(device_type, ''), COALESCE(clicked_target, ''),
		COALESCE(submitted_data, ''), started_at, completed_at, response_time,
		COALESCE(feedback, ''), created_at, updated_at
		FROM interactions WHERE tracking_token = $1 AND scenario_id = $2`

	i := &Interaction{}
	err := s.db.QueryRowContext(ctx, query, tok, scenarioID).Scan(
		&i.ID, &i.ScenarioID, &i.Token, &i.UserID, &i.Stage, &i.Outcome,
		&i.DetectedThreat, &i.IPAddress, &i.UserAgent, &i.Referrer, &i.DeviceType,
		&i.ClickedTarget, &i.SubmittedData, &i.StartedAt, &i.CompletedAt, &i.ResponseTime,
		&i.Feedback, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return i, err
}

// IncrementCampaignStat increments one campaign-scope counter.
func (s *Store) IncrementCampaignStat(ctx context.Context, campaignID uuid.UUID, counter string) error {
	col, ok := campaignCounters[counter]
	if !ok {
		return fmt.Errorf("unknown campaign counter %q", counter)
	}
	query := fmt.Sprintf("UPDATE email_campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1", col, col)
	_, err := s.db.ExecContext(ctx, query, campaignID)
	return err
}

// IncrementScenarioStat increments one scenario-scope counter.
func (s *Store) IncrementScenarioStat(ctx context.Context, scenarioID uuid.UUID, counter string) error {
	col, ok := scenarioCounters[counter]
	if !ok {
		return fmt.Errorf("unknown scenario counter %q", counter)
	}
	query := fmt.Sprintf("UPDATE scenarios SET %s = %s + 1, updated_at = NOW() WHERE id = $1", col, col)
	_, err := s.db.ExecContext(ctx, query, scenarioID)
	return err
}

// IncrementCloneStat increments one clone-scope counter.
func (s *Store) IncrementCloneStat(ctx context.Context, cloneID uuid.UUID, counter string) error {
	col, ok := cloneCounters[counter]
	if !ok {
		return fmt.Errorf("unknown clone counter %q", counter)
	}
	query := fmt.Sprintf("UPDATE clones SET %s = %s + 1, updated_at = NOW() WHERE id = $1", col, col)
	_, err := s.db.ExecContext(ctx, query, cloneID)
	return err
}

// BumpCloneUsage records that a campaign routed a click URL through the
// clone.
func (s *Store) BumpCloneUsage(ctx context.Context, cloneID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clones SET times_used = times_used + 1, last_used = NOW(), updated_at = NOW()
		WHERE id = $1`, cloneID)
	return err
}

// CampaignByID retrieves a campaign's engine-relevant configuration and
// counters.
func (s *Store) CampaignByID(ctx context.Context, campaignID uuid.UUID) (*Campaign, error) {
	query := `SELECT id, name, scenario_id, clone_id, status, tracking_enabled,
		total_recipients, emails_sent, emails_delivered, emails_opened, emails_clicked,
		emails_reported, send_failures, created_at, updated_at
		FROM email_campaigns WHERE id = $1`

	c := &Campaign{}
	err := s.db.QueryRowContext(ctx, query, campaignID).Scan(
		&c.ID, &c.Name, &c.ScenarioID, &c.CloneID, &c.Status, &c.TrackingEnabled,
		&c.TotalRecipients, &c.EmailsSent, &c.EmailsDelivered, &c.EmailsOpened,
		&c.EmailsClicked, &c.EmailsReported, &c.SendFailures, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// CloneByID retrieves a clone by id.
func (s *Store) CloneByID(ctx context.Context, cloneID uuid.UUID) (*Clone, error) {
	return s.scanClone(s.db.QueryRowContext(ctx, cloneQuery+` WHERE id = $1`, cloneID))
}

// CloneByIdentifier resolves the clone identifier carried by untrusted
// events: a uuid matches by id, anything else by name or clone type, active
// clones only.
func (s *Store) CloneByIdentifier(ctx context.Context, identifier string) (*Clone, error) {
	if id, err := uuid.Parse(identifier); err == nil {
		return s.CloneByID(ctx, id)
	}
	row := s.db.QueryRowContext(ctx,
		cloneQuery+` WHERE (name = $1 OR clone_type = $1) AND status = $2 ORDER BY updated_at DESC LIMIT 1`,
		identifier, CloneActive)
	return s.scanClone(row)
}

const cloneQuery = `SELECT id, name, clone_type, status, base_url, landing_path,
	times_used, view_count, submission_count, last_used, created_at, updated_at
	FROM clones`

func (s *Store) scanClone(row *sql.Row) (*Clone, error) {
	c := &Clone{}
	err := row.Scan(&c.ID, &c.Name, &c.CloneType, &c.Status, &c.BaseURL, &c.LandingPath,
		&c.TimesUsed, &c.ViewCount, &c.SubmissionCount, &c.LastUsed, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteCampaign removes a campaign. Recipients cascade with it; capture
// records are referential and survive as evidence.
func (s *Store) DeleteCampaign(ctx context.Context, campaignID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM email_campaigns WHERE id = $1`, campaignID)
	return err
}
