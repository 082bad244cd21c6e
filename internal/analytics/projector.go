// Package analytics derives dashboard numbers from the funnel tables.
// Read-side only; nothing here mutates state.
package analytics

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/google/uuid"
)

// Projector computes rates, time deltas, and time-bucketed series.
type Projector struct {
	db *sql.DB
}

// NewProjector creates a new analytics projector
func NewProjector(db *sql.DB) *Projector {
	return &Projector{db: db}
}

// CampaignFunnel is the real-time per-campaign dashboard view.
type CampaignFunnel struct {
	CampaignID uuid.UUID `json:"campaign_id"`

	TotalRecipients int `json:"total_recipients"`
	EmailsSent      int `json:"emails_sent"`
	EmailsDelivered int `json:"emails_delivered"`
	EmailsOpened    int `json:"emails_opened"`
	EmailsClicked   int `json:"emails_clicked"`
	EmailsReported  int `json:"emails_reported"`
	SendFailures    int `json:"send_failures"`

	Submitted int `json:"credentials_submitted"`
	Detected  int `json:"threats_detected"`

	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ReportRate     float64 `json:"report_rate"`
	DeliveryRate   float64 `json:"delivery_rate"`
	SubmissionRate float64 `json:"submission_rate"`
	DetectionRate  float64 `json:"detection_rate"`

	AvgMinutesToClick float64 `json:"avg_minutes_to_click"`
	RepeatVisitors    int     `json:"repeat_visitors"`
}

// CampaignFunnel projects the live funnel for one campaign. Returns
// (nil, nil) when the campaign does not exist.
func (p *Projector) CampaignFunnel(ctx context.Context, campaignID uuid.UUID) (*CampaignFunnel, error) {
	f := &CampaignFunnel{CampaignID: campaignID}
	var scenarioID *uuid.UUID

	err := p.db.QueryRowContext(ctx, `SELECT scenario_id, total_recipients, emails_sent,
		emails_delivered, emails_opened, emails_clicked, emails_reported, send_failures
		FROM email_campaigns WHERE id = $1`, campaignID).Scan(
		&scenarioID, &f.TotalRecipients, &f.EmailsSent, &f.EmailsDelivered,
		&f.EmailsOpened, &f.EmailsClicked, &f.EmailsReported, &f.SendFailures)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if scenarioID != nil {
		err = p.db.QueryRowContext(ctx, `SELECT
			COUNT(*) FILTER (WHERE stage = 'submitted'),
			COUNT(*) FILTER (WHERE detected_threat)
			FROM interactions WHERE scenario_id = $1`, *scenarioID).Scan(&f.Submitted, &f.Detected)
		if err != nil {
			return nil, err
		}
	}

	err = p.db.QueryRowContext(ctx, `SELECT
		COALESCE(AVG(EXTRACT(EPOCH FROM (clicked_at - opened_at))) / 60, 0),
		COUNT(*) FILTER (WHERE click_count > 1)
		FROM email_recipients
		WHERE campaign_id = $1 AND opened_at IS NOT NULL AND clicked_at IS NOT NULL`,
		campaignID).Scan(&f.AvgMinutesToClick, &f.RepeatVisitors)
	if err != nil {
		return nil, err
	}
	f.AvgMinutesToClick = round1(f.AvgMinutesToClick)

	base := f.EmailsSent
	f.OpenRate = rate(f.EmailsOpened, base)
	f.ClickRate = rate(f.EmailsClicked, base)
	f.ReportRate = rate(f.EmailsReported, base)
	f.DeliveryRate = rate(f.EmailsDelivered, base)
	f.SubmissionRate = rate(f.Submitted, f.TotalRecipients)
	f.DetectionRate = rate(f.Detected, f.TotalRecipients)

	return f, nil
}

// SeriesPoint is one day bucket of scenario interaction activity.
type SeriesPoint struct {
	Day          time.Time `json:"day"`
	Views        int       `json:"views"`
	Interactions int       `json:"interactions"`
	Submissions  int       `json:"submissions"`
	Reports      int       `json:"reports"`
}

// InteractionSeries buckets a scenario's interactions by day over [from, to).
func (p *Projector) InteractionSeries(ctx context.Context, scenarioID uuid.UUID, from, to time.Time) ([]SeriesPoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT date_trunc('day', started_at) AS day,
		COUNT(*) FILTER (WHERE stage = 'viewed'),
		COUNT(*) FILTER (WHERE stage = 'interacted'),
		COUNT(*) FILTER (WHERE stage = 'submitted'),
		COUNT(*) FILTER (WHERE stage = 'reported')
		FROM interactions
		WHERE scenario_id = $1 AND started_at >= $2 AND started_at < $3
		GROUP BY day ORDER BY day`, scenarioID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var series []SeriesPoint
	for rows.Next() {
		var pt SeriesPoint
		if err := rows.Scan(&pt.Day, &pt.Views, &pt.Interactions, &pt.Submissions, &pt.Reports); err != nil {
			return nil, err
		}
		series = append(series, pt)
	}
	return series, rows.Err()
}

func rate(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return round1(float64(part) / float64(whole) * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
