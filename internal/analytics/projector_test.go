package analytics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupProjector(t *testing.T) (*Projector, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewProjector(db), mock, func() { db.Close() }
}

func TestCampaignFunnel(t *testing.T) {
	p, mock, cleanup := setupProjector(t)
	defer cleanup()

	campaignID := uuid.New()
	scenarioID := uuid.New()

	mock.ExpectQuery("SELECT scenario_id, total_recipients").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{
			"scenario_id", "total_recipients", "emails_sent", "emails_delivered",
			"emails_opened", "emails_clicked", "emails_reported", "send_failures",
		}).AddRow(scenarioID, 200, 200, 196, 80, 30, 12, 4))
	mock.ExpectQuery("SELECT .+ FROM interactions WHERE scenario_id").
		WithArgs(scenarioID).
		WillReturnRows(sqlmock.NewRows([]string{"submitted", "detected"}).AddRow(18, 12))
	mock.ExpectQuery("SELECT .+ FROM email_recipients").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{"avg_minutes", "repeat_visitors"}).AddRow(7.25, 9))

	f, err := p.CampaignFunnel(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("CampaignFunnel() error: %v", err)
	}

	if f.EmailsOpened != 80 || f.EmailsClicked != 30 {
		t.Errorf("counts = opened %d clicked %d, want 80/30", f.EmailsOpened, f.EmailsClicked)
	}
	if f.OpenRate != 40.0 {
		t.Errorf("open rate = %v, want 40.0", f.OpenRate)
	}
	if f.ClickRate != 15.0 {
		t.Errorf("click rate = %v, want 15.0", f.ClickRate)
	}
	if f.ReportRate != 6.0 {
		t.Errorf("report rate = %v, want 6.0", f.ReportRate)
	}
	if f.SubmissionRate != 9.0 {
		t.Errorf("submission rate = %v, want 9.0", f.SubmissionRate)
	}
	if f.Submitted != 18 || f.Detected != 12 {
		t.Errorf("scenario slice = %d/%d, want 18/12", f.Submitted, f.Detected)
	}
	if f.AvgMinutesToClick != 7.3 {
		t.Errorf("avg minutes = %v, want 7.3", f.AvgMinutesToClick)
	}
	if f.RepeatVisitors != 9 {
		t.Errorf("repeat visitors = %d, want 9", f.RepeatVisitors)
	}
}

func TestCampaignFunnel_NotFound(t *testing.T) {
	p, mock, cleanup := setupProjector(t)
	defer cleanup()

	mock.ExpectQuery("SELECT scenario_id, total_recipients").
		WillReturnError(sql.ErrNoRows)

	f, err := p.CampaignFunnel(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("missing campaign must not error: %v", err)
	}
	if f != nil {
		t.Error("missing campaign should project nil")
	}
}

func TestCampaignFunnel_ZeroSent(t *testing.T) {
	p, mock, cleanup := setupProjector(t)
	defer cleanup()

	campaignID := uuid.New()

	// No scenario, nothing sent: every rate must be zero, not NaN.
	mock.ExpectQuery("SELECT scenario_id, total_recipients").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{
			"scenario_id", "total_recipients", "emails_sent", "emails_delivered",
			"emails_opened", "emails_clicked", "emails_reported", "send_failures",
		}).AddRow(nil, 0, 0, 0, 0, 0, 0, 0))
	mock.ExpectQuery("SELECT .+ FROM email_recipients").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{"avg_minutes", "repeat_visitors"}).AddRow(0.0, 0))

	f, err := p.CampaignFunnel(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("CampaignFunnel() error: %v", err)
	}
	if f.OpenRate != 0 || f.ClickRate != 0 || f.SubmissionRate != 0 {
		t.Errorf("zero-sent rates = %v/%v/%v, want all zero", f.OpenRate, f.ClickRate, f.SubmissionRate)
	}
}

func TestInteractionSeries(t *testing.T) {
	p, mock, cleanup := setupProjector(t)
	defer cleanup()

	scenarioID := uuid.New()
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	mock.ExpectQuery("SELECT date_trunc").
		WithArgs(scenarioID, from, to).
		WillReturnRows(sqlmock.NewRows([]string{"day", "views", "interactions", "submissions", "reports"}).
			AddRow(from, 12, 5, 2, 1).
			AddRow(from.AddDate(0, 0, 1), 8, 3, 0, 2))

	series, err := p.InteractionSeries(context.Background(), scenarioID, from, to)
	if err != nil {
		t.Fatalf("InteractionSeries() error: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("got %d points, want 2", len(series))
	}
	if series[0].Views != 12 || series[1].Reports != 2 {
		t.Errorf("series mismatch: %+v", series)
	}
}

func TestRate(t *testing.T) {
	tests := []struct {
		part, whole int
		want        float64
	}{
		{0, 0, 0},
		{5, 0, 0},
		{1, 3, 33.3},
		{200, 200, 100},
	}
	for _, tt := range tests {
		if got := rate(tt.part, tt.whole); got != tt.want {
			t.Errorf("rate(%d, %d) = %v, want %v", tt.part, tt.whole, got, tt.want)
		}
	}
}
