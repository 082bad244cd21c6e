package capture

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/attacksim/engine/internal/funnel"
)

// Store provides database operations for capture records. Inserts only;
// captures are referential evidence and survive campaign deletion.
type Store struct {
	db *sql.DB
}

// NewStore creates a new capture store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists an immutable capture record.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	query := `INSERT INTO phishing_credentials (id, campaign_id, clone_id, scenario_id,
		tracking_token, user_id, credential_type, username_email, password_hash,
		additional_data, clone_type, source_url, ip_address, user_agent, referrer, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.db.ExecContext(ctx, query, r.ID, r.CampaignID, r.CloneID, r.ScenarioID,
		nullable(r.Token), r.UserID, r.CredentialType, r.Identifier, nullable(r.SecretHash),
		r.ExtraData, nullable(r.CloneType), nullable(r.SourceURL), nullable(r.IPAddress),
		nullable(r.UserAgent), nullable(r.Referrer), r.SubmittedAt)
	return err
}

// IdentityByEmail resolves a submitted identifier against known identities.
// Best effort: an unknown identifier yields (nil, nil).
func (s *Store) IdentityByEmail(ctx context.Context, email string) (*uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// CloneIDByIdentifier resolves the clone identifier reported by the page to
// a clone id. Best effort: an unknown identifier yields (nil, nil).
func (s *Store) CloneIDByIdentifier(ctx context.Context, identifier string) (*uuid.UUID, error) {
	if id, err := uuid.Parse(identifier); err == nil {
		return &id, nil
	}
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM clones WHERE (name = $1 OR clone_type = $1) AND status = $2
		ORDER BY updated_at DESC LIMIT 1`, identifier, funnel.CloneActive).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// ByCampaign lists captures collected for a campaign, newest first.
func (s *Store) ByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*Record, error) {
	return s.list(ctx, `campaign_id = $1`, campaignID)
}

// ByClone lists captures collected from a clone, newest first.
func (s *Store) ByClone(ctx context.Context, cloneID uuid.UUID) ([]*Record, error) {
	return s.list(ctx, `clone_id = $1`, cloneID)
}

func (s *Store) list(ctx context.Context, where string, arg any) ([]*Record, error) {
	query := `SELECT id, campaign_id, clone_id, scenario_id, COALESCE(tracking_token, ''),
		user_id, credential_type, username_email, COALESCE(password_hash, ''),
		COALESCE(additional_data, '{}'), COALESCE(clone_type, ''), COALESCE(source_url, ''),
		COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(referrer, ''), submitted_at
		FROM phishing_credentials WHERE ` + where + ` ORDER BY submitted_at DESC`

	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		err := rows.Scan(&r.ID, &r.CampaignID, &r.CloneID, &r.ScenarioID, &r.Token,
			&r.UserID, &r.CredentialType, &r.Identifier, &r.SecretHash, &r.ExtraData,
			&r.CloneType, &r.SourceURL, &r.IPAddress, &r.UserAgent, &r.Referrer, &r.SubmittedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
