// Package capture persists evidentiary records of credentials submitted to
// simulated attack surfaces. Records are append-only and deliberately
// independent of the funnel write for the same event: evidence is never
// lost to a downstream bug.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/attacksim/engine/internal/funnel"
)

// CredentialType classifies what kind of credential a clone collected.
type CredentialType string

const (
	TypeEmailPassword    CredentialType = "email_password"
	TypeUsernamePassword CredentialType = "username_password"
	TypeSocialMedia      CredentialType = "social_media"
	TypeBanking          CredentialType = "banking"
	TypeCorporate        CredentialType = "corporate"
	TypeOther            CredentialType = "other"
)

// Classify maps an untrusted type string to a known credential type.
// Unrecognized values default to the generic type rather than rejecting the
// submission.
func Classify(s string) CredentialType {
	switch CredentialType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeEmailPassword, TypeUsernamePassword, TypeSocialMedia, TypeBanking, TypeCorporate, TypeOther:
		return CredentialType(strings.ToLower(strings.TrimSpace(s)))
	default:
		return TypeEmailPassword
	}
}

// HashSecret returns the SHA-256 hex digest of a submitted secret. The
// digest is deterministic and irreversible; cleartext secret material is
// never stored or logged.
func HashSecret(secret string) string {
	if secret == "" {
		return ""
	}
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// ErrNoIdentifier marks a submission missing its one required
// correlation-independent field. This is the broken-caller case, not
// untrusted-but-valid user behavior.
var ErrNoIdentifier = errors.New("submission has no identifier")

// Submission is a raw credential submission from an attack surface. Any
// subset of the correlation ids may be known.
type Submission struct {
	CampaignID *uuid.UUID
	CloneID    *uuid.UUID
	ScenarioID *uuid.UUID
	Token      string

	CredentialType string
	Identifier     string
	Secret         string
	Extra          map[string]any

	CloneType string
	SourceURL string
	Meta      funnel.ClientMeta
}

// Record is the persisted, immutable capture.
type Record struct {
	ID         uuid.UUID
	CampaignID *uuid.UUID
	CloneID    *uuid.UUID
	ScenarioID *uuid.UUID
	Token      string
	UserID     *uuid.UUID

	CredentialType CredentialType
	Identifier     string
	SecretHash     string
	ExtraData      string // JSON blob of additional form fields

	CloneType string
	SourceURL string
	IPAddress string
	UserAgent string
	Referrer  string

	SubmittedAt time.Time
}

// Service turns submissions into capture records.
type Service struct {
	store *Store
}

// NewService creates a new capture service
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Capture classifies, digests, best-effort resolves the identity, and
// persists. It succeeds independent of funnel-state outcome; identity
// resolution failures are logged and ignored.
func (s *Service) Capture(ctx context.Context, sub Submission) (*Record, error) {
	if strings.TrimSpace(sub.Identifier) == "" {
		return nil, ErrNoIdentifier
	}

	rec := &Record{
		ID:             uuid.New(),
		CampaignID:     sub.CampaignID,
		CloneID:        sub.CloneID,
		ScenarioID:     sub.ScenarioID,
		Token:          sub.Token,
		CredentialType: Classify(sub.CredentialType),
		Identifier:     strings.TrimSpace(sub.Identifier),
		SecretHash:     HashSecret(sub.Secret),
		ExtraData:      encodeExtra(sub.Extra, sub.Secret),
		CloneType:      sub.CloneType,
		SourceURL:      sub.SourceURL,
		IPAddress:      sub.Meta.IPAddress,
		UserAgent:      sub.Meta.UserAgent,
		Referrer:       sub.Meta.Referrer,
		SubmittedAt:    time.Now(),
	}

	userID, err := s.store.IdentityByEmail(ctx, rec.Identifier)
	if err != nil {
		log.Printf("capture: identity lookup failed for %q: %v", rec.Identifier, err)
	} else {
		rec.UserID = userID
	}

	// The page usually reports the clone by type or name, not id; resolve it
	// so the capture carries a real correlation id. Best effort, like the
	// identity lookup.
	if rec.CloneID == nil && sub.CloneType != "" {
		cloneID, err := s.store.CloneIDByIdentifier(ctx, sub.CloneType)
		if err != nil {
			log.Printf("capture: clone lookup failed for %q: %v", sub.CloneType, err)
		} else {
			rec.CloneID = cloneID
		}
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// secretKeys are form field names whose values never reach the extra blob.
var secretKeys = []string{"password", "passwd", "secret", "pin", "otp", "token"}

// encodeExtra serializes the additional form fields, dropping anything that
// looks like or equals the secret.
func encodeExtra(extra map[string]any, secret string) string {
	if len(extra) == 0 {
		return "{}"
	}
	clean := make(map[string]any, len(extra))
	for k, v := range extra {
		if isSecretKey(k) {
			continue
		}
		if s, ok := v.(string); ok && secret != "" && s == secret {
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func isSecretKey(k string) bool {
	lower := strings.ToLower(k)
	for _, sk := range secretKeys {
		if strings.Contains(lower, sk) {
			return true
		}
	}
	return false
}
