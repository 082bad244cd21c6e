package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewService(NewStore(db)), mock, func() { db.Close() }
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		want CredentialType
	}{
		{"email_password", TypeEmailPassword},
		{"username_password", TypeUsernamePassword},
		{"social_media", TypeSocialMedia},
		{"banking", TypeBanking},
		{"CORPORATE", TypeCorporate},
		{" other ", TypeOther},
		{"", TypeEmailPassword},
		{"something-new", TypeEmailPassword},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Classify(tt.in); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestHashSecret(t *testing.T) {
	sum := sha256.Sum256([]byte("hunter2"))
	want := hex.EncodeToString(sum[:])

	if got := HashSecret("hunter2"); got != want {
		t.Errorf("HashSecret = %q, want %q", got, want)
	}
	if HashSecret("hunter2") != HashSecret("hunter2") {
		t.Error("digest must be deterministic")
	}
	if HashSecret("") != "" {
		t.Error("empty secret should digest to empty")
	}
	if HashSecret("hunter2") == "hunter2" {
		t.Error("digest must not equal the cleartext")
	}
}

func TestCapture_NoIdentifier(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	_, err := svc.Capture(context.Background(), Submission{Secret: "hunter2"})
	if err != ErrNoIdentifier {
		t.Fatalf("got %v, want ErrNoIdentifier", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no writes expected for a broken submission: %v", err)
	}
}

// The cleartext secret must never appear among the insert arguments; only
// its digest is persisted.
func TestCapture_SecretNeverStored(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	campaignID := uuid.New()
	secret := "s3cret-pa55"
	digest := HashSecret(secret)

	mock.ExpectQuery("SELECT id FROM users WHERE email").
		WithArgs("victim@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO phishing_credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := svc.Capture(context.Background(), Submission{
		CampaignID:     &campaignID,
		Token:          uuid.NewString(),
		CredentialType: "corporate",
		Identifier:     "victim@example.com",
		Secret:         secret,
		Extra: map[string]any{
			"remember_me":      true,
			"confirm_password": secret,
		},
	})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}

	if rec.SecretHash != digest {
		t.Errorf("secret hash = %q, want %q", rec.SecretHash, digest)
	}
	if rec.CredentialType != TypeCorporate {
		t.Errorf("credential type = %s, want corporate", rec.CredentialType)
	}

	// The extra blob must not smuggle the secret through another field.
	var extra map[string]any
	if err := json.Unmarshal([]byte(rec.ExtraData), &extra); err != nil {
		t.Fatalf("extra data is not valid JSON: %v", err)
	}
	if _, ok := extra["confirm_password"]; ok {
		t.Error("secret-valued extra field leaked into the blob")
	}
	if _, ok := extra["remember_me"]; !ok {
		t.Error("benign extra field should survive scrubbing")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// Identity resolution is best effort: a failing users lookup must not block
// the evidentiary write.
func TestCapture_IdentityLookupFailureTolerated(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id FROM users WHERE email").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectExec("INSERT INTO phishing_credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := svc.Capture(context.Background(), Submission{
		Identifier: "victim@example.com",
		Secret:     "pw",
	})
	if err != nil {
		t.Fatalf("Capture() should survive identity lookup failure: %v", err)
	}
	if rec.UserID != nil {
		t.Error("failed lookup must leave the record unlinked")
	}
}

func TestCapture_LinksKnownIdentity(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	userID := uuid.New()
	mock.ExpectQuery("SELECT id FROM users WHERE email").
		WithArgs("employee@corp.example").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID))
	mock.ExpectExec("INSERT INTO phishing_credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := svc.Capture(context.Background(), Submission{
		Identifier: "employee@corp.example",
		Secret:     "pw",
	})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	if rec.UserID == nil || *rec.UserID != userID {
		t.Errorf("user id = %v, want %s", rec.UserID, userID)
	}
}

// A page-reported clone type resolves to the clone's id, so ByClone queries
// find the capture later.
func TestCapture_ResolvesCloneID(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	cloneID := uuid.New()
	mock.ExpectQuery("SELECT id FROM users WHERE email").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM clones").
		WithArgs("office365", "active").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(cloneID))
	mock.ExpectExec("INSERT INTO phishing_credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := svc.Capture(context.Background(), Submission{
		Identifier: "victim@example.com",
		Secret:     "pw",
		CloneType:  "office365",
	})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	if rec.CloneID == nil || *rec.CloneID != cloneID {
		t.Errorf("clone id = %v, want %s", rec.CloneID, cloneID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// Clone resolution is best effort: an unknown or failing lookup must not
// block the evidentiary write.
func TestCapture_UnknownCloneTolerated(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id FROM users WHERE email").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM clones").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO phishing_credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := svc.Capture(context.Background(), Submission{
		Identifier: "victim@example.com",
		Secret:     "pw",
		CloneType:  "retired-portal",
	})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	if rec.CloneID != nil {
		t.Error("unknown clone must leave the record unlinked")
	}
}

func TestEncodeExtra(t *testing.T) {
	tests := []struct {
		name   string
		extra  map[string]any
		secret string
		check  func(t *testing.T, out string)
	}{
		{
			name:  "nil extra",
			extra: nil,
			check: func(t *testing.T, out string) {
				if out != "{}" {
					t.Errorf("got %q, want {}", out)
				}
			},
		},
		{
			name:   "secret key names dropped",
			extra:  map[string]any{"otp_code": "123456", "department": "finance"},
			secret: "",
			check: func(t *testing.T, out string) {
				var m map[string]any
				json.Unmarshal([]byte(out), &m)
				if _, ok := m["otp_code"]; ok {
					t.Error("otp field should be dropped")
				}
				if m["department"] != "finance" {
					t.Error("benign field should survive")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, encodeExtra(tt.extra, tt.secret))
		})
	}
}
