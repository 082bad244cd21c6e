package token

import "testing"

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := Generate()
		if seen[tok] {
			t.Fatalf("duplicate token generated: %s", tok)
		}
		seen[tok] = true
		if !WellFormed(tok) {
			t.Fatalf("generated token %q is not well formed", tok)
		}
	}
}

func TestWellFormed(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"generated token", Generate(), true},
		{"empty", "", false},
		{"random string", "hello-world", false},
		{"truncated uuid", "550e8400-e29b-41d4-a716", false},
		{"uppercase uuid", "550E8400-E29B-41D4-A716-446655440000", true},
		{"sql injection shape", "' OR 1=1 --", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WellFormed(tt.token); got != tt.want {
				t.Errorf("WellFormed(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}
