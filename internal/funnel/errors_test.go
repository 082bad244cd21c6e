package funnel

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("connection refused")
	te := persistenceErr("record view", "tok-1", StageViewed, base)

	if got := KindOf(te); got != KindPersistence {
		t.Errorf("KindOf = %s, want persistence", got)
	}
	// Wrapped tracking errors still classify.
	if got := KindOf(fmt.Errorf("outer: %w", te)); got != KindPersistence {
		t.Errorf("KindOf(wrapped) = %s, want persistence", got)
	}
	// Unknown errors default to persistence so the boundary conceals them.
	if got := KindOf(base); got != KindPersistence {
		t.Errorf("KindOf(plain) = %s, want persistence", got)
	}
	if got := KindOf(&TrackingError{Kind: KindDuplicate, Op: "x"}); got != KindDuplicate {
		t.Errorf("KindOf(duplicate) = %s, want duplicate", got)
	}
}

func TestTrackingErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	te := persistenceErr("op", "tok", StageSubmitted, base)
	if !errors.Is(te, base) {
		t.Error("tracking error should unwrap to its cause")
	}
	msg := te.Error()
	if msg == "" {
		t.Fatal("empty error message")
	}
	for _, want := range []string{"op", "persistence", "tok", "submitted", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}
