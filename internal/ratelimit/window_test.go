package ratelimit

import (
	"errors"
	"testing"
	"time"

	"chainguard/internal/errs"
)

func TestWindowCountsTrailingSpan(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Limit: 3, Span: time.Hour}
	stamps := []time.Time{
		base,
		base.Add(30 * time.Minute),
		base.Add(50 * time.Minute),
		base.Add(70 * time.Minute),
	}
	now := base.Add(80 * time.Minute)
	if got := w.Count(stamps, now); got != 3 {
		t.Fatalf("expected 3 in window, got %d", got)
	}
	if err := w.Check("c", stamps, now); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if err := w.Check("c", stamps, base.Add(100*time.Minute)); err != nil {
		t.Fatalf("expected allowance after oldest entry left window, got %v", err)
	}
}

func TestWindowBoundaryExcludesCutoff(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Limit: 1, Span: time.Hour}
	stamps := []time.Time{base}
	if err := w.Check("c", stamps, base.Add(time.Hour)); err != nil {
		t.Fatalf("record exactly one span old should have expired: %v", err)
	}
	if err := w.Check("c", stamps, base.Add(59*time.Minute)); err == nil {
		t.Fatalf("expected rate limit inside span")
	}
}

func TestWindowDisabled(t *testing.T) {
	w := Window{}
	if err := w.Check("c", []time.Time{time.Now()}, time.Now()); err != nil {
		t.Fatalf("zero window must not limit: %v", err)
	}
}
