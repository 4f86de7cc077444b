// Package ratelimit implements the sliding-window write quota shared by the
// analysis ledger and the alert dispatcher. It counts the timestamps of
// records already stored for a key instead of keeping its own counters.
package ratelimit

import (
	"time"

	"chainguard/internal/errs"
)

type Window struct {
	Limit int
	Span  time.Duration
}

// Count returns how many timestamps fall inside (now-Span, now]. Timestamps
// must be in append order, oldest first.
func (w Window) Count(timestamps []time.Time, now time.Time) int {
	cutoff := now.Add(-w.Span)
	n := 0
	for i := len(timestamps) - 1; i >= 0; i-- {
		ts := timestamps[i]
		if !ts.After(cutoff) {
			break
		}
		if ts.After(now) {
			continue
		}
		n++
	}
	return n
}

// Check fails with ErrRateLimited once the window already holds Limit records.
// A non-positive Limit disables the check.
func (w Window) Check(key string, timestamps []time.Time, now time.Time) error {
	if w.Limit <= 0 || w.Span <= 0 {
		return nil
	}
	if n := w.Count(timestamps, now); n >= w.Limit {
		return errs.RateLimited("%s: %d writes in the last %s (limit %d)", key, n, w.Span, w.Limit)
	}
	return nil
}
