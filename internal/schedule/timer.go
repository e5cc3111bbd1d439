// Package schedule implements the wall-clock-aligned periodic trigger shared
// by the bulk downloaders, the liveness notifier and the VP2 clock-sync duty.
//
// The contract: ticks are aligned so the first fires at the next instant where
// now % d == 0; every wake verifies the deadline has actually passed before
// the callback runs, so a spurious early wake rearms without advancing the
// deadline. Cancellation unblocks the wait with domain.ErrStopped, which
// callers treat as terminal.
package schedule

import (
	"context"
	"time"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// NextAligned returns the first instant strictly after now where the wall
// clock is a multiple of d (e.g. the next 20-minute mark).
func NextAligned(now time.Time, d time.Duration) time.Time {
	aligned := now.Truncate(d)
	if !aligned.After(now) {
		aligned = aligned.Add(d)
	}
	return aligned
}

// NextDaily returns the first instant strictly after now at hh:mm UTC.
func NextDaily(now time.Time, hh, mm int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// sleepUntil blocks until deadline has verifiably passed or ctx is cancelled.
// Clock adjustments and interrupted waits cause a re-arm, never an early fire.
func sleepUntil(ctx context.Context, deadline time.Time) error {
	for {
		now := time.Now()
		if !now.Before(deadline) {
			return nil
		}
		t := time.NewTimer(deadline.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return domain.ErrStopped
		case <-t.C:
			// Loop re-checks that the deadline actually passed.
		}
	}
}

// Sleep pauses for d, honoring cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleepUntil(ctx, time.Now().Add(d))
}

// Every invokes fn on every aligned tick of d until ctx is cancelled or fn
// returns an error. The tick's nominal deadline is passed to fn. A callback
// that overruns its period does not cause a burst of make-up ticks; the next
// deadline is realigned instead (catch-up is the downloaders' job, driven by
// their persisted cursors).
func Every(ctx context.Context, d time.Duration, fn func(context.Context, time.Time) error) error {
	deadline := NextAligned(time.Now(), d)
	for {
		if err := sleepUntil(ctx, deadline); err != nil {
			return err
		}
		if err := fn(ctx, deadline); err != nil {
			return err
		}
		deadline = deadline.Add(d)
		if now := time.Now(); deadline.Before(now) {
			deadline = NextAligned(now, d)
		}
	}
}

// EveryDaily invokes fn once a day at hh:mm UTC until cancelled.
func EveryDaily(ctx context.Context, hh, mm int, fn func(context.Context, time.Time) error) error {
	for {
		deadline := NextDaily(time.Now(), hh, mm)
		if err := sleepUntil(ctx, deadline); err != nil {
			return err
		}
		if err := fn(ctx, deadline); err != nil {
			return err
		}
	}
}
