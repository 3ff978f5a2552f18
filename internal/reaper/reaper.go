// Package reaper runs the periodic sweeps the gateway needs between
// requests: evicting idle rate-limit windows and expired credentials.
// Neither the registry nor the code store need sweeping — every write there
// is either a current record or an immutable version, never a TTL'd entry.
package reaper

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/gated-run/gated/internal/auth"
	"github.com/gated-run/gated/internal/ratelimit"
)

// DefaultSchedule runs the sweep once a minute.
const DefaultSchedule = "@every 1m"

// Status is the outcome of one sweep, returned by RunNow and logged after
// every scheduled tick.
type Status struct {
	CredentialsExpired int
}

// Reaper periodically evicts idle rate-limit windows and expired credentials.
type Reaper struct {
	limiter     *ratelimit.Composite
	credentials *auth.Store
	cron        *cron.Cron
}

// New creates a Reaper. credentials may be nil when no credential store is
// configured (e.g. all endpoints are public).
func New(limiter *ratelimit.Composite, credentials *auth.Store) *Reaper {
	return &Reaper{
		limiter:     limiter,
		credentials: credentials,
		cron:        cron.New(),
	}
}

// Start schedules the sweep on schedule (a cron.Parser spec, e.g.
// "@every 1m") and begins running it in the background.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		status := r.tick(ctx)
		slog.Info("reaper: tick complete", "credentials_expired", status.CredentialsExpired)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for any in-flight tick to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// RunNow triggers an immediate sweep outside the schedule, returning its result.
func (r *Reaper) RunNow(ctx context.Context) Status {
	return r.tick(ctx)
}

func (r *Reaper) tick(ctx context.Context) Status {
	var status Status

	r.safeRun("evictIdleWindows", func() {
		if r.limiter != nil {
			r.limiter.EvictExpired()
		}
	})

	r.safeRun("sweepExpiredCredentials", func() {
		if r.credentials == nil {
			return
		}
		n, err := r.credentials.SweepExpired(ctx)
		if err != nil {
			slog.Error("reaper: failed to sweep expired credentials", "error", err)
			return
		}
		status.CredentialsExpired = n
	})

	return status
}

// safeRun isolates a sweep task's panic so one failing task doesn't skip the rest.
func (r *Reaper) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reaper: task panicked", "task", name, "panic", rec)
		}
	}()
	fn()
}
