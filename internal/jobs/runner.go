package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telemyapp/dwarf-link/internal/metrics"
)

// StreamAuditor re-verifies relay paths for connected devices.
type StreamAuditor interface {
	AuditStreams(ctx context.Context) (checked, failed int)
}

// RetentionStore deletes audit rows and device state past their retention.
type RetentionStore interface {
	CleanupExpiredConnectionEvents(ctx context.Context, retention time.Duration) (int64, error)
	PruneStaleDevices(ctx context.Context, retention time.Duration) (int64, error)
}

type job struct {
	name     string
	interval time.Duration
	fn       func(context.Context) error
}

type Runner struct {
	log  *slog.Logger
	jobs []job
}

func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log}
}

// Add registers fn to run immediately on Start and then every interval.
func (r *Runner) Add(name string, interval time.Duration, fn func(context.Context) error) {
	r.jobs = append(r.jobs, job{name: name, interval: interval, fn: fn})
}

func (r *Runner) Start(ctx context.Context) {
	for _, j := range r.jobs {
		go r.runEvery(ctx, j.name, j.interval, j.fn)
	}
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		r.log.Error("job run failed", "event", "job_run", "job", name, "status", "error", "duration_ms", int64(durMs), "err", err)
		labels["status"] = "error"
		metrics.Default().IncCounter("dwarf_job_runs_total", labels)
		metrics.Default().ObserveHistogram("dwarf_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	r.log.Info("job run", "event", "job_run", "job", name, "status", "ok", "duration_ms", int64(durMs))
	labels["status"] = "ok"
	metrics.Default().IncCounter("dwarf_job_runs_total", labels)
	metrics.Default().ObserveHistogram("dwarf_job_duration_ms", durMs, map[string]string{"job": name})
}

// StreamAudit fails the run when any checked device could not be repaired.
func StreamAudit(a StreamAuditor) func(context.Context) error {
	return func(ctx context.Context) error {
		checked, failed := a.AuditStreams(ctx)
		if failed > 0 {
			return fmt.Errorf("relay audit: %d of %d devices not configured", failed, checked)
		}
		return nil
	}
}

func EventRetention(st RetentionStore, retention time.Duration, log *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := st.CleanupExpiredConnectionEvents(ctx, retention)
		if err != nil {
			return fmt.Errorf("cleanup connection events: %w", err)
		}
		log.Info("connection events expired", "event", "events_expired", "deleted", n)
		return nil
	}
}

func StatePrune(st RetentionStore, retention time.Duration, log *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := st.PruneStaleDevices(ctx, retention)
		if err != nil {
			return fmt.Errorf("prune device state: %w", err)
		}
		log.Info("stale device state pruned", "event", "devices_pruned", "deleted", n)
		return nil
	}
}
