package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventFunc is a callback for publishing retention events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// PruneReport holds the results of a single retention cycle.
type PruneReport struct {
	CycleNumber int       `json:"cycle_number"`
	StartedAt   time.Time `json:"started_at"`
	Cutoff      time.Time `json:"cutoff"`
	Duration    string    `json:"duration"`
	Pruned      int64     `json:"pruned"`
	Remaining   int       `json:"remaining"`
	Error       string    `json:"error,omitempty"`
}

// RetentionConfig holds retention worker configuration.
type RetentionConfig struct {
	Interval  time.Duration // how often to prune (default 1h)
	Retention time.Duration // keep entries younger than this (default 720h)
}

// Retainer periodically deletes journal entries past the retention window.
type Retainer struct {
	journal   *Journal
	onEvent   EventFunc
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	mu         sync.RWMutex
	lastReport *PruneReport
	cycleCount int
}

// NewRetainer creates a retention worker for j.
func NewRetainer(j *Journal, onEvent EventFunc, cfg RetentionConfig) *Retainer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Retainer{
		journal:   j,
		onEvent:   onEvent,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// Run prunes once immediately, then on every tick. Blocks until ctx is cancelled.
func (r *Retainer) Run(ctx context.Context) {
	slog.Info("journal retention started", "interval", r.interval, "retention", r.retention)

	r.PruneOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("journal retention stopping")
			return
		case <-ticker.C:
			r.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single retention cycle.
func (r *Retainer) PruneOnce(ctx context.Context) *PruneReport {
	r.mu.Lock()
	r.cycleCount++
	cycle := r.cycleCount
	r.mu.Unlock()

	start := r.now()
	report := &PruneReport{
		CycleNumber: cycle,
		StartedAt:   start,
		Cutoff:      start.Add(-r.retention),
	}

	pruned, err := r.journal.Prune(ctx, report.Cutoff)
	if err != nil {
		report.Error = err.Error()
		slog.Warn("journal retention: prune failed", "error", err)
	}
	report.Pruned = pruned

	if stats, err := r.journal.Stats(ctx); err == nil {
		report.Remaining = stats.Entries
	}
	report.Duration = time.Since(start).Round(time.Millisecond).String()

	r.mu.Lock()
	r.lastReport = report
	r.mu.Unlock()

	if report.Pruned > 0 || report.Error != "" {
		msg := fmt.Sprintf("Journal retention cycle %d: pruned %d entries, %d remaining",
			cycle, report.Pruned, report.Remaining)
		slog.Info("journal retention: cycle complete", "pruned", report.Pruned, "remaining", report.Remaining)
		r.emit("journal", msg)
	}
	return report
}

// LastReport returns the most recent retention report.
func (r *Retainer) LastReport() *PruneReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReport
}

func (r *Retainer) emit(typ, message string) {
	if r.onEvent != nil {
		r.onEvent(typ, message)
	}
}
