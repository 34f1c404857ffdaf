// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cleanup reaps stale executions and enforces run retention.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/runway/internal/log"
	"github.com/tombee/runway/internal/metrics"
	"github.com/tombee/runway/internal/store"
)

// Defaults used when the config leaves a knob unset.
const (
	DefaultRetention      = 30 * 24 * time.Hour
	DefaultInterval       = 24 * time.Hour
	DefaultStaleThreshold = time.Hour
)

// Config controls the sweep schedule and windows.
type Config struct {
	// Retention is how long terminal runs and executions are kept.
	Retention time.Duration
	// Interval is the delay between sweeps.
	Interval time.Duration
	// StaleThreshold is how long an execution may sit in running
	// before it is presumed orphaned by a crashed worker.
	StaleThreshold time.Duration
	// OnStartup runs one sweep immediately when Start is called.
	OnStartup bool
}

// Report summarizes one sweep.
type Report struct {
	StaleReaped       int   `json:"stale_reaped"`
	RunsDeleted       int64 `json:"runs_deleted"`
	ExecutionsDeleted int64 `json:"executions_deleted"`
}

// Manager owns the periodic sweep loop.
type Manager struct {
	store          store.Store
	logger         *slog.Logger
	retention      time.Duration
	interval       time.Duration
	staleThreshold time.Duration
	onStartup      bool
}

// New creates a cleanup manager, filling unset config with defaults.
func New(cfg Config, st store.Store, logger *slog.Logger) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}

	return &Manager{
		store:          st,
		logger:         log.WithComponent(logger, "cleanup"),
		retention:      cfg.Retention,
		interval:       cfg.Interval,
		staleThreshold: cfg.StaleThreshold,
		onStartup:      cfg.OnStartup,
	}
}

// Start runs sweeps on the configured interval until the context is
// cancelled. Sweep failures are logged, never fatal.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("cleanup loop started",
		"interval", m.interval.String(),
		"retention", m.retention.String())

	if m.onStartup {
		m.sweep(ctx)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("cleanup loop stopped")
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	report, err := m.RunOnce(ctx)
	if err != nil {
		m.logger.Error("cleanup sweep failed", "error", err)
		return
	}
	if report.StaleReaped > 0 || report.RunsDeleted > 0 || report.ExecutionsDeleted > 0 {
		m.logger.Info("cleanup sweep finished",
			"stale_reaped", report.StaleReaped,
			"runs_deleted", report.RunsDeleted,
			"executions_deleted", report.ExecutionsDeleted)
	}
}

// RunOnce performs one full sweep: reap stale executions, then delete
// terminal runs and executions past retention. Partial progress counts;
// a later phase failing does not undo an earlier one.
func (m *Manager) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}
	now := time.Now().UTC()

	reaped, err := m.reapStale(ctx, now.Add(-m.staleThreshold))
	report.StaleReaped = reaped
	if err != nil {
		return report, err
	}

	cutoff := now.Add(-m.retention)

	runsDeleted, err := m.store.DeleteTerminalRunsBefore(ctx, cutoff)
	report.RunsDeleted = runsDeleted
	if err != nil {
		return report, fmt.Errorf("retention sweep (runs): %w", err)
	}
	metrics.RecordCleanup("runs", float64(runsDeleted))

	execsDeleted, err := m.store.DeleteTerminalExecutionsBefore(ctx, cutoff)
	report.ExecutionsDeleted = execsDeleted
	if err != nil {
		return report, fmt.Errorf("retention sweep (executions): %w", err)
	}
	metrics.RecordCleanup("executions", float64(execsDeleted))

	return report, nil
}

// reapStale force-fails executions stuck in running past the threshold,
// along with their owning runs. Workers crash; their rows should not
// stay running forever.
func (m *Manager) reapStale(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := m.store.ListStaleExecutions(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("list stale executions: %w", err)
	}

	reaped := 0
	for _, exec := range stale {
		now := time.Now().UTC()
		exec.Status = store.ExecutionStatusFailed
		exec.Error = &store.RunError{
			Kind:    "timeout",
			Code:    "EXECUTION_STALE",
			Message: "execution abandoned: no progress past stale threshold",
		}
		exec.CompletedAt = &now

		if err := m.store.UpdateExecution(ctx, exec); err != nil {
			m.logger.Error("failed to reap stale execution", "execution_id", exec.ID, "error", err)
			continue
		}
		reaped++
		metrics.RecordCleanup("stale_executions", 1)
		m.logger.Warn("reaped stale execution",
			"execution_id", exec.ID, log.RunIDKey, exec.RunID)

		m.failOrphanedRun(ctx, exec.RunID)
	}

	return reaped, nil
}

// failOrphanedRun settles the run that owned a reaped execution. The
// guarded update keeps a terminal state written by a surviving worker.
func (m *Manager) failOrphanedRun(ctx context.Context, runID string) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("failed to load run for stale execution", log.RunIDKey, runID, "error", err)
		}
		return
	}
	if run.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	run.Status = store.RunStatusFailed
	run.Error = &store.RunError{
		Kind:    "timeout",
		Code:    "EXECUTION_STALE",
		Message: "run abandoned by its worker",
	}
	run.CompletedAt = &now

	err = m.store.UpdateRun(ctx, run, store.RunStatusQueued, store.RunStatusRunning)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		m.logger.Error("failed to fail orphaned run", log.RunIDKey, runID, "error", err)
	}
}
