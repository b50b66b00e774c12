// Package scheduler runs recurring maintenance: pruning old failure records
// and sweeping stale temp artifacts on a cron cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/reencodarr/internal/config"
	"github.com/jmylchreest/reencodarr/internal/postprocess"
	"github.com/jmylchreest/reencodarr/internal/repository"
)

// Maintenance schedules the periodic cleanup job.
type Maintenance struct {
	mu sync.Mutex

	cfg      config.MaintenanceConfig
	failures repository.FailureRepository
	tempDir  string
	logger   *slog.Logger

	cron *cron.Cron
}

// NewMaintenance creates the maintenance scheduler.
func NewMaintenance(
	cfg config.MaintenanceConfig,
	failures repository.FailureRepository,
	tempDir string,
	logger *slog.Logger,
) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		cfg:      cfg,
		failures: failures,
		tempDir:  tempDir,
		logger:   logger.With("component", "maintenance"),
	}
}

// Start registers the cron entry and begins scheduling. A disabled
// configuration is a no-op.
func (m *Maintenance) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("maintenance disabled")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("maintenance scheduler already started")
	}

	// Six-field expressions with a seconds column.
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(m.cfg.Cron, func() { m.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid maintenance cron %q: %w", m.cfg.Cron, err)
	}
	c.Start()
	m.cron = c

	m.logger.Info("maintenance scheduled",
		"cron", m.cfg.Cron,
		"failure_retention", m.cfg.FailureRetention,
	)
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		m.logger.Info("maintenance stopped")
	}
}

// RunOnce executes one maintenance pass immediately.
func (m *Maintenance) RunOnce(ctx context.Context) {
	start := time.Now()

	cutoff := time.Now().Add(-m.cfg.FailureRetention)
	pruned, err := m.failures.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.Error("pruning failure records", "error", err)
	}

	removed, err := postprocess.CleanTempDir(m.logger, m.tempDir)
	if err != nil {
		m.logger.Warn("temp directory sweep failed", "error", err)
	}

	m.logger.Info("maintenance pass complete",
		"pruned_failures", pruned,
		"removed_artifacts", removed,
		"elapsed", time.Since(start),
	)
}
