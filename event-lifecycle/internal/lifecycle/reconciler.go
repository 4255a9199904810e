package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type ReconcilerConfig struct {
	Interval  time.Duration
	BatchSize int
	Logger    zerolog.Logger
}

// RunReconciler calls Reconcile every Interval until ctx is cancelled. A full batch is
// followed immediately by the next one.
func RunReconciler(ctx context.Context, mgr *Manager, cfg ReconcilerConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 20
	}

	for {
		if ctx.Err() != nil {
			return
		}
		report, err := mgr.Reconcile(ctx, batch)
		if err != nil && ctx.Err() == nil {
			cfg.Logger.Error().Err(err).Msg("reconcile scheduling")
		}
		if report.Attempted > 0 {
			cfg.Logger.Info().Int("attempted", report.Attempted).Int("recovered", report.Recovered).Msg("reconcile pass")
		}
		if err == nil && report.Attempted == batch && report.Recovered > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
