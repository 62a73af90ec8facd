package service

import (
	"context"
	"log/slog"
	"time"
)

type RecoveryConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// RecoveryWorker periodically resumes external transfers whose process died
// between the debit and the gateway's answer.
type RecoveryWorker struct {
	transfers *TransferService
	cfg       RecoveryConfig
	logger    *slog.Logger
}

func NewRecoveryWorker(transfers *TransferService, cfg RecoveryConfig, logger *slog.Logger) *RecoveryWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &RecoveryWorker{transfers: transfers, cfg: cfg, logger: logger}
}

func (w *RecoveryWorker) RunOnce(ctx context.Context) (int, error) {
	return w.transfers.ResumeStale(ctx, w.cfg.StaleAfter, w.cfg.BatchSize)
}

func (w *RecoveryWorker) Run(ctx context.Context) error {
	w.logger.Info("Recovery worker started", "interval", w.cfg.Interval, "stale_after", w.cfg.StaleAfter)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Recovery worker stopped")
			return nil
		case <-ticker.C:
			n, err := w.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("Recovery sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("Recovered stale transfers", "count", n)
			}
		}
	}
}
