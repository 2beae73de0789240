package worker

import (
	"context"
	"sync"
	"time"

	"github.com/numberbet/backend/internal/config"
	"github.com/numberbet/backend/internal/services"
	"go.uber.org/zap"
)

type OpenWagerSweeper interface {
	SweepOpenWagers(ctx context.Context, limit int) (*services.SweepResult, error)
}

type OrphanReconciler interface {
	ReconcileOrphanDebits(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Sweeper periodically finishes work that a crash or a failed payout left behind:
// open wagers on completed or cancelled rounds, and stake debits without a wager.
type Sweeper struct {
	settlement     OpenWagerSweeper
	wagers         OrphanReconciler
	interval       time.Duration
	batch          int
	reconcileAfter time.Duration
	runTimeout     time.Duration
	log            *zap.Logger
}

func NewSweeper(settlement OpenWagerSweeper, wagers OrphanReconciler, cfg *config.SettlementConfig, log *zap.Logger) *Sweeper {
	return &Sweeper{
		settlement:     settlement,
		wagers:         wagers,
		interval:       cfg.SweepInterval,
		batch:          cfg.SweepBatch,
		reconcileAfter: cfg.ReconcileAfter,
		runTimeout:     cfg.SweepInterval,
		log:            log.Named("sweeper"),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer wg.Done()
		defer ticker.Stop()

		s.log.Info("sweeper started", zap.Duration("interval", s.interval), zap.Int("batch", s.batch))
		for {
			select {
			case <-ctx.Done():
				s.log.Info("sweeper stopped")
				return
			case <-ticker.C:
				c, cancel := context.WithTimeout(ctx, s.runTimeout)
				s.RunOnce(c)
				cancel()
			}
		}
	}()
}

// RunOnce performs a single pass. Failures are logged and retried on the next tick.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if recovered, err := s.wagers.ReconcileOrphanDebits(ctx, s.reconcileAfter, s.batch); err != nil {
		s.log.Warn("sweeper: reconcile orphan debits failed", zap.Error(err))
	} else if recovered > 0 {
		s.log.Info("sweeper: orphan debits recovered", zap.Int("count", recovered))
	}

	result, err := s.settlement.SweepOpenWagers(ctx, s.batch)
	if err != nil {
		s.log.Warn("sweeper: sweep open wagers failed", zap.Error(err))
		return
	}
	if result.RoundsSettled+result.RoundsRefunded+result.Failures > 0 {
		s.log.Info("sweeper: pass finished",
			zap.Int("rounds_settled", result.RoundsSettled),
			zap.Int("rounds_refunded", result.RoundsRefunded),
			zap.Int("wagers_refunded", result.WagersRefunded),
			zap.Int("failures", result.Failures),
		)
	}
}
