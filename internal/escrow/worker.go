package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/retry"
)

const intentBatchSize = 50

// ReleaseWorker retries the releases that Complete could not finish.
type ReleaseWorker struct {
	service  *Service
	store    Store
	interval time.Duration
	policy   retry.Policy
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReleaseWorker creates a worker that runs every interval.
func NewReleaseWorker(service *Service, interval time.Duration, logger *slog.Logger) *ReleaseWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	policy := retry.DefaultPolicy
	policy.Stop = releaseStop
	return &ReleaseWorker{
		service:  service,
		store:    service.store,
		interval: interval,
		policy:   policy,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the worker loop is actively running.
func (w *ReleaseWorker) Running() bool {
	return w.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
func (w *ReleaseWorker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *ReleaseWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *ReleaseWorker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in release worker", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Warn("release worker run failed", "error", err)
	}
}

// RunOnce processes one batch of pending intents and returns how many were
// resolved.
func (w *ReleaseWorker) RunOnce(ctx context.Context) (int, error) {
	intents, err := w.store.ListPendingIntents(ctx, intentBatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, ri := range intents {
		err := retry.Do(ctx, w.policy, func() error {
			return w.service.ProcessIntent(ctx, ri)
		})
		if err != nil {
			w.logger.Warn("release intent still pending", "intent_id", ri.ID,
				"contract_id", ri.ContractID, "attempts", ri.Attempts+1, "error", err)
			continue
		}
		resolved++
	}
	if resolved > 0 {
		w.logger.Info("release intents resolved", "count", resolved)
	}
	return resolved, nil
}

// releaseStop reports release failures that another attempt in the same run
// cannot fix. The intent stays pending for the next tick.
func releaseStop(err error) bool {
	return errors.Is(err, apperr.ErrInvalidState) ||
		errors.Is(err, apperr.ErrNotFound) ||
		payments.Definitive(err)
}
