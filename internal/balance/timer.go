package balance

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// SyncTimer periodically rebuilds the ledger view.
type SyncTimer struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSyncTimer creates a timer that runs a full sync every interval.
func NewSyncTimer(manager *Manager, interval time.Duration, logger *slog.Logger) *SyncTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SyncTimer{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *SyncTimer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sync loop. Call in a goroutine.
func (t *SyncTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *SyncTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *SyncTimer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in ledger sync", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.manager.SyncAllExistingPayments(ctx); err != nil {
		t.logger.Warn("ledger sync failed", "error", err)
	}
}
