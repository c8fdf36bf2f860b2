package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/size-ruler/internal/config"
)

// IndexRebuilder rebuilds a scope's rank index from the record store
type IndexRebuilder interface {
	ListScopes(ctx context.Context) ([]int64, error)
	RebuildIndex(ctx context.Context, scopeID int64) (int, error)
}

// SyncWorker periodically resyncs the rank index from the record store,
// which is the source of truth
type SyncWorker struct {
	board   IndexRebuilder
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// CycleStats summarizes one rebuild pass
type CycleStats struct {
	Scopes  int
	Members int
	Errors  int
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(board IndexRebuilder, cfg *config.SyncConfig, logger *slog.Logger) *SyncWorker {
	return &SyncWorker{
		board:  board,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background rebuild loop
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background loop and waits for it to exit
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce rebuilds every scope's index. Failures are logged per scope and
// the pass continues with the next one.
func (w *SyncWorker) RunOnce(ctx context.Context) CycleStats {
	w.logger.Info("starting index rebuild cycle")
	startTime := time.Now()

	var stats CycleStats
	scopes, err := w.board.ListScopes(ctx)
	if err != nil {
		w.logger.Error("failed to list scopes for rebuild", "error", err)
		stats.Errors++
		return stats
	}

	for _, scopeID := range scopes {
		if ctx.Err() != nil {
			break
		}
		n, err := w.board.RebuildIndex(ctx, scopeID)
		if err != nil {
			w.logger.Error("failed to rebuild scope index",
				"scope_id", scopeID,
				"error", err,
			)
			stats.Errors++
			continue
		}
		stats.Scopes++
		stats.Members += n
	}

	w.logger.Info("index rebuild cycle completed",
		"duration", time.Since(startTime),
		"scopes", stats.Scopes,
		"members", stats.Members,
		"errors", stats.Errors,
	)
	return stats
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
