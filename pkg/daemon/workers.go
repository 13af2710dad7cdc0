package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/denizumutdereli/kairos/pkg/concurrency"
	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/lifecycle"
)

// DaemonManager runs the background persist and consolidation loops.
// Everything goes through the worker so daemons never race a turn.
type DaemonManager struct {
	worker  *concurrency.Worker
	tracker *lifecycle.Tracker

	persistInterval     time.Duration
	consolidateInterval time.Duration
	intervalMu          sync.RWMutex

	// Activity snapshot at the last successful persist.
	persistedAt uint64

	persists       uint64
	consolidations uint64
	merges         uint64
	statsMu        sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemonManager creates a daemon manager. tracker may be nil, in which
// case the worker's tracker is used; with neither, every tick persists and
// consolidation never waits for quiet.
func NewDaemonManager(worker *concurrency.Worker, tracker *lifecycle.Tracker, cfg core.DaemonConfig) *DaemonManager {
	ctx, cancel := context.WithCancel(context.Background())
	if tracker == nil {
		tracker = worker.Tracker()
	}

	dm := &DaemonManager{
		worker:              worker,
		tracker:             tracker,
		persistInterval:     cfg.PersistInterval,
		consolidateInterval: cfg.ConsolidateInterval,
		ctx:                 ctx,
		cancel:              cancel,
	}
	if dm.persistInterval <= 0 {
		dm.persistInterval = time.Minute
	}
	if dm.consolidateInterval <= 0 {
		dm.consolidateInterval = 10 * time.Minute
	}
	if tracker != nil {
		dm.persistedAt = tracker.Activity()
	}
	return dm
}

// Start starts all daemon workers
func (dm *DaemonManager) Start() {
	dm.wg.Add(2)

	go dm.persistDaemon()
	go dm.consolidateDaemon()

	slog.Info("daemon manager started",
		"persist_interval", dm.getPersistInterval(),
		"consolidate_interval", dm.getConsolidateInterval())
}

// Stop stops all daemons gracefully. Stop the daemons before the worker
// so the final persist can still be submitted.
func (dm *DaemonManager) Stop() {
	dm.cancel()
	dm.wg.Wait()
	slog.Info("daemon manager stopped")
}

// persistDaemon saves whenever turns arrived since the last save.
func (dm *DaemonManager) persistDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getPersistInterval()) {
		dm.persist(dm.ctx)
	}

	// Final persist on shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dm.persist(ctx)
}

func (dm *DaemonManager) persist(ctx context.Context) {
	var snapshot uint64
	if dm.tracker != nil {
		snapshot = dm.tracker.Activity()
		dm.statsMu.Lock()
		dirty := snapshot != dm.persistedAt
		dm.statsMu.Unlock()
		if !dirty {
			return
		}
	}
	if err := dm.worker.Save(ctx); err != nil {
		slog.Warn("persist daemon: save failed", "error", err)
		return
	}
	dm.statsMu.Lock()
	dm.persistedAt = snapshot
	dm.persists++
	dm.statsMu.Unlock()
	slog.Debug("persist daemon: state saved")
}

// consolidateDaemon merges drifting families while the conversation is
// quiet, like sleep consolidation.
func (dm *DaemonManager) consolidateDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getConsolidateInterval()) {
		if dm.tracker != nil && !dm.tracker.Quiet() {
			continue
		}
		merges, err := dm.worker.Consolidate(dm.ctx)
		if err != nil {
			slog.Warn("consolidate daemon: consolidation failed", "error", err)
			continue
		}
		dm.statsMu.Lock()
		dm.consolidations++
		dm.merges += uint64(len(merges))
		dm.statsMu.Unlock()
		if len(merges) > 0 {
			slog.Info("consolidate daemon: families merged", "merges", len(merges))
		}
	}
}

func (dm *DaemonManager) waitInterval(interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-dm.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (dm *DaemonManager) getConsolidateInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.consolidateInterval
}

func (dm *DaemonManager) getPersistInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.persistInterval
}

// SetIntervals configures daemon intervals. Non-positive values are
// ignored. Running loops pick them up on their next wait.
func (dm *DaemonManager) SetIntervals(persist, consolidate time.Duration) {
	dm.intervalMu.Lock()
	defer dm.intervalMu.Unlock()
	if persist > 0 {
		dm.persistInterval = persist
	}
	if consolidate > 0 {
		dm.consolidateInterval = consolidate
	}
}

// Stats returns daemon statistics
func (dm *DaemonManager) Stats() map[string]any {
	dm.intervalMu.RLock()
	st := map[string]any{
		"persist_interval":     dm.persistInterval.String(),
		"consolidate_interval": dm.consolidateInterval.String(),
	}
	dm.intervalMu.RUnlock()

	dm.statsMu.Lock()
	st["persists"] = dm.persists
	st["consolidations"] = dm.consolidations
	st["merges"] = dm.merges
	dm.statsMu.Unlock()

	if dm.tracker != nil {
		st["lifecycle"] = dm.tracker.Stats()
	}
	return st
}
