// Package decay runs the periodic relevance sweep: every interval, each
// workspace's active memories get their relevance recomputed from recency
// and access signals, with conditional writes to avoid write amplification.
package decay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/scoring"
	"github.com/scrypster/memento/internal/workspace"
)

// Worker is the background decay sweeper. Start and Stop are safe to call
// once each; the sweep runs until Stop or context cancellation.
type Worker struct {
	control  *control.Store
	manager  *workspace.Manager
	interval time.Duration
	logger   *zap.Logger

	sweeps  prometheus.Counter
	updates prometheus.Counter

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWorker creates the decay worker. A nil registry disables sweep metrics.
func NewWorker(ctrl *control.Store, manager *workspace.Manager, interval time.Duration, registry *prometheus.Registry, logger *zap.Logger) (*Worker, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("control store is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Worker{
		control:  ctrl,
		manager:  manager,
		interval: interval,
		logger:   logger,
	}
	if registry != nil {
		factory := promauto.With(registry)
		w.sweeps = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "memento",
			Subsystem: "decay",
			Name:      "sweeps_total",
			Help:      "Completed decay sweep passes.",
		})
		w.updates = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "memento",
			Subsystem: "decay",
			Name:      "memories_updated_total",
			Help:      "Memories whose relevance a sweep rewrote.",
		})
	}
	return w, nil
}

// Start launches the periodic sweep.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("decay worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.loop(ctx)
	w.logger.Info("decay worker started", zap.Duration("interval", w.interval))
	return nil
}

// Stop halts the sweep and waits for an in-flight pass to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	w.logger.Info("decay worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Warn("decay sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one decay pass over every registered workspace. Exported so
// operators can trigger a pass outside the schedule.
func (w *Worker) Sweep(ctx context.Context) error {
	workspaces, err := w.control.AllWorkspaces(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, ws := range workspaces {
		updated, err := w.sweepWorkspace(ctx, &ws, now)
		if err != nil {
			// One broken workspace must not stall the rest.
			w.logger.Warn("workspace decay failed",
				zap.String("workspace", ws.Name), zap.Error(err))
			continue
		}
		if updated > 0 {
			w.logger.Debug("decayed workspace",
				zap.String("workspace", ws.Name), zap.Int("updated", updated))
		}
		if w.updates != nil {
			w.updates.Add(float64(updated))
		}
	}
	if w.sweeps != nil {
		w.sweeps.Inc()
	}
	return nil
}

// sweepWorkspace recomputes relevance for one workspace's active memories.
// Writes are conditional: an unchanged value issues no update, and a racing
// access-count bump only delays the next pass.
func (w *Worker) sweepWorkspace(ctx context.Context, ws *control.Workspace, now time.Time) (int, error) {
	store, err := w.manager.Get(ws.ID, ws.Name, ws.DBURL)
	if err != nil {
		return 0, err
	}

	memories, err := store.ActiveMemories(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range memories {
		m := &memories[i]
		relevance := scoring.DecayRelevance(m, now)
		changed, err := store.SetRelevance(ctx, m.ID, relevance)
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}
