// Package orchestrator reconciles the sessions owned by this device into
// running stream watchers.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentstream/internal/chunklog"
	"github.com/kandev/agentstream/internal/common/logger"
	"github.com/kandev/agentstream/internal/orchestrator/watcher"
	"github.com/kandev/agentstream/internal/ownership"
	"github.com/kandev/agentstream/internal/session/host"
	"github.com/kandev/agentstream/internal/session/state"
)

// Identity selects the ownership rows this process serves.
type Identity struct {
	OrganizationID string
	DeviceID       string
}

// Config configures a Manager.
type Config struct {
	Identity Identity
	Feed     ownership.Feed
	Log      chunklog.Client
	Store    *state.Store
	Executor watcher.Executor
	Defaults watcher.Defaults

	ProducerOptions chunklog.ProducerOptions
	FlushTimeout    time.Duration
	StartTimeout    time.Duration
}

// SessionStatus describes one watched session.
type SessionStatus struct {
	state.Snapshot
	Cwd          string `json:"cwd"`
	Status       string `json:"status"`
	// HistoryRunID is the newest run id in the session's log. It differs
	// from RunID after a failed run was invalidated.
	HistoryRunID string `json:"history_run_id,omitempty"`
}

// Manager keeps one watcher per owned session.
type Manager struct {
	cfg    Config
	base   *logger.Logger
	logger *logger.Logger

	// lifecycle serializes Start, Stop and Restart.
	lifecycle sync.Mutex

	mu         sync.Mutex
	identity   Identity
	running    bool
	generation uint64
	runCtx     context.Context
	cancel     context.CancelFunc
	watch      ownership.Watch
	watchers   map[string]*watcher.Watcher

	starts sync.WaitGroup
}

// NewManager creates a stopped manager.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		identity: cfg.Identity,
		base:     log,
		logger:   log.WithFields(zap.String("component", "agent-manager")),
		watchers: make(map[string]*watcher.Watcher),
	}
}

// Identity returns the identity currently served.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Start opens the ownership feed and reconciles its initial snapshot.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.start(ctx)
}

func (m *Manager) start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	identity := m.identity
	m.runCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.running = true
	m.mu.Unlock()

	m.logger.Info("starting agent manager",
		zap.String("organization_id", identity.OrganizationID),
		zap.String("device_id", identity.DeviceID))

	watch, err := m.cfg.Feed.Watch(ctx, identity.OrganizationID, func(rows []ownership.Row) {
		m.reconcile(gen, rows)
	})
	if err != nil {
		_ = m.stop()
		return err
	}

	m.mu.Lock()
	m.watch = watch
	m.mu.Unlock()
	return nil
}

// Stop closes the feed and every watcher.
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.stop()
}

func (m *Manager) stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.generation++
	watch := m.watch
	cancel := m.cancel
	watchers := m.watchers
	m.watch = nil
	m.cancel = nil
	m.watchers = make(map[string]*watcher.Watcher)
	m.mu.Unlock()

	var errs []error
	if watch != nil {
		if err := watch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	cancel()

	var g errgroup.Group
	for _, w := range watchers {
		g.Go(w.Stop)
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	m.starts.Wait()

	m.logger.Info("agent manager stopped", zap.Int("watchers", len(watchers)))
	return errors.Join(errs...)
}

// Restart serves a new identity.
func (m *Manager) Restart(ctx context.Context, identity Identity) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if err := m.stop(); err != nil {
		m.logger.Warn("error stopping agent manager for restart", zap.Error(err))
	}
	m.mu.Lock()
	m.identity = identity
	m.mu.Unlock()
	return m.start(ctx)
}

// reconcile makes the watcher set match the rows owned by this device.
func (m *Manager) reconcile(gen uint64, rows []ownership.Row) {
	m.mu.Lock()
	if !m.running || gen != m.generation {
		m.mu.Unlock()
		return
	}
	desired := make(map[string]ownership.Row)
	for _, r := range rows {
		if r.DeviceID == m.identity.DeviceID {
			desired[r.SessionID] = r
		}
	}

	var stale []*watcher.Watcher
	for id, w := range m.watchers {
		row, ok := desired[id]
		if !ok || row.Cwd != w.Cwd() {
			stale = append(stale, w)
			delete(m.watchers, id)
		}
	}

	var toStart []*watcher.Watcher
	for id, row := range desired {
		w, ok := m.watchers[id]
		if !ok {
			w = m.newWatcher(row)
			m.watchers[id] = w
		}
		if w.Status() == watcher.StatusIdle {
			toStart = append(toStart, w)
		}
	}
	m.mu.Unlock()

	for _, w := range stale {
		if err := w.Stop(); err != nil {
			m.logger.Warn("failed to stop stale watcher",
				zap.String("session_id", w.SessionID()), zap.Error(err))
		}
		// A replaced watcher keeps the session; only drop its entries when
		// the session left this device.
		if _, kept := desired[w.SessionID()]; !kept {
			m.cfg.Store.Clear(w.SessionID())
		}
	}

	m.mu.Lock()
	if m.running && gen == m.generation {
		for _, w := range toStart {
			m.starts.Add(1)
			go m.startWatcher(m.runCtx, w)
		}
	}
	m.mu.Unlock()

	if len(stale) > 0 || len(toStart) > 0 {
		m.logger.Info("ownership reconciled",
			zap.Int("owned", len(desired)),
			zap.Int("starting", len(toStart)),
			zap.Int("stopped", len(stale)))
	}
}

func (m *Manager) newWatcher(row ownership.Row) *watcher.Watcher {
	return watcher.New(watcher.Config{
		SessionID: row.SessionID,
		Cwd:       row.Cwd,
		NewHost: func() watcher.SessionHost {
			return host.New(host.Config{
				SessionID:       row.SessionID,
				Cwd:             row.Cwd,
				Log:             m.cfg.Log,
				Store:           m.cfg.Store,
				ProducerOptions: m.cfg.ProducerOptions,
				FlushTimeout:    m.cfg.FlushTimeout,
			}, m.base)
		},
		Executor:     m.cfg.Executor,
		Store:        m.cfg.Store,
		Defaults:     m.cfg.Defaults,
		StartTimeout: m.cfg.StartTimeout,
	}, m.base)
}

func (m *Manager) startWatcher(ctx context.Context, w *watcher.Watcher) {
	defer m.starts.Done()
	if err := w.Start(ctx); err != nil {
		if errors.Is(err, watcher.ErrStopped) || ctx.Err() != nil {
			return
		}
		// Retried on the next snapshot.
		m.logger.Warn("failed to start stream watcher",
			zap.String("session_id", w.SessionID()), zap.Error(err))
	}
}

// Watcher returns the watcher of a session.
func (m *Manager) Watcher(sessionID string) (*watcher.Watcher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watchers[sessionID]
	return w, ok
}

// Sessions lists the watched sessions sorted by id.
func (m *Manager) Sessions() []SessionStatus {
	m.mu.Lock()
	watchers := make([]*watcher.Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	out := make([]SessionStatus, 0, len(watchers))
	for _, w := range watchers {
		out = append(out, SessionStatus{
			Snapshot:     m.cfg.Store.Snapshot(w.SessionID()),
			Cwd:          w.Cwd(),
			Status:       w.Status().String(),
			HistoryRunID: w.HistoryRunID(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
