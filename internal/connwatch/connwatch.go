// Package connwatch tracks whether the bridge's outbound dependencies
// are reachable. The MQTT broker is the main one: autopaho reconnects
// on its own, but the status server needs a cheap answer to "is the
// broker up right now" without touching the connection manager on
// every request.
//
// A Watcher probes in two phases:
//  1. Startup: retries on the poller's backoff schedule (2s, 4s, 8s, ... capped)
//  2. Background: a fixed-interval probe that reports state transitions
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/varta-bridge/internal/backoff"
)

// ProbeFunc checks whether a dependency is reachable. Nil means healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// BaseDelay feeds [backoff.NextDelayCapped] during startup (default 1s).
	BaseDelay time.Duration

	// MaxDelay caps startup backoff (default 60s).
	MaxDelay time.Duration

	// StartupRetries bounds the startup phase (default 10).
	StartupRetries int

	// PollInterval is the background probe interval (default 30s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe (default 5s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the schedule used for the broker watcher.
func DefaultSchedule() Schedule {
	return Schedule{
		BaseDelay:      time.Second,
		MaxDelay:       backoff.DefaultCeiling,
		StartupRetries: 10,
		PollInterval:   30 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.BaseDelay <= 0 {
		s.BaseDelay = d.BaseDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.StartupRetries <= 0 {
		s.StartupRetries = d.StartupRetries
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Target names one dependency to watch.
type Target struct {
	Name     string
	Probe    ProbeFunc
	Schedule Schedule

	// OnReady and OnDown run in their own goroutine on each transition.
	OnReady func()
	OnDown  func(err error)
}

// Health is the JSON view of one watched dependency.
type Health struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one dependency until stopped.
type Watcher struct {
	target Target
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Ready reports the result of the most recent probe.
func (w *Watcher) Ready() bool { return w.ready.Load() }

// Health returns a snapshot for the status endpoint.
func (w *Watcher) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()

	h := Health{
		Name:      w.target.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		h.LastError = w.lastErr.Error()
	}
	return h
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	s := w.target.Schedule

	for attempt := 1; attempt <= s.StartupRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("dependency reachable", "dependency", w.target.Name, "attempts", attempt)
			break
		}
		if attempt == s.StartupRetries {
			w.logger.Warn("dependency unreachable at startup, continuing in background",
				"dependency", w.target.Name, "attempts", attempt, "error", err)
			break
		}
		delay := backoff.NextDelayCapped(attempt, s.BaseDelay, s.MaxDelay)
		w.logger.Debug("dependency probe failed, retrying",
			"dependency", w.target.Name, "attempt", attempt, "next_delay", delay, "error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
	}

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe, records it, and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.target.Schedule.ProbeTimeout)
	err := w.target.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	was := w.ready.Swap(err == nil)
	switch {
	case was && err != nil:
		w.logger.Warn("dependency became unreachable", "dependency", w.target.Name, "error", err)
		if w.target.OnDown != nil {
			go w.target.OnDown(err)
		}
	case !was && err == nil:
		w.logger.Info("dependency ready", "dependency", w.target.Name)
		if w.target.OnReady != nil {
			go w.target.OnReady()
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers keyed by name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher for t. It runs until ctx is cancelled or
// [Manager.Stop] is called. Watching a name twice is an error.
func (m *Manager) Watch(ctx context.Context, t Target) (*Watcher, error) {
	if t.Name == "" || t.Probe == nil {
		return nil, fmt.Errorf("connwatch: target needs a name and a probe")
	}
	t.Schedule = t.Schedule.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[t.Name]; ok {
		return nil, fmt.Errorf("connwatch: %q already watched", t.Name)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		target: t,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.watchers[t.Name] = w
	go w.run(watchCtx)
	return w, nil
}

// Ready reports whether every watched dependency is ready. An empty
// manager is ready.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.Ready() {
			return false
		}
	}
	return true
}

// Health returns every watcher's snapshot, sorted by name.
func (m *Manager) Health() []Health {
	m.mu.RLock()
	out := make([]Health, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Health())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.Stop()
	}
}
