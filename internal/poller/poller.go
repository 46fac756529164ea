// Package poller drives the fetch-map-publish loop. Each cycle obtains
// a session, reads the battery's JSON document, maps it onto the
// configured sensors and publishes one message per measurement. Failed
// cycles raise the shared error counter, which stretches the wait
// before the next cycle.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/varta-bridge/internal/backoff"
	"github.com/nugget/varta-bridge/internal/httpkit"
	"github.com/nugget/varta-bridge/internal/payload"
	"github.com/nugget/varta-bridge/internal/sensors"
	"github.com/nugget/varta-bridge/internal/session"
	"github.com/nugget/varta-bridge/internal/status"
)

// maxBodyBytes caps the data response. The battery document is a few
// kilobytes.
const maxBodyBytes = 1 << 20

// TransportError reports a data request that failed on the network or
// returned a status outside 2xx.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API fetch error: %v", e.Err)
	}
	return fmt.Sprintf("API fetch error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *TransportError) Unwrap() error { return e.Err }

// Sessions is the part of the session manager the poller uses.
type Sessions interface {
	Current(ctx context.Context) (*session.Session, error)
	Authenticate(ctx context.Context) (session.Outcome, error)
	Invalidate()
	AuthEnabled() bool
}

// MeasurementSink receives one value per sensor per cycle.
type MeasurementSink interface {
	PublishMeasurement(ctx context.Context, key string, value float64) error
}

// Observer receives cycle metrics. *metrics.Metrics implements it.
type Observer interface {
	ObserveCycle(ok bool)
	ObserveReauth()
	ObserveFetch(d time.Duration)
	MarkSuccess(t time.Time)
	SetMeasurement(key string, v float64)
}

type nopObserver struct{}

func (nopObserver) ObserveCycle(bool)               {}
func (nopObserver) ObserveReauth()                  {}
func (nopObserver) ObserveFetch(time.Duration)      {}
func (nopObserver) MarkSuccess(time.Time)           {}
func (nopObserver) SetMeasurement(string, float64) {}

// Options configures a Poller.
type Options struct {
	DataURL     string
	Interval    time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
	Descriptors []sensors.Descriptor

	Sessions Sessions
	Sink     MeasurementSink
	Errors   *status.ErrorState
	Reporter *status.Reporter
	Observer Observer
	Logger   *slog.Logger

	// Now and Sleep replace the wall clock in tests. Sleep returns
	// false when ctx is cancelled before d elapses.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Snapshot is the poller's view of the last completed cycle.
type Snapshot struct {
	Online       bool                  `json:"online"`
	LastCycle    time.Time             `json:"last_cycle"`
	LastSuccess  time.Time             `json:"last_success"`
	NextDelay    string                `json:"next_delay"`
	Errors       status.ErrorSnapshot  `json:"errors"`
	Measurements []sensors.Measurement `json:"measurements"`
}

// Poller runs fetch cycles one at a time.
type Poller struct {
	dataURL    string
	interval   time.Duration
	maxBackoff time.Duration
	timeout    time.Duration
	descs      []sensors.Descriptor

	sessions Sessions
	sink     MeasurementSink
	errs     *status.ErrorState
	report   *status.Reporter
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) bool

	mu          sync.Mutex
	online      bool
	lastCycle   time.Time
	lastSuccess time.Time
	nextDelay   time.Duration
	last        []sensors.Measurement
}

// New creates a Poller. Sessions and Descriptors are required.
func New(opts Options) *Poller {
	p := &Poller{
		dataURL:    opts.DataURL,
		interval:   opts.Interval,
		maxBackoff: opts.MaxBackoff,
		timeout:    opts.Timeout,
		descs:      opts.Descriptors,
		sessions:   opts.Sessions,
		sink:       opts.Sink,
		errs:       opts.Errors,
		report:     opts.Reporter,
		observer:   opts.Observer,
		logger:     opts.Logger,
		now:        opts.Now,
		sleep:      opts.Sleep,
	}
	if p.interval <= 0 {
		p.interval = time.Second
	}
	if p.maxBackoff <= 0 {
		p.maxBackoff = backoff.DefaultCeiling
	}
	if p.timeout <= 0 {
		p.timeout = httpkit.DefaultRequestTimeout
	}
	if p.errs == nil {
		p.errs = status.NewErrorState()
	}
	if p.report == nil {
		p.report = status.NewReporter(nil)
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	return p
}

// Start publishes the initial service state. Call once after discovery
// has been published and before Run.
func (p *Poller) Start(ctx context.Context) {
	p.errs.Reset()
	p.report.Service(ctx, status.ServiceStarting)
	p.report.Errors(ctx, 0, "")
}

// Run executes cycles until ctx is cancelled. After a successful cycle
// it waits the poll interval; after a failed one it waits the backoff
// delay for the current error count.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		"data_url", p.dataURL,
		"interval", p.interval,
		"sensors", len(p.descs),
	)

	for {
		if ctx.Err() != nil {
			break
		}

		wait := p.interval
		if !p.Cycle(ctx) {
			n := p.errs.Count()
			wait = backoff.NextDelayCapped(n, p.interval, p.maxBackoff)
			p.logger.Info("backing off", "delay", wait, "consecutive_errors", n)
		}

		p.mu.Lock()
		p.nextDelay = wait
		p.mu.Unlock()

		if !p.sleep(ctx, wait) {
			break
		}
	}

	p.logger.Info("poller stopped")
	return nil
}

// Cycle runs one fetch-map-publish pass and reports whether the fetch
// succeeded.
func (p *Poller) Cycle(ctx context.Context) bool {
	raw, err := p.FetchOnce(ctx)

	p.mu.Lock()
	p.lastCycle = p.now()
	p.online = err == nil
	p.mu.Unlock()

	if err != nil {
		p.observer.ObserveCycle(false)
		return false
	}

	ms := sensors.MapPayload(raw, p.descs)
	failed := 0
	for _, m := range ms {
		p.observer.SetMeasurement(m.Key, m.Value)
		if p.sink == nil {
			continue
		}
		if err := p.sink.PublishMeasurement(ctx, m.Key, m.Value); err != nil {
			failed++
			p.logger.Debug("measurement publish failed", "key", m.Key, "error", err)
		}
	}
	if failed > 0 {
		p.logger.Warn("some measurements were not published", "failed", failed, "total", len(ms))
	}

	p.mu.Lock()
	p.last = ms
	p.mu.Unlock()

	p.observer.ObserveCycle(true)
	p.logger.Log(ctx, slog.Level(-8), "cycle complete", "measurements", len(ms)) // config.LevelTrace
	return true
}

// FetchOnce performs at most one re-authentication and one retried
// request. It returns the decoded payload or the error that ended the
// cycle; the error has already been counted and published.
func (p *Poller) FetchOnce(ctx context.Context) (payload.Raw, error) {
	sess, err := p.sessions.Current(ctx)
	if err != nil {
		return nil, p.authFailed(ctx, err)
	}

	code, body, err := p.get(ctx, sess)
	if err != nil {
		return nil, p.failed(ctx, &TransportError{Err: err})
	}

	if isAuthFailure(code) {
		p.logger.Info("session rejected by data endpoint", "status", code, "session", sess.ID())
		p.observer.ObserveReauth()
		p.report.Login(ctx, status.LoginExpired)
		p.sessions.Invalidate()

		if !p.sessions.AuthEnabled() {
			return nil, p.failed(ctx, &TransportError{StatusCode: code})
		}
		if _, err := p.sessions.Authenticate(ctx); err != nil {
			return nil, p.authFailed(ctx, err)
		}
		if sess, err = p.sessions.Current(ctx); err != nil {
			return nil, p.authFailed(ctx, err)
		}

		code, body, err = p.get(ctx, sess)
		if err != nil {
			return nil, p.failed(ctx, &TransportError{Err: err})
		}
		if isAuthFailure(code) {
			p.sessions.Invalidate()
			return nil, p.failed(ctx, &TransportError{StatusCode: code})
		}
	}

	if code < 200 || code > 299 {
		return nil, p.failed(ctx, &TransportError{StatusCode: code})
	}

	raw, err := payload.Decode(body)
	if err != nil {
		p.logger.Warn("malformed payload, publishing zero values", "error", err)
		raw = payload.Raw{}
	}

	p.succeeded(ctx)
	return raw, nil
}

// Snapshot returns the state of the last cycle.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Online:       p.online,
		LastCycle:    p.lastCycle,
		LastSuccess:  p.lastSuccess,
		NextDelay:    p.nextDelay.String(),
		Errors:       p.errs.Snapshot(),
		Measurements: append([]sensors.Measurement(nil), p.last...),
	}
}

// Healthy reports whether the last cycle succeeded.
func (p *Poller) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Poller) get(ctx context.Context, sess *session.Session) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.dataURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := sess.Do(req)
	p.observer.ObserveFetch(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Debug("data request failed",
			"status", resp.StatusCode,
			"body", httpkit.ReadErrorBody(resp.Body, 256),
		)
		return resp.StatusCode, nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	p.logger.Log(ctx, slog.Level(-8), "data response", "status", resp.StatusCode, "body", string(body)) // config.LevelTrace
	return resp.StatusCode, body, nil
}

func (p *Poller) succeeded(ctx context.Context) {
	now := p.now()
	wasFailing := p.errs.Reset()

	p.report.Service(ctx, status.ServiceOnline)
	p.report.LastUpdate(ctx, now)
	if wasFailing {
		p.report.Errors(ctx, 0, "")
		p.logger.Info("fetch recovered")
	}

	p.mu.Lock()
	p.lastSuccess = now
	p.mu.Unlock()
	p.observer.MarkSuccess(now)
}

// failed counts err, publishes the error state and returns err.
func (p *Poller) failed(ctx context.Context, err error) error {
	msg := err.Error()
	n := p.errs.Record(msg)
	p.logger.Warn("fetch failed", "error", err, "consecutive_errors", n)
	p.report.Service(ctx, status.ServiceError)
	p.report.Errors(ctx, n, msg)
	return err
}

// authFailed handles an error from the session manager. Rejected and
// transport-failed logins were already counted by the manager; a
// cooldown block is counted here so every failed cycle counts once.
func (p *Poller) authFailed(ctx context.Context, err error) error {
	if errors.Is(err, session.ErrCooldown) {
		return p.failed(ctx, err)
	}
	p.logger.Warn("no session available", "error", err, "consecutive_errors", p.errs.Count())
	p.report.Service(ctx, status.ServiceError)
	return err
}

func isAuthFailure(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
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
