// Package session owns the authenticated HTTP session against the
// battery's web interface. At most one session exists at a time. Login
// attempts are rate limited by a fixed cooldown that applies whatever
// the previous attempt's outcome was, so a rejected password or an
// unreachable controller never turns into a login storm.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nugget/varta-bridge/internal/httpkit"
	"github.com/nugget/varta-bridge/internal/status"
)

// DefaultCooldown is the minimum interval between login attempts.
const DefaultCooldown = 60 * time.Second

// Outcome is the result of a login attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeRejected
	OutcomeTransportError
	OutcomeCooldown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// loginStatus maps an outcome onto the published login_status value.
func (o Outcome) loginStatus() status.LoginStatus {
	switch o {
	case OutcomeSuccess:
		return status.LoginSuccess
	case OutcomeRejected:
		return status.LoginFailed
	case OutcomeCooldown:
		return status.LoginCooldown
	default:
		return status.LoginError
	}
}

// ErrCooldown is matched by an [AuthError] whose Outcome is
// OutcomeCooldown.
var ErrCooldown = errors.New("login cooldown active")

// AuthError reports a login attempt that did not produce a session.
type AuthError struct {
	Outcome    Outcome
	StatusCode int           // set for OutcomeRejected
	Remaining  time.Duration // set for OutcomeCooldown
	Err        error         // set for OutcomeTransportError
}

func (e *AuthError) Error() string {
	switch e.Outcome {
	case OutcomeRejected:
		return fmt.Sprintf("Login failed: %d", e.StatusCode)
	case OutcomeCooldown:
		return fmt.Sprintf("Login cooldown active, %ds remaining", int(e.Remaining.Round(time.Second).Seconds()))
	case OutcomeTransportError:
		return fmt.Sprintf("Login error: %v", e.Err)
	default:
		return "login failed"
	}
}

func (e *AuthError) Unwrap() error {
	if e.Outcome == OutcomeCooldown {
		return ErrCooldown
	}
	return e.Err
}

// Session is an HTTP client carrying the login cookies. Callers may
// issue requests through it but never hold on to it past a cycle; the
// Manager replaces it after any authorization failure.
type Session struct {
	id            string
	created       time.Time
	authenticated bool
	client        *http.Client
}

// ID is a random identifier used to correlate log lines.
func (s *Session) ID() string { return s.id }

// Created reports when the session was established.
func (s *Session) Created() time.Time { return s.created }

// Authenticated is false for pass-through sessions created when no
// login endpoint is configured.
func (s *Session) Authenticated() bool { return s.authenticated }

// Do sends req with the session's cookies.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req)
}

// Credentials configures the login exchange.
type Credentials struct {
	LoginURL string
	Username string
	Password string
}

// Enabled reports whether authentication is configured. All three
// fields must be set; otherwise the Manager runs in pass-through mode.
func (c Credentials) Enabled() bool {
	return c.LoginURL != "" && c.Username != "" && c.Password != ""
}

// StateStore persists the last login attempt across restarts.
type StateStore interface {
	GetTime(namespace, key string) (time.Time, error)
	SetTime(namespace, key string, t time.Time) error
}

// Observer receives login outcomes for metrics.
type Observer interface {
	ObserveLogin(outcome string)
}

const (
	stateNamespace  = "session"
	stateLastLogin  = "last_login_attempt"
	maxLoginBodyLog = 256
)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Credentials Credentials
	Timeout     time.Duration
	Cooldown    time.Duration
	Insecure    bool

	Errors   *status.ErrorState
	Reporter *status.Reporter
	Store    StateStore
	Observer Observer
	Logger   *slog.Logger

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Manager owns the current session and the login cooldown.
type Manager struct {
	creds    Credentials
	timeout  time.Duration
	cooldown time.Duration
	insecure bool
	errs     *status.ErrorState
	report   *status.Reporter
	store    StateStore
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	current     *Session
	limiter     *rate.Limiter
	lastAttempt time.Time
}

// NewManager creates a Manager. When a store is configured the last
// login attempt is restored so the cooldown survives a restart.
func NewManager(opts Options) *Manager {
	m := &Manager{
		creds:    opts.Credentials,
		timeout:  opts.Timeout,
		cooldown: opts.Cooldown,
		insecure: opts.Insecure,
		errs:     opts.Errors,
		report:   opts.Reporter,
		store:    opts.Store,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if m.timeout <= 0 {
		m.timeout = httpkit.DefaultRequestTimeout
	}
	if m.cooldown < 0 {
		m.cooldown = 0
	}
	if m.errs == nil {
		m.errs = status.NewErrorState()
	}
	if m.report == nil {
		m.report = status.NewReporter(nil)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}

	limit := rate.Inf
	if m.cooldown > 0 {
		limit = rate.Every(m.cooldown)
	}
	m.limiter = rate.NewLimiter(limit, 1)

	if m.store != nil {
		last, err := m.store.GetTime(stateNamespace, stateLastLogin)
		switch {
		case err != nil:
			m.logger.Warn("failed to restore last login attempt", "error", err)
		case !last.IsZero():
			// A stored time ahead of the clock counts as now.
			if now := m.now(); last.After(now) {
				m.logger.Warn("stored login attempt is in the future, clamping", "at", last, "now", now)
				last = now
			}
			m.lastAttempt = last
			m.limiter.AllowN(last, 1)
			m.logger.Debug("restored last login attempt", "at", last)
		}
	}
	return m
}

// AuthEnabled reports whether a login endpoint and credentials are
// configured.
func (m *Manager) AuthEnabled() bool {
	return m.creds.Enabled()
}

// Authenticate runs one login exchange, subject to the cooldown. Any
// existing session is discarded first. A nil error means a new session
// is in place.
func (m *Manager) Authenticate(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticateLocked(ctx)
}

// Current returns the existing session, logging in if there is none.
// With authentication disabled it returns a pass-through session.
func (m *Manager) Current(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	if !m.creds.Enabled() {
		s, err := m.newSession(false)
		if err != nil {
			return nil, err
		}
		m.current = s
		m.logger.Debug("created pass-through session", "session", s.id)
		return s, nil
	}

	if _, err := m.authenticateLocked(ctx); err != nil {
		return nil, err
	}
	return m.current, nil
}

// Invalidate drops the current session. Called when the data endpoint
// rejects the session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
}

// NextAttempt reports when the cooldown next permits a login.
func (m *Manager) NextAttempt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastAttempt.IsZero() {
		return time.Time{}
	}
	return m.lastAttempt.Add(m.cooldown)
}

func (m *Manager) dropLocked() {
	if m.current == nil {
		return
	}
	m.logger.Debug("discarding session", "session", m.current.id)
	httpkit.CloseIdle(m.current.client)
	m.current = nil
}

func (m *Manager) authenticateLocked(ctx context.Context) (Outcome, error) {
	now := m.now()

	if !m.limiter.AllowN(now, 1) {
		remaining := m.lastAttempt.Add(m.cooldown).Sub(now)
		m.logger.Debug("login cooldown active", "remaining_sec", int(remaining.Seconds()))
		m.finish(ctx, OutcomeCooldown)
		return OutcomeCooldown, &AuthError{Outcome: OutcomeCooldown, Remaining: remaining}
	}

	m.lastAttempt = now
	if m.store != nil {
		if err := m.store.SetTime(stateNamespace, stateLastLogin, now); err != nil {
			m.logger.Warn("failed to persist login attempt", "error", err)
		}
	}

	m.dropLocked()

	s, err := m.newSession(true)
	if err != nil {
		return m.fail(ctx, &AuthError{Outcome: OutcomeTransportError, Err: err})
	}

	code, err := m.login(ctx, s)
	if err != nil {
		httpkit.CloseIdle(s.client)
		return m.fail(ctx, &AuthError{Outcome: OutcomeTransportError, Err: err})
	}
	if code != http.StatusOK {
		httpkit.CloseIdle(s.client)
		return m.fail(ctx, &AuthError{Outcome: OutcomeRejected, StatusCode: code})
	}

	m.current = s
	m.logger.Info("login successful", "session", s.id)
	m.finish(ctx, OutcomeSuccess)
	return OutcomeSuccess, nil
}

func (m *Manager) login(ctx context.Context, s *Session) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("username", m.creds.Username)
	form.Set("password", m.creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.creds.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.Do(req)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, maxLoginBodyLog)
		m.logger.Debug("login rejected", "status", resp.StatusCode, "body", body)
		return resp.StatusCode, nil
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return resp.StatusCode, nil
}

func (m *Manager) fail(ctx context.Context, aerr *AuthError) (Outcome, error) {
	msg := aerr.Error()
	if aerr.Outcome == OutcomeTransportError {
		m.logger.Warn("login error", "error", aerr.Err)
	} else {
		m.logger.Warn("login failed", "status", aerr.StatusCode)
	}
	n := m.errs.Record(msg)
	m.finish(ctx, aerr.Outcome)
	m.report.Errors(ctx, n, msg)
	return aerr.Outcome, aerr
}

func (m *Manager) finish(ctx context.Context, o Outcome) {
	m.report.Login(ctx, o.loginStatus())
	if m.observer != nil {
		m.observer.ObserveLogin(o.String())
	}
}

func (m *Manager) newSession(authenticated bool) (*Session, error) {
	jar, err := httpkit.NewCookieJar()
	if err != nil {
		return nil, err
	}
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(m.timeout),
		httpkit.WithCookieJar(jar),
	}
	if m.insecure {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	return &Session{
		id:            uuid.NewString(),
		created:       m.now(),
		authenticated: authenticated,
		client:        httpkit.NewClient(opts...),
	}, nil
}
