// Package status defines the bridge health signals published alongside
// the battery measurements: the login and service state enumerations,
// the retained status keys, and the shared consecutive-error counter.
package status

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Key names a retained status sensor.
type Key string

const (
	KeyServiceStatus Key = "service_status"
	KeyLastUpdate    Key = "last_update"
	KeyErrorCount    Key = "error_count"
	KeyLastError     Key = "last_error"
	KeyLoginStatus   Key = "login_status"
)

// LoginStatus is the outcome of the most recent session event.
type LoginStatus int

const (
	LoginSuccess LoginStatus = iota + 1
	LoginFailed
	LoginError
	LoginCooldown
	LoginExpired
)

func (s LoginStatus) String() string {
	switch s {
	case LoginSuccess:
		return "success"
	case LoginFailed:
		return "failed"
	case LoginError:
		return "error"
	case LoginCooldown:
		return "cooldown"
	case LoginExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ServiceStatus is the coarse health of the fetch pipeline.
type ServiceStatus int

const (
	ServiceStarting ServiceStatus = iota + 1
	ServiceOnline
	ServiceError
)

func (s ServiceStatus) String() string {
	switch s {
	case ServiceStarting:
		return "starting"
	case ServiceOnline:
		return "online"
	case ServiceError:
		return "error"
	default:
		return "unknown"
	}
}

// TimestampLayout formats the last_update sensor.
const TimestampLayout = "2006-01-02 15:04:05"

// Sink receives retained status values. The MQTT publisher is the
// production implementation.
type Sink interface {
	PublishStatus(ctx context.Context, key Key, value string)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, key Key, value string)

func (f SinkFunc) PublishStatus(ctx context.Context, key Key, value string) {
	f(ctx, key, value)
}

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(context.Context, Key, string) {})

// Reporter wraps a Sink with typed helpers so callers cannot publish a
// login status under the service key or vice versa.
type Reporter struct {
	sink Sink

	mu      sync.Mutex
	login   LoginStatus
	service ServiceStatus
}

// NewReporter creates a Reporter. A nil sink discards.
func NewReporter(sink Sink) *Reporter {
	if sink == nil {
		sink = Discard
	}
	return &Reporter{sink: sink}
}

// Login publishes login_status.
func (r *Reporter) Login(ctx context.Context, s LoginStatus) {
	r.mu.Lock()
	r.login = s
	r.mu.Unlock()
	r.sink.PublishStatus(ctx, KeyLoginStatus, s.String())
}

// Service publishes service_status.
func (r *Reporter) Service(ctx context.Context, s ServiceStatus) {
	r.mu.Lock()
	r.service = s
	r.mu.Unlock()
	r.sink.PublishStatus(ctx, KeyServiceStatus, s.String())
}

// LastUpdate publishes last_update.
func (r *Reporter) LastUpdate(ctx context.Context, t time.Time) {
	r.sink.PublishStatus(ctx, KeyLastUpdate, t.Format(TimestampLayout))
}

// Errors publishes last_error (when non-empty) and error_count.
func (r *Reporter) Errors(ctx context.Context, count int, lastErr string) {
	if lastErr != "" {
		r.sink.PublishStatus(ctx, KeyLastError, lastErr)
	}
	r.sink.PublishStatus(ctx, KeyErrorCount, strconv.Itoa(count))
}

// Current returns the last login and service status published through
// this Reporter. Zero values mean nothing has been published yet.
func (r *Reporter) Current() (LoginStatus, ServiceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.login, r.service
}
