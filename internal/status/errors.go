package status

import (
	"sync"
	"time"
)

// ErrorState counts consecutive failed fetch cycles and remembers the
// most recent error message. The session manager and the poller both
// record into the same instance; the backoff delay reads from it. All
// methods are safe for concurrent use so the status server can read a
// snapshot while the poll loop runs.
type ErrorState struct {
	mu       sync.Mutex
	count    int
	lastErr  string
	lastAt   time.Time
	onChange func(count int)
}

// NewErrorState returns a zeroed counter.
func NewErrorState() *ErrorState {
	return &ErrorState{}
}

// OnChange registers fn to be called (outside the lock) whenever the
// counter value changes. Used to mirror the counter into metrics.
func (e *ErrorState) OnChange(fn func(count int)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Record increments the counter, stores msg as the last error, and
// returns the new count.
func (e *ErrorState) Record(msg string) int {
	e.mu.Lock()
	e.count++
	e.lastErr = msg
	e.lastAt = time.Now()
	n := e.count
	fn := e.onChange
	e.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	return n
}

// Reset zeroes the counter. The last error message is kept for
// diagnostics. Reports whether the counter was non-zero.
func (e *ErrorState) Reset() bool {
	e.mu.Lock()
	was := e.count
	e.count = 0
	fn := e.onChange
	e.mu.Unlock()

	if was != 0 && fn != nil {
		fn(0)
	}
	return was != 0
}

// Count returns the current consecutive error count.
func (e *ErrorState) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// ErrorSnapshot is a point-in-time copy of an ErrorState.
type ErrorSnapshot struct {
	Count     int       `json:"error_count"`
	LastError string    `json:"last_error,omitempty"`
	LastAt    time.Time `json:"last_error_at"`
}

// Snapshot returns a copy of the current state.
func (e *ErrorState) Snapshot() ErrorSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ErrorSnapshot{Count: e.count, LastError: e.lastErr, LastAt: e.lastAt}
}
