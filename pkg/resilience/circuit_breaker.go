// Package resilience provides circuit breaker protection for calls to the
// upstream generation provider and other external dependencies.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tutor-mesh/tutor-mesh/pkg/observability"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call without
// attempting the wrapped operation. Callers can distinguish it from upstream
// errors with errors.Is and apply degraded-response fallbacks.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed means the circuit is closed and requests flow normally
	StateClosed State = iota

	// StateOpen means the circuit is open and requests are rejected
	StateOpen

	// StateHalfOpen means the circuit is testing if the dependency recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings configures circuit breaker behavior
type Settings struct {
	// Name identifies the protected dependency in logs and stats
	Name string

	// FailureThresholdPercent is the failure rate (0-100) within the
	// monitoring period that trips the breaker
	FailureThresholdPercent float64

	// MonitoringPeriod is the sliding time window over which the failure
	// rate is computed
	MonitoringPeriod time.Duration

	// MinimumRequests is the number of completed calls required in the
	// window before the failure rate is evaluated
	MinimumRequests int

	// ResetTimeout is how long the breaker stays open before allowing
	// half-open trial calls
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is both the cap on concurrent trial calls while
	// half-open and the number of successes needed to close the circuit
	HalfOpenMaxRequests int
}

// DefaultSettings returns sensible defaults for an upstream model provider
func DefaultSettings(name string) Settings {
	return Settings{
		Name:                    name,
		FailureThresholdPercent: 50,
		MonitoringPeriod:        60 * time.Second,
		MinimumRequests:         5,
		ResetTimeout:            30 * time.Second,
		HalfOpenMaxRequests:     3,
	}
}

func (s Settings) withDefaults() Settings {
	if s.FailureThresholdPercent <= 0 || s.FailureThresholdPercent > 100 {
		s.FailureThresholdPercent = 50
	}
	if s.MonitoringPeriod <= 0 {
		s.MonitoringPeriod = 60 * time.Second
	}
	if s.MinimumRequests <= 0 {
		s.MinimumRequests = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.HalfOpenMaxRequests <= 0 {
		s.HalfOpenMaxRequests = 3
	}
	return s
}

// StateChangeListener is invoked on every state transition
type StateChangeListener func(name string, from, to State)

// Stats is a point-in-time snapshot of breaker state for observability
type Stats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	Requests    int       `json:"requests"`
	FailureRate float64   `json:"failure_rate"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

type callRecord struct {
	at     time.Time
	failed bool
}

type stateChange struct {
	from State
	to   State
}

// CircuitBreaker implements the circuit breaker pattern with a failure rate
// computed over a sliding time window, so bursty traffic and quiet periods
// are normalized. It does not impose a timeout on the wrapped operation;
// timeouts are the operation's own responsibility.
//
// CircuitBreaker is safe for concurrent use by multiple goroutines.
type CircuitBreaker struct {
	settings Settings
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	window           []callRecord
	lastFailure      time.Time
	nextAttempt      time.Time
	halfOpenInFlight int
	resetTimer       *time.Timer
	listeners        []StateChangeListener
}

// NewCircuitBreaker creates a new circuit breaker with the given settings
func NewCircuitBreaker(settings Settings, logger observability.Logger) *CircuitBreaker {
	if logger == nil {
		logger = observability.NewLogger("resilience.circuit_breaker")
	}

	return &CircuitBreaker{
		settings: settings.withDefaults(),
		state:    StateClosed,
		logger:   logger.WithPrefix("circuit-breaker:" + settings.Name),
		metrics:  observability.NewNoopMetricsClient(),
	}
}

// WithMetrics attaches a metrics client for transition and rejection counters
func (cb *CircuitBreaker) WithMetrics(metrics observability.MetricsClient) *CircuitBreaker {
	if metrics != nil {
		cb.metrics = metrics
	}
	return cb
}

// OnStateChange registers a listener fired on every state transition.
// Delivery is fire-and-forget; listeners must not block.
func (cb *CircuitBreaker) OnStateChange(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// Execute runs the given operation with circuit breaker protection.
// While the circuit is open it returns ErrCircuitOpen without invoking the
// operation. Operation errors are recorded for failure-rate accounting and
// returned to the caller unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	cb.record(trial, opErr != nil)

	return opErr
}

// Do runs an operation returning a typed result with circuit breaker
// protection. On rejection or failure the zero value of T is returned
// alongside the error.
func Do[T any](ctx context.Context, cb *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		r, err := op(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// admit decides whether a call may proceed. It reports whether the call was
// admitted as a half-open trial.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	var changes []stateChange

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil

	case StateOpen:
		// The reset timer normally drives this transition; the time check
		// covers a timer lost to a racing Reset
		if time.Now().Before(cb.nextAttempt) {
			cb.mu.Unlock()
			cb.metrics.IncrementCounterWithLabels("circuit_breaker.rejected", 1, map[string]string{
				"name": cb.settings.Name,
			})
			return false, ErrCircuitOpen
		}
		changes = append(changes, cb.transitionLocked(StateHalfOpen))
		cb.halfOpenInFlight++
		cb.mu.Unlock()
		cb.notify(changes)
		return true, nil

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.settings.HalfOpenMaxRequests {
			cb.mu.Unlock()
			cb.metrics.IncrementCounterWithLabels("circuit_breaker.rejected", 1, map[string]string{
				"name": cb.settings.Name,
			})
			return false, ErrCircuitOpen
		}
		cb.halfOpenInFlight++
		cb.mu.Unlock()
		return true, nil

	default:
		cb.mu.Unlock()
		return false, ErrCircuitOpen
	}
}

// record accounts for a completed call and applies state transitions
func (cb *CircuitBreaker) record(trial bool, failed bool) {
	cb.mu.Lock()

	now := time.Now()
	cb.window = append(cb.window, callRecord{at: now, failed: failed})
	cb.trimWindowLocked(now)

	if trial && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	var changes []stateChange

	if failed {
		cb.failures++
		cb.lastFailure = now

		switch cb.state {
		case StateHalfOpen:
			// A single trial failure re-opens immediately, discarding
			// half-open progress
			changes = append(changes, cb.transitionLocked(StateOpen))

		case StateClosed:
			requests, rate := cb.windowRateLocked()
			if requests >= cb.settings.MinimumRequests && rate >= cb.settings.FailureThresholdPercent {
				changes = append(changes, cb.transitionLocked(StateOpen))
			}
		}
	} else {
		cb.successes++

		switch cb.state {
		case StateHalfOpen:
			if cb.successes >= cb.settings.HalfOpenMaxRequests {
				changes = append(changes, cb.transitionLocked(StateClosed))
			}

		case StateClosed:
			// Forget long-ago failures so they cannot accumulate across
			// unrelated incidents
			cb.failures = 0
		}
	}

	cb.mu.Unlock()
	cb.notify(changes)
}

// transitionLocked moves the breaker to the given state. Callers hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to State) stateChange {
	from := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.nextAttempt = time.Now().Add(cb.settings.ResetTimeout)
		cb.successes = 0
		cb.halfOpenInFlight = 0
		cb.armResetTimerLocked()

	case StateHalfOpen:
		cb.stopResetTimerLocked()
		cb.successes = 0
		cb.halfOpenInFlight = 0

	case StateClosed:
		cb.stopResetTimerLocked()
		cb.failures = 0
		cb.successes = 0
		cb.halfOpenInFlight = 0
		cb.window = cb.window[:0]
		cb.nextAttempt = time.Time{}
	}

	return stateChange{from: from, to: to}
}

// armResetTimerLocked schedules the Open to HalfOpen transition
func (cb *CircuitBreaker) armResetTimerLocked() {
	cb.stopResetTimerLocked()
	cb.resetTimer = time.AfterFunc(cb.settings.ResetTimeout, func() {
		cb.mu.Lock()
		var changes []stateChange
		if cb.state == StateOpen {
			changes = append(changes, cb.transitionLocked(StateHalfOpen))
		}
		cb.mu.Unlock()
		cb.notify(changes)
	})
}

func (cb *CircuitBreaker) stopResetTimerLocked() {
	if cb.resetTimer != nil {
		cb.resetTimer.Stop()
		cb.resetTimer = nil
	}
}

// trimWindowLocked drops call records older than the monitoring period
func (cb *CircuitBreaker) trimWindowLocked(now time.Time) {
	cutoff := now.Add(-cb.settings.MonitoringPeriod)
	i := 0
	for i < len(cb.window) && cb.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.window = cb.window[i:]
	}
}

// windowRateLocked returns the request count and failure rate (0-100) within
// the monitoring window
func (cb *CircuitBreaker) windowRateLocked() (int, float64) {
	requests := len(cb.window)
	if requests == 0 {
		return 0, 0
	}

	failed := 0
	for _, r := range cb.window {
		if r.failed {
			failed++
		}
	}
	return requests, float64(failed) / float64(requests) * 100
}

// notify fires state-change listeners and transition observability
func (cb *CircuitBreaker) notify(changes []stateChange) {
	if len(changes) == 0 {
		return
	}

	cb.mu.Lock()
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	cb.mu.Unlock()

	for _, change := range changes {
		cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
			"from": change.from.String(),
			"to":   change.to.String(),
		})
		cb.metrics.IncrementCounterWithLabels("circuit_breaker.transition", 1, map[string]string{
			"name": cb.settings.Name,
			"to":   change.to.String(),
		})
		for _, listener := range listeners {
			listener(cb.settings.Name, change.from, change.to)
		}
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns a snapshot of the breaker for operators and dashboards
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trimWindowLocked(time.Now())
	requests, rate := cb.windowRateLocked()

	stats := Stats{
		Name:        cb.settings.Name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		Successes:   cb.successes,
		Requests:    requests,
		FailureRate: rate,
		LastFailure: cb.lastFailure,
	}
	if cb.state == StateOpen {
		stats.NextAttempt = cb.nextAttempt
	}
	return stats
}

// Reset forces the breaker back to Closed with all counters cleared.
// Operator escape hatch; state is otherwise mutated only by the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []stateChange
	if cb.state != StateClosed {
		changes = append(changes, cb.transitionLocked(StateClosed))
	} else {
		cb.failures = 0
		cb.successes = 0
		cb.window = cb.window[:0]
	}
	cb.lastFailure = time.Time{}
	cb.mu.Unlock()
	cb.notify(changes)
}

// Close cancels the background reset timer. The breaker must not be used
// after Close.
func (cb *CircuitBreaker) Close() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.stopResetTimerLocked()
}

// BreakerGroup manages named circuit breakers, one per protected dependency
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults Settings
	logger   observability.Logger
}

// NewBreakerGroup creates a breaker group using the given settings as the
// template for breakers created on demand
func NewBreakerGroup(defaults Settings, logger observability.Logger) *BreakerGroup {
	if logger == nil {
		logger = observability.NewLogger("resilience.breaker_group")
	}

	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults.withDefaults(),
		logger:   logger,
	}
}

// Get returns the breaker for the named dependency, creating it if needed
func (g *BreakerGroup) Get(name string) *CircuitBreaker {
	g.mu.RLock()
	breaker, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return breaker
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Check again in case it was created while waiting for the lock
	if breaker, ok = g.breakers[name]; ok {
		return breaker
	}

	settings := g.defaults
	settings.Name = name
	breaker = NewCircuitBreaker(settings, g.logger)
	g.breakers[name] = breaker
	return breaker
}

// AllStats returns stats for every breaker in the group
func (g *BreakerGroup) AllStats() map[string]Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := make(map[string]Stats, len(g.breakers))
	for name, breaker := range g.breakers {
		stats[name] = breaker.GetStats()
	}
	return stats
}

// Close cancels background timers for every breaker in the group
func (g *BreakerGroup) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, breaker := range g.breakers {
		breaker.Close()
	}
}
