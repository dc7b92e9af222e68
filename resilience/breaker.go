package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/types"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	// StateClosed passes calls through normally.
	StateClosed BreakerState = iota
	// StateOpen fails calls fast without attempting the external call.
	StateOpen
	// StateHalfOpen allows exactly one trial call after the cooldown.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker from closed to open.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// Cooldown is how long the breaker stays open before allowing a
	// half-open trial.
	Cooldown types.Duration `yaml:"cooldown" json:"cooldown"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         types.Duration(30 * time.Second),
	}
}

// StateChange describes a breaker transition, for metrics and logging.
type StateChange struct {
	Name      string       `json:"name"`
	From      BreakerState `json:"from"`
	To        BreakerState `json:"to"`
	Failures  int          `json:"failures"`
	Reason    string       `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
}

// StateChangeHandler observes breaker transitions.
type StateChangeHandler func(StateChange)

// Breaker is a circuit breaker for one protected call name.
//
// Closed -> Open after FailureThreshold consecutive failures (any
// success resets the count). Open -> HalfOpen once Cooldown has
// elapsed since opening. HalfOpen admits exactly one concurrent trial;
// its success closes the breaker, its failure reopens it. Callers
// arriving while the trial is in flight fail fast.
type Breaker struct {
	name     string
	config   BreakerConfig
	logger   *zap.Logger
	onChange StateChangeHandler

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// NewBreaker creates a breaker for the named protected call.
func NewBreaker(name string, config BreakerConfig, onChange StateChangeHandler, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{
		name:     name,
		config:   config,
		logger:   logger.With(zap.String("breaker", name)),
		onChange: onChange,
		state:    StateClosed,
	}
}

// Execute runs fn under the breaker's protection. When the breaker is
// open (or a half-open trial is already in flight) it returns a
// CIRCUIT_OPEN error immediately without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(callErr == nil, trial)
	return callErr
}

// allow decides whether a call may proceed. The second return marks
// the call as the half-open trial.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Since(b.openedAt) < b.config.Cooldown.Std() {
			remaining := b.config.Cooldown.Std() - time.Since(b.openedAt)
			return false, types.NewErrorf(types.ErrCircuitOpen,
				"circuit %q open after %d consecutive failures, retry in %s",
				b.name, b.failures, remaining.Round(time.Millisecond))
		}
		b.transition(StateHalfOpen, "cooldown elapsed")
		b.trialInFlight = true
		return true, nil

	case StateHalfOpen:
		if b.trialInFlight {
			return false, types.NewErrorf(types.ErrCircuitOpen,
				"circuit %q half-open with trial in flight", b.name)
		}
		b.trialInFlight = true
		return true, nil

	default:
		return false, types.NewErrorf(types.ErrCircuitOpen,
			"circuit %q in unknown state %d", b.name, b.state)
	}
}

func (b *Breaker) record(success, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed, "trial call succeeded")
		}
		return
	}

	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		b.openedAt = time.Now()
		b.transition(StateOpen, "trial call failed")
	}
}

// transition switches state. Caller holds b.mu.
func (b *Breaker) transition(to BreakerState, reason string) {
	from := b.state
	b.state = to

	b.logger.Info("circuit breaker state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
	)

	if b.onChange != nil {
		change := StateChange{
			Name:      b.name,
			From:      from,
			To:        to,
			Failures:  b.failures,
			Reason:    reason,
			Timestamp: time.Now(),
		}
		// Delivered outside the critical section to avoid deadlocks
		// with handlers that query the breaker.
		go b.onChange(change)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed, "manual reset")
	}
	b.failures = 0
	b.trialInFlight = false
}

// Registry manages one breaker per protected call name.
type Registry struct {
	config   BreakerConfig
	onChange StateChangeHandler
	logger   *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with shared configuration.
func NewRegistry(config BreakerConfig, onChange StateChangeHandler, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		onChange: onChange,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker for name, creating it on first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.config, r.onChange, r.logger)
	r.breakers[name] = b
	return b
}

// Execute runs fn under the named breaker.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.GetOrCreate(name).Execute(ctx, fn)
}

// States returns a snapshot of all breaker states.
func (r *Registry) States() map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
