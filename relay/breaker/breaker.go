// Package breaker manages per-dependency circuit breakers on top of
// sony/gobreaker.
//
// Semantics per dependency key:
//   - CLOSED: calls pass through; FailureThreshold consecutive failures open
//     the circuit. A success resets the consecutive-failure count.
//   - OPEN: calls are rejected immediately for RecoveryTime, then the circuit
//     moves to HALF_OPEN.
//   - HALF_OPEN: up to HalfOpenMaxSuccesses probe calls are admitted; that
//     many consecutive successes close the circuit, any failure reopens it.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/runtime"
)

// State represents a circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Config holds the per-dependency breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold uint32
	// RecoveryTime is how long the circuit stays open before admitting
	// probe calls.
	RecoveryTime time.Duration
	// HalfOpenMaxSuccesses is both the probe admission limit in half-open
	// and the number of consecutive successes required to close.
	HalfOpenMaxSuccesses uint32
}

// DefaultConfig matches the thresholds used for third-party API dependencies.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		RecoveryTime:         30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	}
}

func (c Config) normalize() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultConfig().FailureThreshold
	}

	if c.RecoveryTime <= 0 {
		c.RecoveryTime = DefaultConfig().RecoveryTime
	}

	if c.HalfOpenMaxSuccesses == 0 {
		c.HalfOpenMaxSuccesses = DefaultConfig().HalfOpenMaxSuccesses
	}

	return c
}

// StateChangeListener is notified when a circuit changes state.
type StateChangeListener interface {
	OnStateChange(dependency string, from, to State)
}

// Manager holds one circuit breaker per dependency key. All state is
// process-local; each replica trips and recovers independently.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	logger    log.Logger
}

// NewManager creates an empty breaker manager.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for a dependency key, creating it with the
// given config on first use. The config of an existing breaker is not
// changed.
func (m *Manager) GetOrCreate(dependency string, config Config) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[dependency]
	m.mu.RUnlock()

	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[dependency]; exists {
		return breaker
	}

	config = config.normalize()
	breaker = gobreaker.NewCircuitBreaker(m.settings(dependency, config))
	m.breakers[dependency] = breaker
	m.configs[dependency] = config

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created",
		log.String("dependency", dependency),
		log.Int("failure_threshold", int(config.FailureThreshold)),
		log.Duration("recovery_time", config.RecoveryTime),
	)

	return breaker
}

func (m *Manager) settings(dependency string, config Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        dependency,
		MaxRequests: config.HalfOpenMaxSuccesses,
		// Interval 0: consecutive-failure counts are never cleared while
		// closed, only by a success or a state change.
		Interval: 0,
		Timeout:  config.RecoveryTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.handleStateChange(dependency, from, to)
		},
	}
}

// Execute runs fn through the dependency's breaker, creating the breaker
// with the given config on first use.
func (m *Manager) Execute(dependency string, config Config, fn func() (any, error)) (any, error) {
	return m.GetOrCreate(dependency, config).Execute(fn)
}

// GetState returns the current state for a dependency key.
func (m *Manager) GetState(dependency string) State {
	m.mu.RLock()
	breaker, exists := m.breakers[dependency]
	m.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return fromGobreakerState(breaker.State())
}

// Reset recreates the breaker for a dependency, returning it to CLOSED with
// zeroed counts.
func (m *Manager) Reset(dependency string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	config, exists := m.configs[dependency]
	if !exists {
		return
	}

	m.breakers[dependency] = gobreaker.NewCircuitBreaker(m.settings(dependency, config))

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset",
		log.String("dependency", dependency))
}

// RegisterStateChangeListener adds a listener notified on every transition.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *Manager) handleStateChange(dependency string, from, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelWarn
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("dependency", dependency),
		log.String("from", string(fromGobreakerState(from))),
		log.String("to", string(fromGobreakerState(to))),
	)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		listenerCopy := listener

		// Listeners must not block or crash breaker transitions.
		runtime.SafeGo(m.logger, "breaker", "state_change_listener", runtime.KeepRunning, func() {
			listenerCopy.OnStateChange(dependency, fromGobreakerState(from), fromGobreakerState(to))
		})
	}
}

// IsOpen reports whether err is a breaker admission rejection: the circuit
// is open, or half-open with its probe quota exhausted.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func fromGobreakerState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
