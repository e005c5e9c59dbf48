package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level, failures at
// error level.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logging.OrNop(logger)}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("bus_message",
		"category", message.Category(),
		"message_type", GetMessageType(message))
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Error("bus_message_failed",
			"message_type", GetMessageType(message),
			"error", err.Error())
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half-open"
)

// breaker tracks per-message-type failure state.
type breaker struct {
	failures    int
	lastFailure time.Time
	state       breakerState
}

// CircuitBreakerMiddleware blocks message types that keep failing.
//
// The circuit opens after failureThreshold consecutive failures, blocks
// traffic while open, lets a single probe through after resetTimeout
// (half-open), and closes again on a successful probe.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	breakers         map[string]*breaker
	logger           logging.Logger
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a CircuitBreakerMiddleware.
// A failureThreshold of 0 disables opening entirely. Message types in
// excludedTypes bypass the breaker, which keeps lifecycle events flowing
// even when a noisy handler trips its circuit.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string, logger logging.Logger) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{}, len(excludedTypes))
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}

	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		breakers:         make(map[string]*breaker),
		logger:           logging.OrNop(logger),
	}
}

// getBreaker returns the breaker for a message type, creating it closed.
// Callers must hold mu.
func (m *CircuitBreakerMiddleware) getBreaker(msgType string) *breaker {
	if _, exists := m.breakers[msgType]; !exists {
		m.breakers[msgType] = &breaker{state: breakerClosed}
	}
	return m.breakers[msgType]
}

// Before blocks the message when its circuit is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)

	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	br := m.getBreaker(msgType)
	if br.state == breakerOpen {
		if time.Since(br.lastFailure) >= m.resetTimeout {
			br.state = breakerHalfOpen
			m.logger.Info("circuit_half_open", "message_type", msgType)
		} else {
			m.logger.Warn("circuit_open_blocking", "message_type", msgType)
			return nil, nil
		}
	}

	return message, nil
}

// After updates the circuit state from the handling result.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)

	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	br := m.getBreaker(msgType)
	if err != nil {
		br.failures++
		br.lastFailure = time.Now()

		if br.state == breakerHalfOpen {
			br.state = breakerOpen
			m.logger.Warn("circuit_reopened", "message_type", msgType)
		} else if m.failureThreshold > 0 && br.failures >= m.failureThreshold {
			br.state = breakerOpen
			m.logger.Warn("circuit_opened",
				"message_type", msgType,
				"failures", br.failures)
		}
	} else if br.state == breakerHalfOpen {
		br.state = breakerClosed
		br.failures = 0
		m.logger.Info("circuit_closed", "message_type", msgType)
	}

	return result, nil
}

// GetStates returns the current circuit state per message type.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string, len(m.breakers))
	for k, v := range m.breakers {
		result[k] = string(v.state)
	}
	return result
}

// Reset clears breaker state for one message type, or all when msgType is
// nil.
func (m *CircuitBreakerMiddleware) Reset(msgType *string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgType != nil {
		delete(m.breakers, *msgType)
	} else {
		m.breakers = make(map[string]*breaker)
	}
}

// Ensure all middleware types implement the Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
