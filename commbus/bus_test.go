package commbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryBus {
	return NewInMemoryBus(30*time.Second, nil)
}

// countingHandler returns a handler that counts calls.
func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

// failingHandler returns a handler that always fails.
func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

// testCommand is an ad-hoc command routed through TypedMessage.
type testCommand struct{}

func (m *testCommand) Category() string    { return string(MessageCategoryCommand) }
func (m *testCommand) MessageType() string { return "TestCommand" }

// abortingMiddleware aborts processing by returning a nil message.
type abortingMiddleware struct{}

func (m *abortingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, nil
}

func (m *abortingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

// errorMiddleware fails every message in Before.
type errorMiddleware struct{}

func (m *errorMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, errors.New("middleware error")
}

func (m *errorMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

// trackingMiddleware records before/after invocations in order.
type trackingMiddleware struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (m *trackingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return message, nil
}

func (m *trackingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return result, err
}

// =============================================================================
// PUBLISH
// =============================================================================

// TestPublishFansOutToAllSubscribers verifies every subscriber sees the event.
func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := newTestBus()
	var first, second int32
	bus.Subscribe("StageCompleted", countingHandler(&first))
	bus.Subscribe("StageCompleted", countingHandler(&second))

	err := bus.Publish(context.Background(), &StageCompleted{RunID: "run_1", Stage: "exploration"})

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
}

// TestPublishWaitsForSubscribers verifies Publish returns only after the
// subscribers have run, so callers can rely on observed delivery.
func TestPublishWaitsForSubscribers(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []string
	bus.Subscribe("RunStarted", func(ctx context.Context, msg Message) (any, error) {
		started := msg.(*RunStarted)
		mu.Lock()
		seen = append(seen, started.RunID)
		mu.Unlock()
		return nil, nil
	})

	require.NoError(t, bus.Publish(context.Background(), &RunStarted{RunID: "run_42"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"run_42"}, seen)
}

// TestPublishWithNoSubscribers verifies publishing into the void is not an error.
func TestPublishWithNoSubscribers(t *testing.T) {
	bus := newTestBus()
	err := bus.Publish(context.Background(), &RunCompleted{RunID: "run_1"})
	assert.NoError(t, err)
}

// TestPublishSubscriberErrorDoesNotFailPublish verifies one failing
// subscriber neither fails the publish nor starves the others.
func TestPublishSubscriberErrorDoesNotFailPublish(t *testing.T) {
	bus := newTestBus()
	var healthy int32
	bus.Subscribe("StageFailed", failingHandler("subscriber broke"))
	bus.Subscribe("StageFailed", countingHandler(&healthy))

	err := bus.Publish(context.Background(), &StageFailed{RunID: "run_1", Stage: "planning"})

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&healthy))
}

// =============================================================================
// SUBSCRIBE / UNSUBSCRIBE
// =============================================================================

// TestUnsubscribeStopsDelivery verifies the returned function removes the
// subscription.
func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	var calls int32
	unsubscribe := bus.Subscribe("RunStarted", countingHandler(&calls))

	require.NoError(t, bus.Publish(context.Background(), &RunStarted{RunID: "run_1"}))
	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), &RunStarted{RunID: "run_2"}))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestUnsubscribeRemovesOnlyItsRegistration verifies two registrations of
// the same handler are tracked independently.
func TestUnsubscribeRemovesOnlyItsRegistration(t *testing.T) {
	bus := newTestBus()
	var calls int32
	handler := countingHandler(&calls)

	first := bus.Subscribe("RunStarted", handler)
	bus.Subscribe("RunStarted", handler)

	first()

	assert.Len(t, bus.GetSubscribers("RunStarted"), 1)
	require.NoError(t, bus.Publish(context.Background(), &RunStarted{RunID: "run_1"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestUnsubscribeIsIdempotent verifies calling unsubscribe twice is safe.
func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus()
	var calls int32
	unsubscribe := bus.Subscribe("RunStarted", countingHandler(&calls))

	unsubscribe()
	unsubscribe()

	assert.Empty(t, bus.GetSubscribers("RunStarted"))
}

// =============================================================================
// SEND
// =============================================================================

// TestSendInvokesHandler verifies commands reach their registered handler.
func TestSendInvokesHandler(t *testing.T) {
	bus := newTestBus()

	var received *CancelRun
	require.NoError(t, bus.RegisterHandler("CancelRun", func(ctx context.Context, msg Message) (any, error) {
		received = msg.(*CancelRun)
		return nil, nil
	}))

	err := bus.Send(context.Background(), &CancelRun{RunID: "run_1", Reason: "operator request"})

	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, "run_1", received.RunID)
	assert.Equal(t, "operator request", received.Reason)
}

// TestSendReturnsHandlerError verifies handler failures surface to the sender.
func TestSendReturnsHandlerError(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("CancelRun", failingHandler("cannot cancel")))

	err := bus.Send(context.Background(), &CancelRun{RunID: "run_1"})

	assert.ErrorContains(t, err, "cannot cancel")
}

// TestSendWithoutHandlerIsNoop verifies a missing handler is not an error.
func TestSendWithoutHandlerIsNoop(t *testing.T) {
	bus := newTestBus()
	err := bus.Send(context.Background(), &CancelRun{RunID: "run_1"})
	assert.NoError(t, err)
}

// TestRegisterHandlerRejectsDuplicate verifies one handler per message type.
func TestRegisterHandlerRejectsDuplicate(t *testing.T) {
	bus := newTestBus()
	var calls int32
	require.NoError(t, bus.RegisterHandler("CancelRun", countingHandler(&calls)))

	err := bus.RegisterHandler("CancelRun", countingHandler(&calls))

	var dup *HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "CancelRun", dup.MessageType)
}

// =============================================================================
// QUERYSYNC
// =============================================================================

// TestQuerySyncReturnsHandlerResponse verifies the request-response path.
func TestQuerySyncReturnsHandlerResponse(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("GetPendingApproval", func(ctx context.Context, msg Message) (any, error) {
		query := msg.(*GetPendingApproval)
		return &PendingApprovalResponse{
			Found:      true,
			ApprovalID: "apr_1",
			Stage:      "planning",
			Summary:    "3 test cases planned for " + query.RunID,
		}, nil
	}))

	result, err := bus.QuerySync(context.Background(), &GetPendingApproval{RunID: "run_1"})

	require.NoError(t, err)
	response, ok := result.(*PendingApprovalResponse)
	require.True(t, ok)
	assert.True(t, response.Found)
	assert.Equal(t, "apr_1", response.ApprovalID)
	assert.Contains(t, response.Summary, "run_1")
}

// TestQuerySyncWithoutHandler verifies the typed no-handler error.
func TestQuerySyncWithoutHandler(t *testing.T) {
	bus := newTestBus()

	_, err := bus.QuerySync(context.Background(), &GetRunStatus{RunID: "run_1"})

	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "GetRunStatus", noHandler.MessageType)
}

// TestQuerySyncTimesOut verifies slow handlers are bounded by the bus timeout.
func TestQuerySyncTimesOut(t *testing.T) {
	bus := NewInMemoryBus(50*time.Millisecond, nil)
	require.NoError(t, bus.RegisterHandler("GetRunStatus", func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := bus.QuerySync(context.Background(), &GetRunStatus{RunID: "run_1"})

	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "GetRunStatus", timeout.MessageType)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// TestMiddlewareAbortSkipsSubscribers verifies a nil message from Before
// drops the event without error.
func TestMiddlewareAbortSkipsSubscribers(t *testing.T) {
	bus := newTestBus()
	var calls int32
	bus.Subscribe("RunStarted", countingHandler(&calls))
	bus.AddMiddleware(&abortingMiddleware{})

	err := bus.Publish(context.Background(), &RunStarted{RunID: "run_1"})

	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

// TestMiddlewareErrorFailsPublish verifies Before errors propagate.
func TestMiddlewareErrorFailsPublish(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(&errorMiddleware{})

	err := bus.Publish(context.Background(), &RunStarted{RunID: "run_1"})

	assert.ErrorContains(t, err, "middleware error")
}

// TestMiddlewareOrdering verifies before runs in registration order and
// after in reverse.
func TestMiddlewareOrdering(t *testing.T) {
	bus := newTestBus()
	var mu sync.Mutex
	var order []string
	bus.AddMiddleware(&trackingMiddleware{name: "outer", order: &order, mu: &mu})
	bus.AddMiddleware(&trackingMiddleware{name: "inner", order: &order, mu: &mu})

	require.NoError(t, bus.Publish(context.Background(), &RunStarted{RunID: "run_1"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer-before", "inner-before", "inner-after", "outer-after"}, order)
}

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

// TestCircuitBreakerOpensAfterThreshold verifies repeated failures block
// further traffic for that message type.
func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	bus := newTestBus()
	breaker := NewCircuitBreakerMiddleware(2, time.Minute, nil, nil)
	bus.AddMiddleware(breaker)

	var calls int32
	require.NoError(t, bus.RegisterHandler("TestCommand", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("handler broke")
	}))

	_ = bus.Send(context.Background(), &testCommand{})
	_ = bus.Send(context.Background(), &testCommand{})
	require.NoError(t, bus.Send(context.Background(), &testCommand{}))

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, string(breakerOpen), breaker.GetStates()["TestCommand"])
}

// TestCircuitBreakerRecoversThroughHalfOpen verifies a successful probe
// after the reset timeout closes the circuit again.
func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	bus := newTestBus()
	breaker := NewCircuitBreakerMiddleware(1, 10*time.Millisecond, nil, nil)
	bus.AddMiddleware(breaker)

	healthy := int32(0)
	require.NoError(t, bus.RegisterHandler("TestCommand", func(ctx context.Context, msg Message) (any, error) {
		if atomic.LoadInt32(&healthy) == 1 {
			return "ok", nil
		}
		return nil, errors.New("handler broke")
	}))

	_ = bus.Send(context.Background(), &testCommand{})
	require.Equal(t, string(breakerOpen), breaker.GetStates()["TestCommand"])

	atomic.StoreInt32(&healthy, 1)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Send(context.Background(), &testCommand{}))

	assert.Equal(t, string(breakerClosed), breaker.GetStates()["TestCommand"])
}

// TestCircuitBreakerExcludedTypesBypass verifies excluded message types are
// never blocked.
func TestCircuitBreakerExcludedTypesBypass(t *testing.T) {
	bus := newTestBus()
	breaker := NewCircuitBreakerMiddleware(1, time.Minute, []string{"TestCommand"}, nil)
	bus.AddMiddleware(breaker)

	var calls int32
	require.NoError(t, bus.RegisterHandler("TestCommand", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("handler broke")
	}))

	_ = bus.Send(context.Background(), &testCommand{})
	_ = bus.Send(context.Background(), &testCommand{})
	_ = bus.Send(context.Background(), &testCommand{})

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Empty(t, breaker.GetStates()["TestCommand"])
}

// TestCircuitBreakerReset verifies Reset clears breaker state.
func TestCircuitBreakerReset(t *testing.T) {
	bus := newTestBus()
	breaker := NewCircuitBreakerMiddleware(1, time.Minute, nil, nil)
	bus.AddMiddleware(breaker)
	require.NoError(t, bus.RegisterHandler("TestCommand", failingHandler("handler broke")))

	_ = bus.Send(context.Background(), &testCommand{})
	require.Equal(t, string(breakerOpen), breaker.GetStates()["TestCommand"])

	msgType := "TestCommand"
	breaker.Reset(&msgType)

	assert.Empty(t, breaker.GetStates())
}

// =============================================================================
// INTROSPECTION AND LIFECYCLE
// =============================================================================

// TestHasHandler verifies handler presence checks.
func TestHasHandler(t *testing.T) {
	bus := newTestBus()
	var calls int32
	require.NoError(t, bus.RegisterHandler("GetRunStatus", countingHandler(&calls)))

	assert.True(t, bus.HasHandler("GetRunStatus"))
	assert.False(t, bus.HasHandler("CancelRun"))
}

// TestGetRegisteredTypes verifies both handlers and subscriptions appear.
func TestGetRegisteredTypes(t *testing.T) {
	bus := newTestBus()
	var calls int32
	require.NoError(t, bus.RegisterHandler("GetRunStatus", countingHandler(&calls)))
	bus.Subscribe("RunStarted", countingHandler(&calls))

	types := bus.GetRegisteredTypes()

	assert.ElementsMatch(t, []string{"GetRunStatus", "RunStarted"}, types)
}

// TestClearRemovesEverything verifies Clear resets the bus.
func TestClearRemovesEverything(t *testing.T) {
	bus := newTestBus()
	var calls int32
	require.NoError(t, bus.RegisterHandler("GetRunStatus", countingHandler(&calls)))
	bus.Subscribe("RunStarted", countingHandler(&calls))
	bus.AddMiddleware(&errorMiddleware{})

	bus.Clear()

	assert.False(t, bus.HasHandler("GetRunStatus"))
	assert.Empty(t, bus.GetSubscribers("RunStarted"))
	assert.NoError(t, bus.Publish(context.Background(), &RunStarted{RunID: "run_1"}))
}
