// Package commbus provides the in-process communication bus protocols and
// implementation.
//
// All components depend on these protocols, not on the implementation. The
// bus carries three kinds of traffic:
//   - Events: fire-and-forget, fan-out to all subscribers
//   - Commands: fire-and-forget, single handler
//   - Queries: request-response, single handler, bounded by a timeout
package commbus

import (
	"context"
)

// =============================================================================
// CORE PROTOCOLS
// =============================================================================

// Message is the protocol for all bus messages.
// Every message (event, query, command) declares its category.
type Message interface {
	// Category returns the message category: "event", "query", or "command".
	Category() string
}

// Query is the protocol for messages that expect a response.
type Query interface {
	Message
	// IsQuery is a marker method distinguishing queries from other messages.
	IsQuery()
}

// Handler is the protocol for message handlers.
// Handlers process messages and optionally return responses (for queries).
type Handler interface {
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware intercepts messages before and after handling.
// Used for logging, failure isolation, and other cross-cutting concerns.
type Middleware interface {
	// Before is called before the message is handled.
	// Returns the (possibly modified) message, or nil to abort processing.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after the message is handled.
	// Returns the (possibly modified) result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// Bus is the protocol for the communication bus.
//
// Publish blocks until every subscriber has run, so callers can rely on
// lifecycle events being observed before the next pipeline step starts.
type Bus interface {
	// Publish delivers an event to all subscribers and waits for them.
	// Subscriber errors are logged and do not fail the publish.
	Publish(ctx context.Context, event Message) error

	// Send delivers a command to its single handler.
	Send(ctx context.Context, command Message) error

	// QuerySync delivers a query to its handler and waits for the response
	// or the bus query timeout, whichever comes first.
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe registers a subscriber for an event type.
	// The returned function removes the subscription.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler registers the handler for a command or query type.
	// Only one handler per message type is allowed.
	RegisterHandler(messageType string, handler HandlerFunc) error

	// AddMiddleware appends middleware, executed in registration order.
	AddMiddleware(middleware Middleware)

	// HasHandler reports whether a handler is registered for a message type.
	HasHandler(messageType string) bool

	// GetSubscribers returns the subscribers for an event type.
	GetSubscribers(eventType string) []HandlerFunc

	// Clear removes all handlers, subscribers, and middleware.
	Clear()
}
