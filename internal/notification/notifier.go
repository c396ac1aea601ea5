// Package notification provides fire-and-forget delivery of order lifecycle
// events to external channels (Telegram, webhooks, the ops event feed).
// Delivery failures are logged and never propagate into the execution path.
package notification

import (
	"context"
	"log"
)

// EventType identifies an order lifecycle event.
type EventType string

const (
	EventExecuted      EventType = "ORDER_EXECUTED"
	EventFailed        EventType = "ORDER_FAILED"
	EventExpired       EventType = "ORDER_EXPIRED"
	EventSlippageAbort EventType = "ORDER_SLIPPAGE_ABORT"
)

// Event is a single order lifecycle notification.
type Event struct {
	Type     EventType         `json:"type"`
	OrderID  string            `json:"order_id"`
	Username string            `json:"username"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an event. Returns error if delivery fails.
	Send(ctx context.Context, ev Event) error
}

// LogNotifier is a simple notifier that logs events (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, ev Event) error {
	log.Printf("[notify] [%s] order=%s user=%s payload=%v", ev.Type, ev.OrderID, ev.Username, ev.Payload)
	return nil
}

// Multi fans an event out to several backends. Individual failures are
// logged and swallowed — notifications are best-effort by contract.
type Multi struct {
	backends []Notifier
}

// NewMulti creates a fan-out notifier.
func NewMulti(backends ...Notifier) *Multi {
	return &Multi{backends: backends}
}

func (m *Multi) Send(ctx context.Context, ev Event) error {
	for _, b := range m.backends {
		if err := b.Send(ctx, ev); err != nil {
			log.Printf("[notify] backend %T failed for order %s: %v", b, ev.OrderID, err)
		}
	}
	return nil
}
