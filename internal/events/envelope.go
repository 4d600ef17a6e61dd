// Package events consumes platform domain events from Kafka and folds them
// into the training record store, triggering retraining when a family's
// accumulated data crosses its threshold.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types consumed from the platform topics.
const (
	TypeOrderCreated   = "order.created"
	TypePrintCompleted = "print.completed"
)

// ErrMalformedEvent is returned when an event cannot be decoded or fails
// validation. Malformed events are logged and discarded, never re-raised to
// the transport.
var ErrMalformedEvent = errors.New("malformed event")

// Envelope is the typed frame around every domain event. MessageID is the
// idempotency key; Payload is decoded per Type.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// OrderItem is one line item on a created order.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	LineTotal float64 `json:"lineTotal"`
}

// OrderCreated is the payload of an order.created event.
type OrderCreated struct {
	OrderID    string      `json:"orderId"`
	CustomerID string      `json:"customerId"`
	Items      []OrderItem `json:"items"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// PrintCompleted is the payload of a print.completed event: the realized
// print duration for a previously predicted job, keyed by the prediction's
// correlation id.
type PrintCompleted struct {
	CorrelationID string    `json:"correlationId"`
	ActualMinutes float64   `json:"actualMinutes"`
	CompletedAt   time.Time `json:"completedAt"`
}

// DecodeEnvelope parses and validates the event frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if env.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedEvent)
	}

	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	return &env, nil
}
