package events

import (
	"fmt"
	"math"
)

// lineTotalTolerance absorbs currency rounding when cross-checking line totals.
const lineTotalTolerance = 0.01

// ValidateOrderCreated checks an order payload's structural constraints.
// Any violation classifies the whole event as malformed.
func ValidateOrderCreated(o *OrderCreated) error {
	if o.OrderID == "" {
		return fmt.Errorf("%w: missing order id", ErrMalformedEvent)
	}

	if o.CustomerID == "" {
		return fmt.Errorf("%w: order %s missing customer id", ErrMalformedEvent, o.OrderID)
	}

	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order %s has no items", ErrMalformedEvent, o.OrderID)
	}

	if o.CreatedAt.IsZero() {
		return fmt.Errorf("%w: order %s missing created timestamp", ErrMalformedEvent, o.OrderID)
	}

	for i, item := range o.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: order %s item %d missing product id", ErrMalformedEvent, o.OrderID, i)
		}

		if item.Quantity <= 0 {
			return fmt.Errorf("%w: order %s item %d has non-positive quantity", ErrMalformedEvent, o.OrderID, i)
		}

		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: order %s item %d has negative unit price", ErrMalformedEvent, o.OrderID, i)
		}

		expected := float64(item.Quantity) * item.UnitPrice
		if math.Abs(item.LineTotal-expected) > lineTotalTolerance {
			return fmt.Errorf("%w: order %s item %d line total %.2f does not match %.2f",
				ErrMalformedEvent, o.OrderID, i, item.LineTotal, expected)
		}
	}

	return nil
}

// ValidatePrintCompleted checks a print outcome payload.
func ValidatePrintCompleted(p *PrintCompleted) error {
	if p.CorrelationID == "" {
		return fmt.Errorf("%w: missing correlation id", ErrMalformedEvent)
	}

	if p.ActualMinutes <= 0 {
		return fmt.Errorf("%w: non-positive actual minutes for %s", ErrMalformedEvent, p.CorrelationID)
	}

	return nil
}
