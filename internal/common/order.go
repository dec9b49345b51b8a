package common

import (
	"fmt"
)

type Order struct {
	ID       OrderID  // Caller assigned id
	Side     Side     // Order side
	Price    Price    // Limiting price
	Quantity Quantity // Remaining quantity
}

// Validate rejects orders that would break the book's invariants if they
// were allowed to rest: non positive quantities and unknown sides.
func (order Order) Validate() error {
	if !order.Side.Valid() {
		return fmt.Errorf("%w: order %d: %w", ErrInvalidOrder, order.ID, ErrInvalidSide)
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("%w: order %d: quantity %d must be positive", ErrInvalidOrder, order.ID, order.Quantity)
	}
	return nil
}

func (order Order) String() string {
	return fmt.Sprintf("%s #%d %d @ %d", order.Side, order.ID, order.Quantity, order.Price)
}
