package common

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrNotionalOverflow = errors.New("notional overflows int64")

// Trade is a single fill. Price is always the resting order's price.
type Trade struct {
	BuyID    OrderID  `json:"buyId"`
	SellID   OrderID  `json:"sellId"`
	Price    Price    `json:"price"`
	Quantity Quantity `json:"quantity"`
}

func (t Trade) String() string {
	return fmt.Sprintf("buy #%d / sell #%d %d @ %d", t.BuyID, t.SellID, t.Quantity, t.Price)
}

// Execution accounts for the two parties who matched, as seen by the
// sequencer once the trade has left the book.
type Execution struct {
	Seq       uint64    `json:"seq"`
	Trade     Trade     `json:"trade"`
	TakerSide Side      `json:"takerSide"`
	BuyOwner  string    `json:"buyOwner"`
	SellOwner string    `json:"sellOwner"`
	Timestamp time.Time `json:"timestamp"`
}

// Notional is price times quantity in ticks. Prices are unbounded, so the
// product is checked rather than allowed to wrap.
func (e Execution) Notional() (int64, error) {
	price, quantity := int64(e.Trade.Price), int64(e.Trade.Quantity)
	if price == 0 || quantity == 0 {
		return 0, nil
	}
	notional := price * quantity
	if (quantity == -1 && price == math.MinInt64) || notional/quantity != price {
		return 0, fmt.Errorf("%w: %d x %d", ErrNotionalOverflow, price, quantity)
	}
	return notional, nil
}

// MakerID is the id of the order that was resting when the trade happened.
func (e Execution) MakerID() OrderID {
	if e.TakerSide == Buy {
		return e.Trade.SellID
	}
	return e.Trade.BuyID
}

// TakerID is the id of the incoming order.
func (e Execution) TakerID() OrderID {
	if e.TakerSide == Buy {
		return e.Trade.BuyID
	}
	return e.Trade.SellID
}

func (e Execution) String() string {
	return fmt.Sprintf(
		`Seq:       %d
Trade:     %s
Taker:     %v
Buyer:     %s
Seller:    %s
Timestamp: %v`,
		e.Seq,
		e.Trade,
		e.TakerSide,
		e.BuyOwner,
		e.SellOwner,
		e.Timestamp.Format(time.RFC3339),
	)
}
