package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidOrder = errors.New("invalid order")
	ErrInvalidSide  = errors.New("invalid side")
)

// OrderID is assigned by the caller before submission. The book does not
// check it for uniqueness.
type OrderID uint64

// Price is in caller defined ticks. No scaling is applied.
type Price int64

// Quantity is the remaining unfilled size of an order.
type Quantity int64

type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

// Opposite returns the side an incoming order of side s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide accepts "buy"/"sell" in any case, plus the short forms "b"/"s".
func ParseSide(str string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "buy", "b":
		return Buy, nil
	case "sell", "s":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, str)
}

// Level is an aggregated view of one price level.
type Level struct {
	Price    Price    `json:"price"`
	Quantity Quantity `json:"quantity"`
	Count    int      `json:"count"`
}

// Quote is the top of book. A side is only meaningful when its Has flag is set.
type Quote struct {
	BidPrice    Price    `json:"bidPrice"`
	BidQuantity Quantity `json:"bidQuantity"`
	HasBid      bool     `json:"hasBid"`
	AskPrice    Price    `json:"askPrice"`
	AskQuantity Quantity `json:"askQuantity"`
	HasAsk      bool     `json:"hasAsk"`
}
