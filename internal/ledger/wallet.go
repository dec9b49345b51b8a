// Package ledger keeps participant balances as an append-only log of
// deposits and withdrawals. A wallet's balance is the fold of its events.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

type Money int64

type WalletID string

type EventKind uint8

const (
	Deposited EventKind = iota + 1
	Withdrawn
)

func (k EventKind) String() string {
	switch k {
	case Deposited:
		return "DEPOSITED"
	case Withdrawn:
		return "WITHDRAWN"
	default:
		return "UNKNOWN"
	}
}

type Event struct {
	ID     string    `json:"id"`
	Kind   EventKind `json:"kind"`
	Amount Money     `json:"amount"`
	At     time.Time `json:"at"`
}

func newEvent(kind EventKind, amount Money, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Amount: amount, At: at}
}

type Wallet struct {
	id      WalletID
	events  []Event
	balance Money
}

func NewWallet(id WalletID) *Wallet {
	return &Wallet{id: id}
}

func (w *Wallet) ID() WalletID { return w.id }

func (w *Wallet) Balance() Money { return w.balance }

func (w *Wallet) Events() []Event { return append([]Event(nil), w.events...) }

func (w *Wallet) apply(event Event) {
	switch event.Kind {
	case Deposited:
		w.balance += event.Amount
	case Withdrawn:
		w.balance -= event.Amount
	}
	w.events = append(w.events, event)
}

// checkDeposit and checkWithdraw validate without mutating, so a caller can
// persist the event before applying it.
func (w *Wallet) checkDeposit(amount Money) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

func (w *Wallet) checkWithdraw(amount Money) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if w.balance < amount {
		return fmt.Errorf("%w: balance=%d, attempted=%d", ErrInsufficientFunds, w.balance, amount)
	}
	return nil
}
