package ledger

import (
	"errors"
	"fmt"
	"sync/atomic"

	"matchbook/internal/breaker"
	"matchbook/internal/common"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const defaultSettleQueue = 4096

var ErrSettleQueueFull = errors.New("settlement queue full")

// Settler moves trade proceeds from buyer to seller after the fact. It runs
// off the matching goroutine: by the time a settlement fails the trade has
// already happened, so failures are logged and counted and nothing else.
// Trades the ledger refuses are counted apart from store failures, and only
// store failures count against the breaker.
type Settler struct {
	ledger  *Service
	breaker *breaker.Breaker
	queue   chan common.Execution

	settled  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

func NewSettler(ledger *Service, b *breaker.Breaker, queueSize int) *Settler {
	if queueSize <= 0 {
		queueSize = defaultSettleQueue
	}
	return &Settler{
		ledger:  ledger,
		breaker: b,
		queue:   make(chan common.Execution, queueSize),
	}
}

// ReportTrade queues an execution for settlement without blocking the
// sequencer.
func (s *Settler) ReportTrade(exec common.Execution) error {
	select {
	case s.queue <- exec:
		return nil
	default:
		s.failed.Add(1)
		return ErrSettleQueueFull
	}
}

func (s *Settler) ReportQuote(common.Quote) error { return nil }

// Run settles queued executions until the tomb dies, then drains what is
// already queued.
func (s *Settler) Run(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			for {
				select {
				case exec := <-s.queue:
					s.settle(exec)
				default:
					return nil
				}
			}
		case exec := <-s.queue:
			s.settle(exec)
		}
	}
}

func (s *Settler) settle(exec common.Execution) {
	notional, err := exec.Notional()
	if err == nil && notional < 0 {
		err = fmt.Errorf("%w: notional %d", ErrInvalidAmount, notional)
	}
	if err != nil {
		s.reject(exec, notional, err)
		return
	}
	if notional == 0 {
		// Nothing changes hands at a zero price.
		s.settled.Add(1)
		return
	}

	var rejected error
	err = s.breaker.Call(func() error {
		err := s.ledger.Transfer(WalletID(exec.BuyOwner), WalletID(exec.SellOwner), Money(notional))
		// Business rejections say nothing about the health of the store.
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrWalletNotFound) || errors.Is(err, ErrInvalidAmount) {
			rejected = err
			return nil
		}
		return err
	})
	if rejected != nil {
		s.reject(exec, notional, rejected)
		return
	}
	if err != nil {
		s.failed.Add(1)
		log.Error().
			Err(err).
			Uint64("seq", exec.Seq).
			Str("buyer", exec.BuyOwner).
			Str("seller", exec.SellOwner).
			Int64("notional", notional).
			Msg("settlement failed")
		return
	}
	s.settled.Add(1)
}

func (s *Settler) reject(exec common.Execution, notional int64, err error) {
	s.rejected.Add(1)
	log.Warn().
		Err(err).
		Uint64("seq", exec.Seq).
		Str("buyer", exec.BuyOwner).
		Str("seller", exec.SellOwner).
		Int64("price", int64(exec.Trade.Price)).
		Int64("quantity", int64(exec.Trade.Quantity)).
		Int64("notional", notional).
		Msg("settlement rejected")
}

func (s *Settler) Settled() uint64 { return s.settled.Load() }

// Failed counts settlements lost to the store or a full queue.
func (s *Settler) Failed() uint64 { return s.failed.Load() }

// Rejected counts trades the ledger refused: unknown wallets, insufficient
// funds and amounts that are not positive or do not fit.
func (s *Settler) Rejected() uint64 { return s.rejected.Load() }
