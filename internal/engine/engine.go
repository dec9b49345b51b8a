package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "matchbook/internal/common"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const DefaultQueueSize = 1024

var (
	ErrDuplicateOrder = errors.New("order id already resting")
	ErrStopped        = errors.New("engine stopped")
)

// Reporter receives the output of the sequencer. Calls are made from the
// matching goroutine in emission order, so implementations must not block
// for long. A returned error is logged and never undoes the match.
type Reporter interface {
	ReportTrade(exec Execution) error
	ReportQuote(quote Quote) error
}

type Config struct {
	QueueSize int
	// Clock stamps executions. Defaults to time.Now.
	Clock func() time.Time
}

// Snapshot is a consistent read of the book taken between two submissions.
type Snapshot struct {
	Quote Quote   `json:"quote"`
	Bids  []Level `json:"bids"`
	Asks  []Level `json:"asks"`
	Stats Stats   `json:"stats"`
	Seq   uint64  `json:"seq"`
}

type submitRequest struct {
	owner  string
	order  Order
	result chan submitResult
}

type submitResult struct {
	trades []Trade
	err    error
}

type snapshotRequest struct {
	depth  int
	result chan Snapshot
}

// resting remembers who owns a resting order and how much of it is left, so
// executions can name both counterparties.
type resting struct {
	owner     string
	remaining Quantity
}

// Engine owns one OrderBook and is its only writer. Submissions from any
// number of goroutines are queued and applied one at a time by Run.
type Engine struct {
	book     *OrderBook
	requests chan any
	clock    func() time.Time

	reportersLock sync.RWMutex
	reporters     []Reporter

	// Owned by the matching goroutine.
	resting map[OrderID]*resting
	seq     uint64

	done chan struct{}
}

func New(cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		book:     NewOrderBook(),
		requests: make(chan any, cfg.QueueSize),
		clock:    cfg.Clock,
		resting:  make(map[OrderID]*resting),
		done:     make(chan struct{}),
	}
}

// AddReporter registers a consumer of executions and quotes.
func (engine *Engine) AddReporter(reporter Reporter) {
	engine.reportersLock.Lock()
	defer engine.reportersLock.Unlock()
	engine.reporters = append(engine.reporters, reporter)
}

// Run is the matching loop. It returns when the tomb starts dying.
func (engine *Engine) Run(t *tomb.Tomb) error {
	defer close(engine.done)
	log.Info().Msg("matching engine running")

	for {
		select {
		case <-t.Dying():
			log.Info().Uint64("seq", engine.seq).Msg("matching engine stopping")
			return nil
		case request := <-engine.requests:
			switch req := request.(type) {
			case submitRequest:
				trades, err := engine.apply(req.owner, req.order)
				req.result <- submitResult{trades: trades, err: err}
			case snapshotRequest:
				req.result <- engine.snapshot(req.depth)
			}
		}
	}
}

// Submit queues an order for matching and waits for its trades. The context
// bounds both the wait for queue space and the wait for the result; an order
// that was already queued when the context expires may still be matched.
func (engine *Engine) Submit(ctx context.Context, owner string, order Order) ([]Trade, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	req := submitRequest{owner: owner, order: order, result: make(chan submitResult, 1)}
	if err := engine.enqueue(ctx, req); err != nil {
		return nil, err
	}

	select {
	case res := <-req.result:
		return res.trades, res.err
	case <-engine.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot reads the book on the matching goroutine. depth limits the number
// of aggregated levels per side, depth <= 0 returns all of them.
func (engine *Engine) Snapshot(ctx context.Context, depth int) (Snapshot, error) {
	req := snapshotRequest{depth: depth, result: make(chan Snapshot, 1)}
	if err := engine.enqueue(ctx, req); err != nil {
		return Snapshot{}, err
	}

	select {
	case snap := <-req.result:
		return snap, nil
	case <-engine.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (engine *Engine) enqueue(ctx context.Context, req any) error {
	select {
	case <-engine.done:
		return ErrStopped
	default:
	}

	select {
	case engine.requests <- req:
		return nil
	case <-engine.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply runs on the matching goroutine only.
func (engine *Engine) apply(owner string, order Order) ([]Trade, error) {
	if _, ok := engine.resting[order.ID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateOrder, order.ID)
	}

	original := order.Quantity
	trades, err := engine.book.Submit(order)
	if err != nil {
		return nil, err
	}

	now := engine.clock()
	filled := Quantity(0)
	for _, trade := range trades {
		filled += trade.Quantity
		engine.seq++

		exec := Execution{
			Seq:       engine.seq,
			Trade:     trade,
			TakerSide: order.Side,
			Timestamp: now,
		}
		maker := engine.resting[exec.MakerID()]
		makerOwner := ""
		if maker != nil {
			makerOwner = maker.owner
			maker.remaining -= trade.Quantity
			if maker.remaining <= 0 {
				delete(engine.resting, exec.MakerID())
			}
		}
		if order.Side == Buy {
			exec.BuyOwner, exec.SellOwner = owner, makerOwner
		} else {
			exec.BuyOwner, exec.SellOwner = makerOwner, owner
		}
		engine.reportTrade(exec)
	}

	if remaining := original - filled; remaining > 0 {
		engine.resting[order.ID] = &resting{owner: owner, remaining: remaining}
	}

	log.Debug().
		Uint64("id", uint64(order.ID)).
		Str("side", order.Side.String()).
		Int64("price", int64(order.Price)).
		Int64("quantity", int64(original)).
		Int("trades", len(trades)).
		Msg("order applied")

	engine.reportQuote(engine.book.Quote())
	return trades, nil
}

func (engine *Engine) snapshot(depth int) Snapshot {
	return Snapshot{
		Quote: engine.book.Quote(),
		Bids:  engine.book.BidLevels(depth),
		Asks:  engine.book.AskLevels(depth),
		Stats: engine.book.Stats(),
		Seq:   engine.seq,
	}
}

func (engine *Engine) reportTrade(exec Execution) {
	engine.reportersLock.RLock()
	defer engine.reportersLock.RUnlock()
	for _, reporter := range engine.reporters {
		if err := reporter.ReportTrade(exec); err != nil {
			log.Error().Err(err).Uint64("seq", exec.Seq).Msg("unable to report trade")
		}
	}
}

func (engine *Engine) reportQuote(quote Quote) {
	engine.reportersLock.RLock()
	defer engine.reportersLock.RUnlock()
	for _, reporter := range engine.reporters {
		if err := reporter.ReportQuote(quote); err != nil {
			log.Error().Err(err).Msg("unable to report quote")
		}
	}
}
