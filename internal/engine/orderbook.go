package engine

import (
	. "matchbook/internal/common"

	"github.com/tidwall/btree"
)

// PriceLevel holds the resting orders at one price, oldest first.
type PriceLevel struct {
	price  Price
	orders []*Order
}

func (level *PriceLevel) front() *Order {
	return level.orders[0]
}

// popFront drops the oldest order. The slot is cleared so the backing array
// does not keep exhausted orders alive.
func (level *PriceLevel) popFront() {
	level.orders[0] = nil
	level.orders = level.orders[1:]
}

func (level *PriceLevel) quantity() Quantity {
	var total Quantity
	for _, order := range level.orders {
		total += order.Quantity
	}
	return total
}

type PriceLevels = btree.BTreeG[*PriceLevel]

// Stats is the book keeping the book maintains on every mutation.
type Stats struct {
	BidOrders   int      `json:"bidOrders"`
	AskOrders   int      `json:"askOrders"`
	BidQuantity Quantity `json:"bidQuantity"`
	AskQuantity Quantity `json:"askQuantity"`
}

// OrderBook is a single instrument limit order book. It is not safe for
// concurrent use; Engine serializes access to it.
type OrderBook struct {
	// Price levels to orders sat on the price level, sorted by time added
	// as they will be push-back'd.
	bids *PriceLevels
	asks *PriceLevels

	stats Stats
}

func NewOrderBook() *OrderBook {
	// Sorted greatest first.
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.price > b.price
	})
	// Sorted least first.
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.price < b.price
	})
	return &OrderBook{
		bids: bids,
		asks: asks,
	}
}

// Submit matches an incoming limit order against the opposite side and rests
// whatever is left. Trades are returned in the order they were generated,
// best price first.
//
// Invalid orders are rejected before the book is touched, so a zero or
// negative quantity can never rest.
func (book *OrderBook) Submit(order Order) ([]Trade, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	trades := book.match(&order)
	if order.Quantity > 0 {
		book.insert(order)
	}
	return trades, nil
}

// match consumes the top of the opposite side while the incoming order still
// crosses it. Each iteration either exhausts the incoming order or removes at
// least one resting order, so the loop always terminates.
func (book *OrderBook) match(incoming *Order) []Trade {
	var trades []Trade
	levels := book.side(incoming.Side.Opposite())

	for incoming.Quantity > 0 {
		level, ok := levels.MinMut()
		if !ok {
			break
		}
		// Best level does not cross, nothing deeper can.
		if !crosses(incoming, level.price) {
			break
		}

		resting := level.front()
		fill := min(incoming.Quantity, resting.Quantity)
		incoming.Quantity -= fill
		resting.Quantity -= fill
		trades = append(trades, newTrade(incoming, resting, fill))
		book.consumed(resting.Side, fill)

		if resting.Quantity == 0 {
			level.popFront()
			book.removed(resting.Side)
			if len(level.orders) == 0 {
				levels.Delete(level)
			}
		}
	}
	return trades
}

// crosses reports whether an incoming order can trade against a resting
// price on the other side.
func crosses(incoming *Order, restingPrice Price) bool {
	if incoming.Side == Buy {
		return incoming.Price >= restingPrice
	}
	return incoming.Price <= restingPrice
}

// newTrade executes at the maker's price.
func newTrade(incoming, resting *Order, fill Quantity) Trade {
	trade := Trade{Price: resting.Price, Quantity: fill}
	if incoming.Side == Buy {
		trade.BuyID, trade.SellID = incoming.ID, resting.ID
	} else {
		trade.BuyID, trade.SellID = resting.ID, incoming.ID
	}
	return trade
}

// insert rests an order behind every order already at its price. Levels
// comparator only accounts for price levels, so we create a dummy price
// level for the search.
func (book *OrderBook) insert(order Order) {
	levels := book.side(order.Side)
	level, ok := levels.GetMut(&PriceLevel{price: order.Price})
	if ok {
		// If the price level already exists, just append onto the existing orders.
		level.orders = append(level.orders, &order)
	} else {
		// Otherwise, if the price level does not exist, create the price level.
		levels.Set(&PriceLevel{
			price:  order.Price,
			orders: []*Order{&order},
		})
	}

	switch order.Side {
	case Buy:
		book.stats.BidOrders++
		book.stats.BidQuantity += order.Quantity
	case Sell:
		book.stats.AskOrders++
		book.stats.AskQuantity += order.Quantity
	}
}

func (book *OrderBook) consumed(side Side, fill Quantity) {
	if side == Buy {
		book.stats.BidQuantity -= fill
	} else {
		book.stats.AskQuantity -= fill
	}
}

func (book *OrderBook) removed(side Side) {
	if side == Buy {
		book.stats.BidOrders--
	} else {
		book.stats.AskOrders--
	}
}

func (book *OrderBook) side(side Side) *PriceLevels {
	if side == Buy {
		return book.bids
	}
	return book.asks
}

// ---- Introspection ----

func best(levels *PriceLevels) (Order, bool) {
	level, ok := levels.Min()
	if !ok {
		return Order{}, false
	}
	return *level.front(), true
}

// BestBid returns the first order in bid priority.
func (book *OrderBook) BestBid() (Order, bool) {
	return best(book.bids)
}

// BestAsk returns the first order in ask priority.
func (book *OrderBook) BestAsk() (Order, bool) {
	return best(book.asks)
}

// Quote returns the top of book, aggregating the quantity of the best level
// on each side.
func (book *OrderBook) Quote() Quote {
	var quote Quote
	if level, ok := book.bids.Min(); ok {
		quote.HasBid = true
		quote.BidPrice = level.price
		quote.BidQuantity = level.quantity()
	}
	if level, ok := book.asks.Min(); ok {
		quote.HasAsk = true
		quote.AskPrice = level.price
		quote.AskQuantity = level.quantity()
	}
	return quote
}

// Spread is best ask minus best bid. It is only defined when both sides rest.
func (book *OrderBook) Spread() (Price, bool) {
	bid, bidOk := book.bids.Min()
	ask, askOk := book.asks.Min()
	if !bidOk || !askOk {
		return 0, false
	}
	return ask.price - bid.price, true
}

func flatten(levels *PriceLevels) []Order {
	var orders []Order
	levels.Scan(func(level *PriceLevel) bool {
		for _, order := range level.orders {
			orders = append(orders, *order)
		}
		return true
	})
	return orders
}

// Bids returns copies of every resting buy order in matching priority.
func (book *OrderBook) Bids() []Order {
	return flatten(book.bids)
}

// Asks returns copies of every resting sell order in matching priority.
func (book *OrderBook) Asks() []Order {
	return flatten(book.asks)
}

func aggregate(levels *PriceLevels, depth int) []Level {
	var out []Level
	levels.Scan(func(level *PriceLevel) bool {
		out = append(out, Level{
			Price:    level.price,
			Quantity: level.quantity(),
			Count:    len(level.orders),
		})
		return depth <= 0 || len(out) < depth
	})
	return out
}

// BidLevels aggregates the best depth bid levels. depth <= 0 returns all.
func (book *OrderBook) BidLevels(depth int) []Level {
	return aggregate(book.bids, depth)
}

// AskLevels aggregates the best depth ask levels. depth <= 0 returns all.
func (book *OrderBook) AskLevels(depth int) []Level {
	return aggregate(book.asks, depth)
}

func (book *OrderBook) Stats() Stats {
	return book.stats
}
