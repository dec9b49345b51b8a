package engine_test

import (
	"testing"

	. "matchbook/internal/common"
	"matchbook/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

// placeTestOrders rests (or matches) one order per quantity, with ids counted
// up from firstID.
func placeTestOrders(t *testing.T, book *engine.OrderBook, firstID OrderID, price Price, side Side, quantities ...Quantity) []Trade {
	t.Helper()
	var trades []Trade
	for i, qty := range quantities {
		got, err := book.Submit(Order{
			ID:       firstID + OrderID(i),
			Side:     side,
			Price:    price,
			Quantity: qty,
		})
		require.NoError(t, err)
		trades = append(trades, got...)
	}
	return trades
}

func order(id OrderID, side Side, price Price, qty Quantity) Order {
	return Order{ID: id, Side: side, Price: price, Quantity: qty}
}

// --- Scenarios --------------------------------------------------------------

func TestSubmit_RestsOnEmptyBook(t *testing.T) {
	book := engine.NewOrderBook()

	trades, err := book.Submit(order(1, Buy, 100, 10))
	require.NoError(t, err)

	assert.Empty(t, trades)
	assert.Equal(t, []Order{order(1, Buy, 100, 10)}, book.Bids())
	assert.Empty(t, book.Asks())
}

func TestSubmit_ExactMatchClearsBook(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 100, Sell, 10)

	trades, err := book.Submit(order(2, Buy, 100, 10))
	require.NoError(t, err)

	assert.Equal(t, []Trade{{BuyID: 2, SellID: 1, Price: 100, Quantity: 10}}, trades)
	assert.Empty(t, book.Bids())
	assert.Empty(t, book.Asks())
	assert.Equal(t, engine.Stats{}, book.Stats())
}

func TestSubmit_PartialFillLeavesRestingRemainder(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 100, Sell, 10)

	trades, err := book.Submit(order(2, Buy, 100, 5))
	require.NoError(t, err)

	assert.Equal(t, []Trade{{BuyID: 2, SellID: 1, Price: 100, Quantity: 5}}, trades)
	assert.Equal(t, []Order{order(1, Sell, 100, 5)}, book.Asks())
	assert.Empty(t, book.Bids())
}

func TestSubmit_BestPriceFirstAcrossLevels(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 95, Sell, 5)
	placeTestOrders(t, book, 2, 100, Sell, 5)

	trades, err := book.Submit(order(3, Buy, 100, 7))
	require.NoError(t, err)

	assert.Equal(t, []Trade{
		{BuyID: 3, SellID: 1, Price: 95, Quantity: 5},
		{BuyID: 3, SellID: 2, Price: 100, Quantity: 2},
	}, trades)
	assert.Equal(t, []Order{order(2, Sell, 100, 3)}, book.Asks())
	assert.Empty(t, book.Bids())
}

func TestSubmit_NoCrossBothRest(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 90, Buy, 5)

	trades, err := book.Submit(order(2, Sell, 95, 5))
	require.NoError(t, err)

	assert.Empty(t, trades)
	assert.Equal(t, []Order{order(1, Buy, 90, 5)}, book.Bids())
	assert.Equal(t, []Order{order(2, Sell, 95, 5)}, book.Asks())

	spread, ok := book.Spread()
	require.True(t, ok)
	assert.Equal(t, Price(5), spread)
}

func TestSubmit_TradesAtMakerPrice(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 90, Buy, 5)

	// Aggressive sell well below the bid still trades at the bid.
	trades, err := book.Submit(order(2, Sell, 50, 5))
	require.NoError(t, err)
	assert.Equal(t, []Trade{{BuyID: 1, SellID: 2, Price: 90, Quantity: 5}}, trades)
}

// --- Priority ---------------------------------------------------------------

func TestSubmit_PriceLevelsSorted(t *testing.T) {
	book := engine.NewOrderBook()

	placeTestOrders(t, book, 1, 98, Buy, 50)
	placeTestOrders(t, book, 2, 99, Buy, 100, 90, 80)
	placeTestOrders(t, book, 5, 101, Sell, 20)
	placeTestOrders(t, book, 6, 100, Sell, 100, 90)

	assert.Equal(t, []Order{
		order(2, Buy, 99, 100),
		order(3, Buy, 99, 90),
		order(4, Buy, 99, 80),
		order(1, Buy, 98, 50),
	}, book.Bids(), "Bids should be sorted High -> Low")
	assert.Equal(t, []Order{
		order(6, Sell, 100, 100),
		order(7, Sell, 100, 90),
		order(5, Sell, 101, 20),
	}, book.Asks(), "Asks should be sorted Low -> High")

	assert.Equal(t, []Level{{Price: 99, Quantity: 270, Count: 3}, {Price: 98, Quantity: 50, Count: 1}}, book.BidLevels(0))
	assert.Equal(t, []Level{{Price: 100, Quantity: 190, Count: 2}}, book.AskLevels(1))
	assert.Equal(t, engine.Stats{BidOrders: 4, AskOrders: 3, BidQuantity: 320, AskQuantity: 210}, book.Stats())
}

func TestSubmit_FIFOWithinLevel(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 100, Sell, 10, 10, 10)

	trades := placeTestOrders(t, book, 10, 100, Buy, 15)
	assert.Equal(t, []Trade{
		{BuyID: 10, SellID: 1, Price: 100, Quantity: 10},
		{BuyID: 10, SellID: 2, Price: 100, Quantity: 5},
	}, trades)

	// A late order at the same price queues behind the partially filled one.
	placeTestOrders(t, book, 4, 100, Sell, 7)
	assert.Equal(t, []Order{
		order(2, Sell, 100, 5),
		order(3, Sell, 100, 10),
		order(4, Sell, 100, 7),
	}, book.Asks())
}

func TestSubmit_SweepBids(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 99, Buy, 100, 90, 80)
	placeTestOrders(t, book, 4, 98, Buy, 50)

	trades := placeTestOrders(t, book, 5, 96, Sell, 310)
	require.Len(t, trades, 4)
	assert.Equal(t, Trade{BuyID: 4, SellID: 5, Price: 98, Quantity: 40}, trades[3])

	assert.Equal(t, []Order{order(4, Buy, 98, 10)}, book.Bids())
	assert.Empty(t, book.Asks())
}

func TestSubmit_SweepStopsAtLimitAndRestsRemainder(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 100, Sell, 10)
	placeTestOrders(t, book, 2, 101, Sell, 10)
	placeTestOrders(t, book, 3, 103, Sell, 10)

	trades := placeTestOrders(t, book, 4, 101, Buy, 30)
	assert.Len(t, trades, 2)

	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, order(4, Buy, 101, 10), bid)

	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, order(3, Sell, 103, 10), ask)

	assert.Equal(t, Quote{
		BidPrice: 101, BidQuantity: 10, HasBid: true,
		AskPrice: 103, AskQuantity: 10, HasAsk: true,
	}, book.Quote())
}

// --- Validation -------------------------------------------------------------

func TestSubmit_RejectsInvalidOrders(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 100, Sell, 10)

	for name, bad := range map[string]Order{
		"zero quantity":     order(2, Buy, 100, 0),
		"negative quantity": order(3, Buy, 100, -5),
		"unknown side":      {ID: 4, Side: Side(7), Price: 100, Quantity: 5},
	} {
		t.Run(name, func(t *testing.T) {
			trades, err := book.Submit(bad)
			assert.ErrorIs(t, err, ErrInvalidOrder)
			assert.Empty(t, trades)
		})
	}

	// The book is untouched by rejected orders.
	assert.Equal(t, []Order{order(1, Sell, 100, 10)}, book.Asks())
	assert.Empty(t, book.Bids())
}

func TestBest_EmptyBook(t *testing.T) {
	book := engine.NewOrderBook()

	_, ok := book.BestBid()
	assert.False(t, ok)
	_, ok = book.BestAsk()
	assert.False(t, ok)
	_, ok = book.Spread()
	assert.False(t, ok)
	assert.Equal(t, Quote{}, book.Quote())
}

func TestSnapshotsAreCopies(t *testing.T) {
	book := engine.NewOrderBook()
	placeTestOrders(t, book, 1, 100, Sell, 10)

	asks := book.Asks()
	asks[0].Quantity = 1

	assert.Equal(t, Quantity(10), book.Asks()[0].Quantity)
}
