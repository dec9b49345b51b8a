package ledger_test

import (
	"errors"
	"testing"
	"time"

	"matchbook/internal/breaker"
	"matchbook/internal/common"
	"matchbook/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

// flakyStore fails every Append while broken is set.
type flakyStore struct {
	*ledger.MemoryStore
	broken bool
}

func (s *flakyStore) Append(entries ...ledger.Entry) error {
	if s.broken {
		return errors.New("disk on fire")
	}
	return s.MemoryStore.Append(entries...)
}

func execution(seq uint64, buyer, seller string, price common.Price, qty common.Quantity) common.Execution {
	return common.Execution{
		Seq:       seq,
		Trade:     common.Trade{BuyID: 1, SellID: 2, Price: price, Quantity: qty},
		TakerSide: common.Buy,
		BuyOwner:  buyer,
		SellOwner: seller,
	}
}

func runSettler(t *testing.T, settler *ledger.Settler, execs ...common.Execution) {
	t.Helper()
	for _, exec := range execs {
		require.NoError(t, settler.ReportTrade(exec))
	}
	var tb tomb.Tomb
	tb.Go(func() error { return settler.Run(&tb) })
	tb.Kill(nil)
	require.NoError(t, tb.Wait())
}

func TestSettler_MovesNotionalFromBuyerToSeller(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.CreateWallet("buyer"))
	require.NoError(t, svc.CreateWallet("seller"))
	require.NoError(t, svc.Deposit("buyer", 10_000))

	settler := ledger.NewSettler(svc, breaker.New(breaker.Config{Name: "ledger", FailureThreshold: 3, OpenTimeout: time.Second}), 8)
	runSettler(t, settler,
		execution(1, "buyer", "seller", 95, 5),
		execution(2, "buyer", "seller", 100, 2),
	)

	assert.Equal(t, uint64(2), settler.Settled())
	buyer, err := svc.Balance("buyer")
	require.NoError(t, err)
	seller, err := svc.Balance("seller")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(10_000-675), buyer)
	assert.Equal(t, ledger.Money(675), seller)
}

func TestSettler_RejectionsDoNotTripBreaker(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.CreateWallet("seller"))

	b := breaker.New(breaker.Config{Name: "ledger", FailureThreshold: 1, OpenTimeout: time.Hour})
	settler := ledger.NewSettler(svc, b, 8)
	runSettler(t, settler,
		execution(1, "unknown-buyer", "seller", 100, 1),
		execution(2, "unknown-buyer", "seller", 100, 1),
	)

	assert.Equal(t, uint64(2), settler.Rejected())
	assert.Zero(t, settler.Failed())
	assert.True(t, b.IsClosed())
}

func TestSettler_StoreFailuresOpenBreaker(t *testing.T) {
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore()}
	svc, err := ledger.Open(store)
	require.NoError(t, err)
	require.NoError(t, svc.CreateWallet("buyer"))
	require.NoError(t, svc.CreateWallet("seller"))
	require.NoError(t, svc.Deposit("buyer", 1_000))
	store.broken = true

	b := breaker.New(breaker.Config{Name: "ledger", FailureThreshold: 2, OpenTimeout: time.Hour})
	settler := ledger.NewSettler(svc, b, 8)
	runSettler(t, settler,
		execution(1, "buyer", "seller", 10, 1),
		execution(2, "buyer", "seller", 10, 1),
		execution(3, "buyer", "seller", 10, 1),
	)

	assert.True(t, b.IsOpen())
	assert.Equal(t, uint64(3), settler.Failed())
	balance, err := svc.Balance("buyer")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(1_000), balance)
}

func TestSettler_QueueFull(t *testing.T) {
	settler := ledger.NewSettler(newService(t), breaker.New(breaker.Config{}), 1)

	require.NoError(t, settler.ReportTrade(execution(1, "a", "b", 1, 1)))
	assert.ErrorIs(t, settler.ReportTrade(execution(2, "a", "b", 1, 1)), ledger.ErrSettleQueueFull)
	assert.NoError(t, settler.ReportQuote(common.Quote{}))
}

func TestSettler_RejectsOverflowingNotional(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.CreateWallet("buyer"))
	require.NoError(t, svc.CreateWallet("seller"))
	require.NoError(t, svc.Deposit("buyer", 10))

	b := breaker.New(breaker.Config{Name: "ledger", FailureThreshold: 1, OpenTimeout: time.Hour})
	settler := ledger.NewSettler(svc, b, 8)
	runSettler(t, settler, execution(1, "buyer", "seller", common.Price(1<<62+1), 4))

	assert.Zero(t, settler.Settled())
	assert.Zero(t, settler.Failed())
	assert.Equal(t, uint64(1), settler.Rejected())
	assert.True(t, b.IsClosed())

	buyer, err := svc.Balance("buyer")
	require.NoError(t, err)
	seller, err := svc.Balance("seller")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(10), buyer)
	assert.Equal(t, ledger.Money(0), seller)
}

func TestSettler_NonPositivePrices(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.CreateWallet("buyer"))
	require.NoError(t, svc.CreateWallet("seller"))
	require.NoError(t, svc.Deposit("buyer", 10))

	settler := ledger.NewSettler(svc, breaker.New(breaker.Config{Name: "ledger"}), 8)
	runSettler(t, settler,
		execution(1, "buyer", "seller", 0, 5),
		execution(2, "buyer", "seller", -2, 5),
	)

	// A zero price settles with nothing moved; a negative one is refused.
	assert.Equal(t, uint64(1), settler.Settled())
	assert.Equal(t, uint64(1), settler.Rejected())
	assert.Zero(t, settler.Failed())

	buyer, err := svc.Balance("buyer")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(10), buyer)
	events, err := svc.Events("seller")
	require.NoError(t, err)
	assert.Empty(t, events)
}
