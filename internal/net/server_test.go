package net_test

import (
	"context"
	"net"
	"testing"
	"time"

	. "matchbook/internal/common"
	"matchbook/internal/engine"
	"matchbook/internal/ledger"
	mnet "matchbook/internal/net"
	"matchbook/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

type client struct {
	t       *testing.T
	conn    net.Conn
	reports *mnet.ReportReader
}

func startServer(t *testing.T, opts mnet.Options) (*mnet.Server, string) {
	t.Helper()

	eng := engine.New(engine.Config{})
	opts.Address = "127.0.0.1"
	opts.Port = 0
	srv := mnet.New(eng, opts)
	eng.AddReporter(srv)

	ctx, cancel := context.WithCancel(context.Background())
	var tb tomb.Tomb
	tb.Go(func() error { return eng.Run(&tb) })
	tb.Go(func() error { return srv.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		tb.Kill(nil)
		require.NoError(t, tb.Wait())
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	addr, err := srv.Addr(waitCtx)
	require.NoError(t, err)
	return srv, addr.String()
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reports: mnet.NewReportReader(conn)}
}

func (c *client) send(buf []byte) {
	c.t.Helper()
	_, err := c.conn.Write(buf)
	require.NoError(c.t, err)
}

func (c *client) place(order Order, owner string) {
	c.t.Helper()
	buf, err := mnet.EncodeNewOrder(order, owner)
	require.NoError(c.t, err)
	c.send(buf)
}

func (c *client) next() mnet.Report {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	report, err := c.reports.Next()
	require.NoError(c.t, err)
	return report
}

func TestServer_TradeLifecycle(t *testing.T) {
	_, addr := startServer(t, mnet.Options{Workers: 2})
	alice := dial(t, addr)
	bob := dial(t, addr)

	alice.place(Order{ID: 1, Side: Sell, Price: 100, Quantity: 5}, "alice")
	ack := alice.next()
	assert.Equal(t, mnet.AckReport, ack.MessageType)
	assert.Equal(t, OrderID(1), ack.OrderID)
	assert.Equal(t, Quantity(5), ack.Quantity)

	bob.place(Order{ID: 2, Side: Buy, Price: 101, Quantity: 3}, "bob")

	// The execution is reported before the submission is acknowledged.
	exec := bob.next()
	assert.Equal(t, mnet.ExecutionReport, exec.MessageType)
	assert.Equal(t, Buy, exec.Side)
	assert.Equal(t, OrderID(2), exec.OrderID)
	assert.Equal(t, OrderID(1), exec.CounterOrderID)
	assert.Equal(t, Price(100), exec.Price)
	assert.Equal(t, Quantity(3), exec.Quantity)
	assert.Equal(t, "alice", exec.Counterparty)

	ack = bob.next()
	assert.Equal(t, mnet.AckReport, ack.MessageType)
	assert.Equal(t, Quantity(0), ack.Quantity)

	exec = alice.next()
	assert.Equal(t, mnet.ExecutionReport, exec.MessageType)
	assert.Equal(t, Sell, exec.Side)
	assert.Equal(t, OrderID(1), exec.OrderID)
	assert.Equal(t, "bob", exec.Counterparty)

	bob.send(mnet.EncodeEmpty(mnet.QueryBook))
	bid := bob.next()
	ask := bob.next()
	assert.Equal(t, mnet.QuoteReport, bid.MessageType)
	assert.Equal(t, Buy, bid.Side)
	assert.Equal(t, Quantity(0), bid.Quantity)
	assert.Equal(t, Sell, ask.Side)
	assert.Equal(t, Price(100), ask.Price)
	assert.Equal(t, Quantity(2), ask.Quantity)
}

func TestServer_RejectsInvalidOrder(t *testing.T) {
	_, addr := startServer(t, mnet.Options{})
	c := dial(t, addr)

	c.place(Order{ID: 7, Side: Buy, Price: 100, Quantity: 0}, "alice")
	report := c.next()
	assert.Equal(t, mnet.ErrorReport, report.MessageType)
	assert.Equal(t, OrderID(7), report.OrderID)
	assert.Contains(t, report.Err, ErrInvalidOrder.Error())

	// The session survives a rejected order.
	c.send(mnet.EncodeEmpty(mnet.Heartbeat))
	assert.Equal(t, mnet.HeartbeatReport, c.next().MessageType)
}

func TestServer_RateLimitsPerOwner(t *testing.T) {
	limiter := ratelimit.NewLocal(ratelimit.Config{Capacity: 1, RefillPerSec: 0})
	_, addr := startServer(t, mnet.Options{Limiter: limiter})
	c := dial(t, addr)

	c.place(Order{ID: 1, Side: Buy, Price: 100, Quantity: 1}, "alice")
	assert.Equal(t, mnet.AckReport, c.next().MessageType)

	c.place(Order{ID: 2, Side: Buy, Price: 100, Quantity: 1}, "alice")
	report := c.next()
	assert.Equal(t, mnet.ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, ratelimit.ErrRateLimited.Error())

	// Buckets are per owner.
	c.place(Order{ID: 3, Side: Buy, Price: 100, Quantity: 1}, "bob")
	assert.Equal(t, mnet.AckReport, c.next().MessageType)
}

func TestServer_Deposit(t *testing.T) {
	wallets, err := ledger.Open(ledger.NewMemoryStore())
	require.NoError(t, err)
	_, addr := startServer(t, mnet.Options{Wallets: wallets})
	c := dial(t, addr)

	for _, amount := range []int64{1000, 500} {
		buf, err := mnet.EncodeDeposit(amount, "alice")
		require.NoError(t, err)
		c.send(buf)
	}
	assert.Equal(t, Quantity(1000), c.next().Quantity)
	report := c.next()
	assert.Equal(t, mnet.BalanceReport, report.MessageType)
	assert.Equal(t, Quantity(1500), report.Quantity)
	assert.Equal(t, "alice", report.Counterparty)

	buf, err := mnet.EncodeDeposit(-5, "alice")
	require.NoError(t, err)
	c.send(buf)
	report = c.next()
	assert.Equal(t, mnet.ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, ledger.ErrInvalidAmount.Error())
}

func TestServer_DepositWithoutLedger(t *testing.T) {
	_, addr := startServer(t, mnet.Options{})
	c := dial(t, addr)

	buf, err := mnet.EncodeDeposit(10, "alice")
	require.NoError(t, err)
	c.send(buf)
	report := c.next()
	assert.Equal(t, mnet.ErrorReport, report.MessageType)
	assert.Equal(t, mnet.ErrLedgerDisabled.Error(), report.Err)
}

func TestServer_TracksConnections(t *testing.T) {
	srv, addr := startServer(t, mnet.Options{})
	c := dial(t, addr)
	c.send(mnet.EncodeEmpty(mnet.Heartbeat))
	c.next()
	assert.Equal(t, 1, srv.Connections())

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool { return srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_OwnerStaysWithFirstSession(t *testing.T) {
	_, addr := startServer(t, mnet.Options{})
	alice := dial(t, addr)
	mallory := dial(t, addr)
	bob := dial(t, addr)

	alice.place(Order{ID: 1, Side: Sell, Price: 100, Quantity: 5}, "alice")
	require.Equal(t, mnet.AckReport, alice.next().MessageType)

	mallory.place(Order{ID: 2, Side: Sell, Price: 200, Quantity: 1}, "alice")
	report := mallory.next()
	assert.Equal(t, mnet.ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, mnet.ErrOwnerInUse.Error())

	bob.place(Order{ID: 3, Side: Buy, Price: 100, Quantity: 5}, "bob")
	assert.Equal(t, mnet.ExecutionReport, bob.next().MessageType)
	assert.Equal(t, mnet.AckReport, bob.next().MessageType)

	exec := alice.next()
	assert.Equal(t, mnet.ExecutionReport, exec.MessageType)
	assert.Equal(t, OrderID(1), exec.OrderID)
	assert.Equal(t, "bob", exec.Counterparty)

	// Nothing was routed to the other session: its next report answers its
	// own heartbeat.
	mallory.send(mnet.EncodeEmpty(mnet.Heartbeat))
	assert.Equal(t, mnet.HeartbeatReport, mallory.next().MessageType)
}

func TestServer_RefusedOrdersDoNotClaimOwner(t *testing.T) {
	limiter := ratelimit.NewLocal(ratelimit.Config{Capacity: 1, RefillPerSec: 0})
	srv, addr := startServer(t, mnet.Options{Limiter: limiter})
	first := dial(t, addr)
	second := dial(t, addr)

	// An invalid order leaves the owner free for another session.
	first.place(Order{ID: 1, Side: Buy, Price: 100, Quantity: 0}, "alice")
	assert.Equal(t, mnet.ErrorReport, first.next().MessageType)
	second.place(Order{ID: 2, Side: Buy, Price: 100, Quantity: 1}, "alice")
	assert.Equal(t, mnet.AckReport, second.next().MessageType)

	// Spend carol's only token, then drop the session holding her.
	gone := dial(t, addr)
	gone.place(Order{ID: 3, Side: Buy, Price: 100, Quantity: 1}, "carol")
	assert.Equal(t, mnet.AckReport, gone.next().MessageType)
	require.NoError(t, gone.conn.Close())
	require.Eventually(t, func() bool { return srv.Connections() == 2 }, 2*time.Second, 10*time.Millisecond)

	// A throttled order does not keep the claim either: the other session
	// is throttled too, rather than told carol is taken.
	first.place(Order{ID: 4, Side: Buy, Price: 100, Quantity: 1}, "carol")
	report := first.next()
	assert.Equal(t, mnet.ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, ratelimit.ErrRateLimited.Error())

	second.place(Order{ID: 5, Side: Buy, Price: 100, Quantity: 1}, "carol")
	report = second.next()
	assert.Contains(t, report.Err, ratelimit.ErrRateLimited.Error())
	assert.NotContains(t, report.Err, mnet.ErrOwnerInUse.Error())
}
