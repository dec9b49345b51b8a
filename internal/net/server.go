package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	. "matchbook/internal/common"
	"matchbook/internal/engine"
	"matchbook/internal/ledger"
	"matchbook/internal/ratelimit"
	"matchbook/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultNWorkers     = 10
	defaultMaxClients   = utils.TASK_CHAN_SIZE
	defaultPollTimeout  = 50 * time.Millisecond
	defaultFrameTimeout = time.Second
	defaultWriteTimeout = time.Second
	sessionQueueSize    = 256
	requestTimeout      = 5 * time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrClientDoesNotExist = errors.New("client does not exist")
	ErrServerFull         = errors.New("server full")
	ErrLedgerDisabled     = errors.New("ledger disabled")
	ErrNotRunning         = errors.New("server not running")
	ErrOwnerInUse         = errors.New("owner bound to another session")
	ErrSessionClosed      = errors.New("session closed")
	ErrSlowConsumer       = errors.New("session not reading reports")
)

// Exchange is the matching side of the server.
type Exchange interface {
	Submit(ctx context.Context, owner string, order Order) ([]Trade, error)
	Snapshot(ctx context.Context, depth int) (engine.Snapshot, error)
}

// Wallets is the ledger side of the server.
type Wallets interface {
	CreateWallet(id ledger.WalletID) error
	Deposit(id ledger.WalletID, amount ledger.Money) error
	Balance(id ledger.WalletID) (ledger.Money, error)
}

type Options struct {
	Address    string
	Port       int
	Workers    uint
	MaxClients int
	// Limiter gates NewOrder per owner. Nil disables throttling.
	Limiter ratelimit.Limiter
	// Wallets serves Deposit. Nil answers deposits with an error report.
	Wallets Wallets
}

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader

	// Reports are written by the session's own writer so that a client
	// which stops reading only ever stalls itself.
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newClientSession(conn net.Conn) *ClientSession {
	session := &ClientSession{
		id:       uuid.NewString(),
		conn:     conn,
		reader:   bufio.NewReader(conn),
		outbound: make(chan []byte, sessionQueueSize),
		closed:   make(chan struct{}),
	}
	go session.writeLoop()
	return session
}

// send queues a report without blocking. A session whose queue is full is
// disconnected.
func (c *ClientSession) send(report Report) error {
	buf, err := report.Serialize()
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case c.outbound <- buf:
		return nil
	default:
		log.Warn().Str("session", c.id).Msg("session not reading reports, disconnecting")
		c.close()
		return ErrSlowConsumer
	}
}

func (c *ClientSession) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case buf := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
				c.close()
				return
			}
			if _, err := c.conn.Write(buf); err != nil {
				log.Error().Err(err).Str("session", c.id).Msg("unable to send report")
				c.close()
				return
			}
		}
	}
}

// close is safe to call more than once. The pending read fails, which lets
// the worker holding the session clean it up.
func (c *ClientSession) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Str("session", c.id).Msg("unable to close connection")
		}
	})
}

// next waits up to poll for the start of a frame, then up to the frame
// timeout for the rest of it. Bytes that arrive before a poll timeout stay
// buffered in the reader, so a slow frame is never split.
func (c *ClientSession) next(poll time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(poll)); err != nil {
		return nil, err
	}
	if _, err := c.reader.Peek(FrameHeaderLen); err != nil {
		return nil, err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(defaultFrameTimeout)); err != nil {
		return nil, err
	}
	return readFrame(c.reader)
}

type Server struct {
	address string
	port    int
	opts    Options
	pool    utils.WorkerPool

	exchange Exchange

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	addr   net.Addr

	clientSessions     map[string]*ClientSession
	ownerSessions      map[string]*ClientSession
	clientSessionsLock sync.Mutex
}

func New(exchange Exchange, opts Options) *Server {
	if opts.Workers == 0 {
		opts.Workers = defaultNWorkers
	}
	if opts.MaxClients <= 0 || opts.MaxClients > utils.TASK_CHAN_SIZE {
		opts.MaxClients = defaultMaxClients
	}
	return &Server{
		address:        opts.Address,
		port:           opts.Port,
		opts:           opts,
		exchange:       exchange,
		pool:           utils.NewWorkerPool(opts.Workers),
		ready:          make(chan struct{}),
		clientSessions: make(map[string]*ClientSession),
		ownerSessions:  make(map[string]*ClientSession),
	}
}

func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
}

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connections reports the number of connected sessions.
func (s *Server) Connections() int {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	return len(s.clientSessions)
}

// Run serves until the context is cancelled or a worker fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.Shutdown()

	// Setup a cancel on the context for future shutdown.
	ctx, s.cancel = context.WithCancel(ctx)
	t, ctx := tomb.WithContext(ctx)
	s.ctx = ctx

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return err
	}
	s.addr = listener.Addr()
	close(s.ready)

	// Start the worker pool.
	s.pool.Setup(t, s.handleConnection)

	// Closing the listener is what unblocks Accept on shutdown.
	t.Go(func() error {
		<-t.Dying()
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeAllSessions()
		return nil
	})

	t.Go(func() error {
		return s.acceptLoop(t, listener)
	})

	log.Info().Str("address", s.addr.String()).Msg("server running")
	<-t.Dying()
	if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		session, err := s.addClientSession(conn)
		if err != nil {
			log.Warn().Err(err).Str("address", conn.RemoteAddr().String()).Msg("rejecting client")
			reject(conn, err)
			continue
		}

		log.Info().
			Str("address", conn.RemoteAddr().String()).
			Str("session", session.id).
			Msg("new client added")

		// Pass over the session to be read from. The pool holds every
		// session at most once, so this cannot block past MaxClients.
		if err := s.pool.AddTask(s.ctx, session); err != nil {
			return nil
		}
	}
}

// handleConnection is a short-lived worker method which serves at most one
// message from a session and then hands the session back to the pool. A
// session is only ever held by one worker, so its messages are applied in
// the order they were sent. If the connection dies, the client session is
// cleaned up.
// Note, any error returned from here is fatal.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	session, ok := task.(*ClientSession)
	if !ok {
		return ErrImproperConversion
	}

	select {
	case <-t.Dying():
		return nil
	default:
	}

	payload, err := session.next(defaultPollTimeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Nothing to read yet.
			return s.requeue(session)
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			log.Error().
				Err(err).
				Str("session", session.id).
				Msg("error reading from connection")
		}
		// If a read from a client fails, it is likely that the client
		// has exited. Clean up the client session.
		s.deleteClientSession(session)
		return nil
	}

	message, err := parseMessage(payload)
	if err != nil {
		log.Error().
			Err(err).
			Str("session", session.id).
			Msg("error parsing message")
		s.reply(session, errorReport(0, err, now()))
		return s.requeue(session)
	}

	s.handleMessage(session, message)
	return s.requeue(session)
}

func (s *Server) requeue(session *ClientSession) error {
	if err := s.pool.AddTask(s.ctx, session); err != nil {
		// Shutting down.
		s.deleteClientSession(session)
	}
	return nil
}

func (s *Server) handleMessage(session *ClientSession, message Message) {
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	switch m := message.(type) {
	case *NewOrderMessage:
		s.handleNewOrder(ctx, session, m)
	case *DepositMessage:
		s.handleDeposit(session, m)
	case BaseMessage:
		switch m.TypeOf {
		case QueryBook:
			s.handleQueryBook(ctx, session)
		case Heartbeat:
			s.reply(session, Report{MessageType: HeartbeatReport, Timestamp: now()})
		}
	}
}

func (s *Server) handleNewOrder(ctx context.Context, session *ClientSession, m *NewOrderMessage) {
	order := m.Order()
	owner := m.Username
	if err := order.Validate(); err != nil {
		s.reply(session, errorReport(order.ID, err, now()))
		return
	}

	// The claim comes before throttling so that another session cannot spend
	// this owner's tokens, and before matching so the taker's own executions
	// reach it. Any refusal below gives a fresh claim back.
	claimed, err := s.claimOwner(owner, session)
	if err != nil {
		s.reply(session, errorReport(order.ID, err, now()))
		return
	}
	refuse := func(err error) {
		if claimed {
			s.releaseOwner(owner, session)
		}
		s.reply(session, errorReport(order.ID, err, now()))
	}

	if s.opts.Limiter != nil {
		res, err := s.opts.Limiter.Allow(ctx, owner)
		if err != nil {
			// Throttling is best effort: a broken limiter does not stop trading.
			log.Error().Err(err).Str("owner", owner).Msg("rate limiter unavailable")
		} else if !res.Allowed {
			refuse(fmt.Errorf("%w: retry after %s", ratelimit.ErrRateLimited, res.RetryAfter))
			return
		}
	}

	trades, err := s.exchange.Submit(ctx, owner, order)
	if err != nil {
		log.Info().Err(err).Str("owner", owner).Uint64("id", uint64(order.ID)).Msg("order rejected")
		refuse(err)
		return
	}

	remaining := order.Quantity
	for _, trade := range trades {
		remaining -= trade.Quantity
	}
	s.reply(session, Report{
		MessageType: AckReport,
		Side:        order.Side,
		Timestamp:   now(),
		OrderID:     order.ID,
		Price:       order.Price,
		Quantity:    remaining,
	})
}

func (s *Server) handleDeposit(session *ClientSession, m *DepositMessage) {
	if s.opts.Wallets == nil {
		s.reply(session, errorReport(0, ErrLedgerDisabled, now()))
		return
	}
	id := ledger.WalletID(m.Username)
	claimed, err := s.claimOwner(m.Username, session)
	if err != nil {
		s.reply(session, errorReport(0, err, now()))
		return
	}

	err = s.opts.Wallets.CreateWallet(id)
	if err == nil {
		err = s.opts.Wallets.Deposit(id, ledger.Money(m.Amount))
	}
	if err != nil {
		if claimed {
			s.releaseOwner(m.Username, session)
		}
		s.reply(session, errorReport(0, err, now()))
		return
	}

	balance, err := s.opts.Wallets.Balance(id)
	if err != nil {
		s.reply(session, errorReport(0, err, now()))
		return
	}
	s.reply(session, Report{
		MessageType:  BalanceReport,
		Timestamp:    now(),
		Quantity:     Quantity(balance),
		Counterparty: m.Username,
	})
}

func (s *Server) handleQueryBook(ctx context.Context, session *ClientSession) {
	snap, err := s.exchange.Snapshot(ctx, 1)
	if err != nil {
		s.reply(session, errorReport(0, err, now()))
		return
	}
	ts := now()
	// Quantity zero marks an empty side.
	s.reply(session, Report{MessageType: QuoteReport, Side: Buy, Timestamp: ts, Price: snap.Quote.BidPrice, Quantity: snap.Quote.BidQuantity})
	s.reply(session, Report{MessageType: QuoteReport, Side: Sell, Timestamp: ts, Price: snap.Quote.AskPrice, Quantity: snap.Quote.AskQuantity})
}

func (s *Server) reply(session *ClientSession, report Report) {
	if err := session.send(report); err != nil {
		log.Error().Err(err).Str("session", session.id).Msg("unable to queue report")
	}
}

// ReportTrade sends an execution report to each side's session, if the
// owner is connected.
func (s *Server) ReportTrade(exec Execution) error {
	buyer, seller := executionReports(exec)

	var errs []error
	if err := s.Report(exec.BuyOwner, buyer); err != nil && !errors.Is(err, ErrClientDoesNotExist) {
		errs = append(errs, err)
	}
	if err := s.Report(exec.SellOwner, seller); err != nil && !errors.Is(err, ErrClientDoesNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) ReportQuote(Quote) error { return nil }

// Report queues a report for the session that owns owner. It never blocks
// on the connection.
func (s *Server) Report(owner string, report Report) error {
	s.clientSessionsLock.Lock()
	session, ok := s.ownerSessions[owner]
	s.clientSessionsLock.Unlock()
	if !ok {
		return ErrClientDoesNotExist
	}

	if err := session.send(report); err != nil {
		return fmt.Errorf("unable to send report: %w", err)
	}
	return nil
}

// claimOwner binds owner to session. An owner belongs to the first live
// session that claims it until that session goes away; claimed reports
// whether this call made the binding.
func (s *Server) claimOwner(owner string, session *ClientSession) (claimed bool, err error) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	bound, ok := s.ownerSessions[owner]
	switch {
	case !ok:
		s.ownerSessions[owner] = session
		return true, nil
	case bound == session:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrOwnerInUse, owner)
	}
}

func (s *Server) releaseOwner(owner string, session *ClientSession) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	if s.ownerSessions[owner] == session {
		delete(s.ownerSessions, owner)
	}
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn net.Conn) (*ClientSession, error) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if len(s.clientSessions) >= s.opts.MaxClients {
		return nil, ErrServerFull
	}
	session := newClientSession(conn)
	s.clientSessions[session.id] = session
	return session, nil
}

// deleteClientSession is an atomic map remove
func (s *Server) deleteClientSession(session *ClientSession) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	delete(s.clientSessions, session.id)
	for owner, bound := range s.ownerSessions {
		if bound == session {
			delete(s.ownerSessions, owner)
		}
	}
	session.close()
	log.Info().Str("session", session.id).Msg("client removed")
}

func (s *Server) closeAllSessions() {
	s.clientSessionsLock.Lock()
	sessions := make([]*ClientSession, 0, len(s.clientSessions))
	for _, session := range s.clientSessions {
		sessions = append(sessions, session)
	}
	s.clientSessionsLock.Unlock()

	for _, session := range sessions {
		s.deleteClientSession(session)
	}
}

// reject tells a client it was refused before it got a session.
func reject(conn net.Conn, err error) {
	report := errorReport(0, err, now())
	if buf, serr := report.Serialize(); serr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		_, _ = conn.Write(buf)
	}
	_ = conn.Close()
}

func now() uint64 {
	return uint64(time.Now().UnixNano())
}
