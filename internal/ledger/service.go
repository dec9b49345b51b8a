package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Service owns every wallet. Each mutation is written to the store before it
// is applied in memory, so a failed write leaves balances unchanged.
type Service struct {
	mu      sync.RWMutex
	wallets map[WalletID]*Wallet
	store   Store
	clock   func() time.Time
}

// Open replays the store into a new service.
func Open(store Store) (*Service, error) {
	history, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	svc := &Service{
		wallets: make(map[WalletID]*Wallet, len(history)),
		store:   store,
		clock:   time.Now,
	}
	events := 0
	for id, evs := range history {
		wallet := NewWallet(id)
		for _, event := range evs {
			wallet.apply(event)
		}
		svc.wallets[id] = wallet
		events += len(evs)
	}

	log.Info().Int("wallets", len(svc.wallets)).Int("events", events).Msg("ledger replayed")
	return svc, nil
}

// CreateWallet is idempotent: an existing wallet is left untouched.
func (s *Service) CreateWallet(id WalletID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[id]; ok {
		return nil
	}
	if err := s.store.CreateWallet(id); err != nil {
		return fmt.Errorf("create wallet %s: %w", id, err)
	}
	s.wallets[id] = NewWallet(id)
	return nil
}

func (s *Service) wallet(id WalletID) (*Wallet, error) {
	wallet, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	return wallet, nil
}

func (s *Service) Deposit(id WalletID, amount Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet, err := s.wallet(id)
	if err != nil {
		return err
	}
	if err := wallet.checkDeposit(amount); err != nil {
		return err
	}
	return s.commit(Entry{Wallet: id, Event: newEvent(Deposited, amount, s.clock())})
}

func (s *Service) Withdraw(id WalletID, amount Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet, err := s.wallet(id)
	if err != nil {
		return err
	}
	if err := wallet.checkWithdraw(amount); err != nil {
		return err
	}
	return s.commit(Entry{Wallet: id, Event: newEvent(Withdrawn, amount, s.clock())})
}

// Transfer withdraws from one wallet and deposits into another as a single
// store write.
func (s *Service) Transfer(from, to WalletID, amount Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, err := s.wallet(from)
	if err != nil {
		return err
	}
	dest, err := s.wallet(to)
	if err != nil {
		return err
	}
	if err := source.checkWithdraw(amount); err != nil {
		return err
	}
	if err := dest.checkDeposit(amount); err != nil {
		return err
	}

	now := s.clock()
	return s.commit(
		Entry{Wallet: from, Event: newEvent(Withdrawn, amount, now)},
		Entry{Wallet: to, Event: newEvent(Deposited, amount, now)},
	)
}

// commit is called with the lock held.
func (s *Service) commit(entries ...Entry) error {
	if err := s.store.Append(entries...); err != nil {
		return fmt.Errorf("append ledger events: %w", err)
	}
	for _, entry := range entries {
		s.wallets[entry.Wallet].apply(entry.Event)
	}
	return nil
}

func (s *Service) Balance(id WalletID) (Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallet, err := s.wallet(id)
	if err != nil {
		return 0, err
	}
	return wallet.Balance(), nil
}

func (s *Service) Events(id WalletID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallet, err := s.wallet(id)
	if err != nil {
		return nil, err
	}
	return wallet.Events(), nil
}

func (s *Service) Close() error {
	return s.store.Close()
}
