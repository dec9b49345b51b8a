package ledger

import "sync"

// Entry is one event bound to the wallet it belongs to.
type Entry struct {
	Wallet WalletID
	Event  Event
}

// Store persists wallets and their events. Append must write all entries or
// none of them.
type Store interface {
	CreateWallet(id WalletID) error
	Append(entries ...Entry) error
	// Load returns every wallet and its events in append order.
	Load() (map[WalletID][]Event, error)
	Close() error
}

// MemoryStore keeps everything in process memory. It is the default when no
// ledger directory is configured.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[WalletID][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[WalletID][]Event)}
}

func (s *MemoryStore) CreateWallet(id WalletID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[id]; !ok {
		s.wallets[id] = nil
	}
	return nil
}

func (s *MemoryStore) Append(entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		s.wallets[entry.Wallet] = append(s.wallets[entry.Wallet], entry.Event)
	}
	return nil
}

func (s *MemoryStore) Load() (map[WalletID][]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[WalletID][]Event, len(s.wallets))
	for id, events := range s.wallets {
		out[id] = append([]Event(nil), events...)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
