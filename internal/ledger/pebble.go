package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrCorruptEvent = errors.New("corrupt ledger event")

// Key layout:
//
//	wallet/<id>        -> empty, marks a created wallet
//	event/<seq:8 BE>   -> protowire encoded entry
var (
	walletPrefix = []byte("wallet/")
	eventPrefix  = []byte("event/")
)

// Entry field numbers on disk.
const (
	fieldWallet protowire.Number = 1
	fieldID     protowire.Number = 2
	fieldKind   protowire.Number = 3
	fieldAmount protowire.Number = 4
	fieldAt     protowire.Number = 5
)

// PebbleStore keeps the ledger in a pebble database, one key per event in
// global append order.
type PebbleStore struct {
	db  *pebble.DB
	seq uint64
}

// OpenPebble opens (or creates) a store in dir. fs may be nil for the real
// filesystem; tests pass vfs.NewMem().
func OpenPebble(dir string, fs vfs.FS) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	store := &PebbleStore{db: db}
	if err := store.recoverSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PebbleStore) recoverSeq() error {
	iter, err := s.db.NewIter(prefixBounds(eventPrefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	if iter.Last() {
		s.seq = binary.BigEndian.Uint64(iter.Key()[len(eventPrefix):])
	}
	return nil
}

func (s *PebbleStore) CreateWallet(id WalletID) error {
	return s.db.Set(walletKey(id), nil, pebble.Sync)
}

func (s *PebbleStore) Append(entries ...Entry) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	seq := s.seq
	for _, entry := range entries {
		seq++
		if err := batch.Set(eventKey(seq), encodeEntry(entry), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit ledger events: %w", err)
	}
	s.seq = seq
	return nil
}

func (s *PebbleStore) Load() (map[WalletID][]Event, error) {
	wallets := make(map[WalletID][]Event)

	iter, err := s.db.NewIter(prefixBounds(walletPrefix))
	if err != nil {
		return nil, err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		wallets[WalletID(iter.Key()[len(walletPrefix):])] = nil
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	iter, err = s.db.NewIter(prefixBounds(eventPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		entry, err := decodeEntry(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("key %x: %w", iter.Key(), err)
		}
		wallets[entry.Wallet] = append(wallets[entry.Wallet], entry.Event)
	}
	return wallets, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func walletKey(id WalletID) []byte {
	return append(bytes.Clone(walletPrefix), id...)
}

func eventKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(bytes.Clone(eventPrefix), seq)
}

func prefixBounds(prefix []byte) *pebble.IterOptions {
	upper := bytes.Clone(prefix)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
}

func encodeEntry(entry Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldWallet, protowire.BytesType)
	b = protowire.AppendString(b, string(entry.Wallet))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, entry.Event.ID)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(entry.Event.Kind))
	b = protowire.AppendTag(b, fieldAmount, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(entry.Event.Amount)))
	b = protowire.AppendTag(b, fieldAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(entry.Event.At.UnixNano()))
	return b
}

func decodeEntry(b []byte) (Entry, error) {
	var entry Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, fmt.Errorf("%w: %w", ErrCorruptEvent, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldWallet && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptEvent, protowire.ParseError(n))
			}
			entry.Wallet = WalletID(v)
			b = b[n:]
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptEvent, protowire.ParseError(n))
			}
			entry.Event.ID = v
			b = b[n:]
		case typ == protowire.VarintType && (num == fieldKind || num == fieldAmount || num == fieldAt):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptEvent, protowire.ParseError(n))
			}
			switch num {
			case fieldKind:
				entry.Event.Kind = EventKind(v)
			case fieldAmount:
				entry.Event.Amount = Money(protowire.DecodeZigZag(v))
			case fieldAt:
				entry.Event.At = time.Unix(0, int64(v)).UTC()
			}
			b = b[n:]
		default:
			// Unknown fields are skipped so newer writers stay readable.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptEvent, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if entry.Wallet == "" {
		return Entry{}, fmt.Errorf("%w: missing wallet", ErrCorruptEvent)
	}
	return entry, nil
}
