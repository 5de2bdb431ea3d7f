// store.go - Per-client private state keyed by normalized user id.
//
// The primary key <id> holds the PIN commitment and cached balance; the
// secondary key <id>:dlog holds the bounded detailed log. Every mutation is
// published to subscribers of that id.

package privstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"privbank/internal/history"
	"privbank/internal/keys"
	"privbank/internal/metrics"
)

// Record is the private state of one user.
type Record struct {
	PinCommitment []byte
	Balance       uint64
	History       history.Log
}

type primaryRecord struct {
	PinCommitment string `json:"pinCommitment"`
	Balance       uint64 `json:"balance,string"`
}

// Update is published after every mutation. Record is nil when the key has
// no record yet.
type Update struct {
	Key    keys.ID
	Record *Record
}

// Store is the private store. Writes for the same id are serialized.
type Store struct {
	db      Backend
	logger  *slog.Logger
	metrics *metrics.BankMetrics

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[keys.ID]map[int]chan Update
	next  int
}

// Option customizes a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.BankMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

func New(db Backend, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		subs:   make(map[keys.ID]map[int]chan Update),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.db.Close()
}

func primaryKey(key keys.ID) []byte { return []byte(key) }

func logKey(key keys.ID) []byte { return []byte(string(key) + ":dlog") }

// Get returns the record for key, or nil if none exists.
func (s *Store) Get(key keys.ID) (*Record, error) {
	raw, err := s.db.Get(primaryKey(key))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("privstore: get %s: %w", key, err)
	}
	var p primaryRecord
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("privstore: decode %s: %w", key, err)
	}
	commitment, err := hex.DecodeString(p.PinCommitment)
	if err != nil {
		return nil, fmt.Errorf("privstore: decode %s: %w", key, err)
	}
	log, err := s.DetailedLog(key)
	if err != nil {
		return nil, err
	}
	return &Record{PinCommitment: commitment, Balance: p.Balance, History: log}, nil
}

// DetailedLog returns the detailed log of key, oldest first.
func (s *Store) DetailedLog(key keys.ID) (history.Log, error) {
	raw, err := s.db.Get(logKey(key))
	if errors.Is(err, ErrNotFound) {
		return history.Log{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("privstore: get %s log: %w", key, err)
	}
	var log history.Log
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, fmt.Errorf("privstore: decode %s log: %w", key, err)
	}
	return log, nil
}

// Set replaces the record of key, detailed log included.
func (s *Store) Set(key keys.ID, rec Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.put(key, rec); err != nil {
		return err
	}
	s.publish(key, &rec)
	return nil
}

func (s *Store) put(key keys.ID, rec Record) error {
	if len(rec.History) > history.MaxEntries {
		rec.History = rec.History[len(rec.History)-history.MaxEntries:]
	}
	if err := s.putLog(key, rec.History); err != nil {
		return err
	}
	raw, err := json.Marshal(primaryRecord{
		PinCommitment: hex.EncodeToString(rec.PinCommitment),
		Balance:       rec.Balance,
	})
	if err != nil {
		return err
	}
	if err := s.db.Put(primaryKey(key), raw); err != nil {
		return fmt.Errorf("privstore: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) putLog(key keys.ID, log history.Log) error {
	if log == nil {
		log = history.Log{}
	}
	raw, err := json.Marshal(log)
	if err != nil {
		return err
	}
	if err := s.db.Put(logKey(key), raw); err != nil {
		return fmt.Errorf("privstore: put %s log: %w", key, err)
	}
	return nil
}

// EnsureExists creates a record seeded with pinCommitment and
// initialBalance unless one already exists. The first write wins: an
// existing record is left untouched whatever the seed values. Created
// reports whether a record was written.
func (s *Store) EnsureExists(key keys.ID, pinCommitment []byte, initialBalance uint64) (created bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	existing, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	rec := Record{
		PinCommitment: append([]byte(nil), pinCommitment...),
		Balance:       initialBalance,
		History:       history.Log{},
	}
	if err := s.put(key, rec); err != nil {
		return false, err
	}
	s.publish(key, &rec)
	return true, nil
}

// UpdateBalance sets the cached balance of an existing record.
func (s *Store) UpdateBalance(key keys.ID, balance uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	rec, err := s.Get(key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("privstore: no record for %s", key)
	}
	rec.Balance = balance
	if err := s.put(key, *rec); err != nil {
		return err
	}
	s.publish(key, rec)
	return nil
}

// AppendHistory appends e to the detailed log of key, keeping the most
// recent history.MaxEntries entries. It never fails the caller: when the
// entry cannot be persisted it is dropped, logged and counted, and false is
// returned.
func (s *Store) AppendHistory(key keys.ID, e history.Entry) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	rec, err := s.appendHistory(key, e)
	if err != nil {
		s.logger.Warn("detailed log entry dropped",
			slog.String("user", string(key)),
			slog.String("kind", string(e.Kind())),
			slog.Any("error", err))
		s.metrics.RecordHistoryDropped()
		return false
	}
	if rec != nil {
		s.publish(key, rec)
	}
	return true
}

func (s *Store) appendHistory(key keys.ID, e history.Entry) (*Record, error) {
	log, err := s.DetailedLog(key)
	if err != nil {
		return nil, err
	}
	log = history.Append(log, e)
	if err := s.putLog(key, log); err != nil {
		return nil, err
	}
	return s.Get(key)
}

// Subscribe streams the current record of key followed by every later
// mutation. Slow readers only observe the latest record. The channel is
// closed when ctx is done.
func (s *Store) Subscribe(ctx context.Context, key keys.ID) (<-chan Update, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	current, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	ch := make(chan Update, 1)
	ch <- Update{Key: key, Record: current}
	id := s.next
	s.next++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]chan Update)
	}
	s.subs[key][id] = ch

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[key][id]; ok {
			delete(s.subs[key], id)
			close(c)
		}
	}()
	return ch, nil
}

func (s *Store) publish(key keys.ID, rec *Record) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[key] {
		offer(ch, Update{Key: key, Record: cloneRecord(rec)})
	}
}

// offer delivers u, replacing any update the reader has not consumed yet.
func offer(ch chan Update, u Update) {
	for {
		select {
		case ch <- u:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		PinCommitment: append([]byte(nil), r.PinCommitment...),
		Balance:       r.Balance,
		History:       make(history.Log, len(r.History)),
	}
	copy(out.History, r.History)
	return out
}
