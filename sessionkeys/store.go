// Package sessionkeys stores ephemeral, per-thread key material and the
// plaintext messages composed before a thread's secure channel is ready.
//
// Everything lives in an in-memory database that is wiped on Close. Entries
// are kept under the logical keys temp_keys:<threadID>,
// temp_pubkeys:<threadID> and temp_pending:<threadID>.
package sessionkeys

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	keysPrefix     = "temp_keys:"
	peerKeysPrefix = "temp_pubkeys:"
	pendingPrefix  = "temp_pending:"
)

var prefixes = []string{keysPrefix, peerKeysPrefix, pendingPrefix}

var (
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("session key store closed")

	// ErrEmptyThreadID is returned when an operation is attempted with an
	// empty thread id.
	ErrEmptyThreadID = errors.New("empty thread id")
)

// SessionKeySet is the temporary private key material of the local party in
// one thread.
type SessionKeySet struct {
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
}

// PeerPublicKeySet maps a participant id to its armored temporary public key.
type PeerPublicKeySet map[string]string

// Store is the session key store. All methods are safe for concurrent use.
// Read-modify-write operations on one thread are serialized; operations on
// distinct threads never wait on each other.
type Store struct {
	log   slog.Logger
	locks *xsync.MapOf[string, *sync.Mutex]

	// mtx guards db against Close. Operations hold it for reading.
	mtx    sync.RWMutex
	db     *leveldb.DB
	closed bool
}

type config struct {
	log slog.Logger
}

// Option configures a Store.
type Option func(*config)

// WithLogger sets the logger used by the store.
func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// New creates an empty session key store.
func New(opts ...Option) (*Store, error) {
	cfg := config{log: slog.Disabled}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open in-memory db: %w", err)
	}

	return &Store{
		log:   cfg.log,
		locks: xsync.NewMapOf[string, *sync.Mutex](),
		db:    db,
	}, nil
}

// lockThread acquires the read-modify-write lock of threadID and returns the
// func that releases it.
func (s *Store) lockThread(threadID string) func() {
	mtx, _ := s.locks.LoadOrCompute(threadID, func() *sync.Mutex {
		return new(sync.Mutex)
	})
	mtx.Lock()
	return mtx.Unlock
}

// view runs f with the db while guaranteeing the store is not closed.
func (s *Store) view(threadID string, f func(db *leveldb.DB) error) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return f(s.db)
}

// update is like view, but also holds the lock of threadID while f runs.
func (s *Store) update(threadID string, f func(db *leveldb.DB) error) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	unlock := s.lockThread(threadID)
	defer unlock()
	return s.view(threadID, f)
}

// getJSON reads and strictly decodes the value of key. It returns false if
// the key does not exist, its value cannot be decoded or valid rejects it.
func getJSON[T any](s *Store, db *leveldb.DB, key string, valid func(T) bool) (T, bool, error) {
	var v, zero T
	b, err := db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("unable to read %s: %w", key, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		s.log.Warnf("Ignoring corrupt session entry %s: %v", key, err)
		return zero, false, nil
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		s.log.Warnf("Ignoring session entry %s with trailing data", key)
		return zero, false, nil
	}
	if !valid(v) {
		s.log.Warnf("Ignoring incomplete session entry %s", key)
		return zero, false, nil
	}
	return v, true, nil
}

func validKeys(ks SessionKeySet) bool {
	return ks.PrivateKey != ""
}

func validPeerKeys(set PeerPublicKeySet) bool {
	if set == nil {
		return false
	}
	for id, pk := range set {
		if id == "" || pk == "" {
			return false
		}
	}
	return true
}

func validPending(msgs []string) bool {
	return msgs != nil
}

func putJSON(db *leveldb.DB, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to encode %s: %w", key, err)
	}
	if err := db.Put([]byte(key), b, nil); err != nil {
		return fmt.Errorf("unable to write %s: %w", key, err)
	}
	return nil
}

// Keys returns the session keys of the thread. It returns false if none were
// stored or the stored value is unreadable.
func (s *Store) Keys(threadID string) (SessionKeySet, bool) {
	var ks SessionKeySet
	var ok bool
	err := s.view(threadID, func(db *leveldb.DB) error {
		var err error
		ks, ok, err = getJSON(s, db, keysPrefix+threadID, validKeys)
		return err
	})
	if err != nil {
		s.log.Debugf("Unable to load keys of thread %s: %v", threadID, err)
		return SessionKeySet{}, false
	}
	return ks, ok
}

// SetKeys replaces the session keys of the thread.
func (s *Store) SetKeys(threadID string, ks SessionKeySet) error {
	return s.update(threadID, func(db *leveldb.DB) error {
		return putJSON(db, keysPrefix+threadID, ks)
	})
}

// PeerKeys returns the peer public keys of the thread. It returns false if
// none were stored or the stored value is unreadable.
func (s *Store) PeerKeys(threadID string) (PeerPublicKeySet, bool) {
	var set PeerPublicKeySet
	var ok bool
	err := s.view(threadID, func(db *leveldb.DB) error {
		var err error
		set, ok, err = getJSON(s, db, peerKeysPrefix+threadID, validPeerKeys)
		return err
	})
	if err != nil {
		s.log.Debugf("Unable to load peer keys of thread %s: %v", threadID, err)
		return nil, false
	}
	return set, ok
}

// SetPeerKeys replaces the entire peer public key set of the thread.
func (s *Store) SetPeerKeys(threadID string, set PeerPublicKeySet) error {
	if set == nil {
		set = PeerPublicKeySet{}
	}
	return s.update(threadID, func(db *leveldb.DB) error {
		return putJSON(db, peerKeysPrefix+threadID, set)
	})
}

// AddPeerKey adds or replaces the public key of a single participant,
// returning the updated set. Concurrent calls for the same thread never lose
// each other's updates.
func (s *Store) AddPeerKey(threadID, participant, publicKey string) (PeerPublicKeySet, error) {
	var set PeerPublicKeySet
	err := s.update(threadID, func(db *leveldb.DB) error {
		key := peerKeysPrefix + threadID
		var err error
		if set, _, err = getJSON(s, db, key, validPeerKeys); err != nil {
			return err
		}
		if set == nil {
			set = make(PeerPublicKeySet, 1)
		}
		set[participant] = publicKey
		return putJSON(db, key, set)
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// Pending returns the messages queued for the thread in the order they were
// appended. It never returns nil.
func (s *Store) Pending(threadID string) []string {
	var msgs []string
	err := s.view(threadID, func(db *leveldb.DB) error {
		var err error
		msgs, _, err = getJSON(s, db, pendingPrefix+threadID, validPending)
		return err
	})
	if err != nil {
		s.log.Debugf("Unable to load pending msgs of thread %s: %v", threadID, err)
	}
	if msgs == nil {
		msgs = []string{}
	}
	return msgs
}

// AppendPending adds msg to the end of the thread's pending queue.
func (s *Store) AppendPending(threadID, msg string) error {
	return s.update(threadID, func(db *leveldb.DB) error {
		key := pendingPrefix + threadID
		msgs, _, err := getJSON(s, db, key, validPending)
		if err != nil {
			return err
		}
		return putJSON(db, key, append(msgs, msg))
	})
}

// ClearPending empties the thread's pending queue.
func (s *Store) ClearPending(threadID string) error {
	return s.update(threadID, func(db *leveldb.DB) error {
		return db.Delete([]byte(pendingPrefix+threadID), nil)
	})
}

// DrainPending calls flush with every pending message of the thread, in
// order, and clears the queue only if flush returns nil. Messages are never
// partially removed: on error the queue is left exactly as it was and the
// error is returned. Appends to the same thread wait until the drain is done.
//
// flush is not called when the queue is empty. It must not call back into
// the store.
func (s *Store) DrainPending(threadID string, flush func(msgs []string) error) error {
	return s.update(threadID, func(db *leveldb.DB) error {
		key := pendingPrefix + threadID
		msgs, _, err := getJSON(s, db, key, validPending)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		if err := flush(msgs); err != nil {
			return err
		}
		return db.Delete([]byte(key), nil)
	})
}

// ClearKeys removes the session keys of the thread.
func (s *Store) ClearKeys(threadID string) error {
	return s.update(threadID, func(db *leveldb.DB) error {
		return db.Delete([]byte(keysPrefix+threadID), nil)
	})
}

// ClearPeerKeys removes the peer public keys of the thread.
func (s *Store) ClearPeerKeys(threadID string) error {
	return s.update(threadID, func(db *leveldb.DB) error {
		return db.Delete([]byte(peerKeysPrefix+threadID), nil)
	})
}

// ClearThread removes every entry of the thread.
func (s *Store) ClearThread(threadID string) error {
	return s.update(threadID, func(db *leveldb.DB) error {
		b := new(leveldb.Batch)
		for _, prefix := range prefixes {
			b.Delete([]byte(prefix + threadID))
		}
		return db.Write(b, nil)
	})
}

// Threads returns the sorted ids of every thread with any stored entry.
func (s *Store) Threads() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.closed {
		return nil
	}

	seen := make(map[string]struct{})
	for _, prefix := range prefixes {
		iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for iter.Next() {
			seen[strings.TrimPrefix(string(iter.Key()), prefix)] = struct{}{}
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			s.log.Warnf("Error iterating over %s entries: %v", prefix, err)
		}
	}

	res := make([]string, 0, len(seen))
	for threadID := range seen {
		res = append(res, threadID)
	}
	sort.Strings(res)
	return res
}

// Close wipes every entry and releases the store. It is the session end hook:
// after it returns no key material remains and every other operation fails
// with ErrClosed.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	b := new(leveldb.Batch)
	iter := s.db.NewIterator(nil, nil)
	for iter.Next() {
		b.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	var wipeErr error
	if err := iter.Error(); err != nil {
		wipeErr = err
	} else if err := s.db.Write(b, nil); err != nil {
		wipeErr = err
	}

	s.locks.Clear()
	if err := s.db.Close(); err != nil && wipeErr == nil {
		wipeErr = err
	}
	if wipeErr != nil {
		return fmt.Errorf("unable to wipe session key store: %w", wipeErr)
	}
	s.log.Debugf("Session key store wiped (%d entries)", b.Len())
	return nil
}
