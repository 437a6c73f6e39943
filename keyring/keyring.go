// Package keyring durably stores the key material of threads whose ephemeral
// session keys were promoted to long term keys.
//
// Every entry is a JSON file sealed with a key derived from the keyring
// passphrase. The directory is locked while a Keyring is open.
package keyring

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/cryptobridge/internal/jsonfile"
	"github.com/companyzero/cryptobridge/internal/lockfile"
	"github.com/companyzero/cryptobridge/sessionkeys"
	"github.com/decred/slog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/exp/slices"
	"lukechampine.com/blake3"
)

const (
	metaFilename = "keyring.json"
	lockFilename = "keyring.lock"
	entriesDir   = "entries"
	entryExt     = ".json"

	metaVersion = 1
	checkLabel  = "cryptobridge keyring check"
	maxScryptN  = 1 << 20
	saltSize    = 32
)

var (
	ErrNotFound        = errors.New("keyring entry not found")
	ErrWrongPassphrase = errors.New("wrong keyring passphrase")
	ErrClosed          = errors.New("keyring closed")
	ErrEmptyThreadID   = errors.New("empty thread id")
)

// ScryptParams are the parameters used to derive the keyring key from its
// passphrase. They are only used when a new keyring is created.
type ScryptParams struct {
	N, R, P int
}

var DefaultScryptParams = ScryptParams{N: 1 << 17, R: 8, P: 1}

// Entry is the durable key material of one thread.
type Entry struct {
	ThreadID string                       `json:"threadId"`
	Keys     sessionkeys.SessionKeySet    `json:"keys"`
	PeerKeys sessionkeys.PeerPublicKeySet `json:"peerKeys,omitempty"`
	Saved    time.Time                    `json:"saved"`
}

type sealedBox struct {
	Nonce []byte `json:"nonce"`
	Box   []byte `json:"box"`
}

type meta struct {
	Version int       `json:"version"`
	Salt    []byte    `json:"salt"`
	N       int       `json:"n"`
	R       int       `json:"r"`
	P       int       `json:"p"`
	Check   sealedBox `json:"check"`
}

type config struct {
	log    slog.Logger
	scrypt ScryptParams
}

// Option configures a Keyring.
type Option func(*config)

func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithScryptParams sets the key derivation parameters of new keyrings.
func WithScryptParams(params ScryptParams) Option {
	return func(c *config) {
		c.scrypt = params
	}
}

// Keyring is an open keyring. All methods are safe for concurrent use.
type Keyring struct {
	dir  string
	log  slog.Logger
	lock *lockfile.LockFile

	mtx  sync.Mutex
	aead cipher.AEAD
}

// Open opens the keyring in dir, creating it if needed. It blocks until no
// other process has the keyring open, or until ctx is done.
func Open(ctx context.Context, dir, passphrase string, opts ...Option) (*Keyring, error) {
	cfg := config{log: slog.Disabled, scrypt: DefaultScryptParams}
	for _, opt := range opts {
		opt(&cfg)
	}

	lock, err := lockfile.Acquire(ctx, filepath.Join(dir, lockFilename), "keyring")
	if err != nil {
		return nil, fmt.Errorf("unable to lock keyring: %w", err)
	}

	aead, err := unlock(dir, passphrase, cfg)
	if err != nil {
		lock.Close()
		return nil, err
	}
	return &Keyring{
		dir:  dir,
		log:  cfg.log,
		lock: lock,
		aead: aead,
	}, nil
}

func deriveAEAD(passphrase string, salt []byte, n, r, p int) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, n, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}

func sealBox(aead cipher.AEAD, plaintext, ad []byte) (sealedBox, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return sealedBox{}, err
	}
	return sealedBox{Nonce: nonce, Box: aead.Seal(nil, nonce, plaintext, ad)}, nil
}

func openBox(aead cipher.AEAD, b sealedBox, ad []byte) ([]byte, bool) {
	if len(b.Nonce) != aead.NonceSize() {
		return nil, false
	}
	plaintext, err := aead.Open(nil, b.Nonce, b.Box, ad)
	return plaintext, err == nil
}

// unlock derives the keyring key, creating the keyring metadata if it does
// not exist yet.
func unlock(dir, passphrase string, cfg config) (cipher.AEAD, error) {
	metaPath := filepath.Join(dir, metaFilename)
	var m meta
	err := jsonfile.Read(metaPath, &m)
	if errors.Is(err, jsonfile.ErrNotFound) {
		m = meta{
			Version: metaVersion,
			Salt:    make([]byte, saltSize),
			N:       cfg.scrypt.N,
			R:       cfg.scrypt.R,
			P:       cfg.scrypt.P,
		}
		if _, err := io.ReadFull(rand.Reader, m.Salt); err != nil {
			return nil, err
		}
		aead, err := deriveAEAD(passphrase, m.Salt, m.N, m.R, m.P)
		if err != nil {
			return nil, fmt.Errorf("unable to derive keyring key: %w", err)
		}
		if m.Check, err = sealBox(aead, m.Salt, []byte(checkLabel)); err != nil {
			return nil, err
		}
		if err := jsonfile.Write(metaPath, m, cfg.log); err != nil {
			return nil, fmt.Errorf("unable to create keyring: %w", err)
		}
		cfg.log.Infof("Created keyring in %s", dir)
		return aead, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read keyring metadata: %w", err)
	}

	if m.Version != metaVersion {
		return nil, fmt.Errorf("unsupported keyring version %d", m.Version)
	}
	if m.N <= 1 || m.N > maxScryptN || m.R <= 0 || m.P <= 0 {
		return nil, fmt.Errorf("invalid keyring key derivation parameters")
	}
	aead, err := deriveAEAD(passphrase, m.Salt, m.N, m.R, m.P)
	if err != nil {
		return nil, fmt.Errorf("unable to derive keyring key: %w", err)
	}
	if _, ok := openBox(aead, m.Check, []byte(checkLabel)); !ok {
		return nil, ErrWrongPassphrase
	}
	cfg.log.Debugf("Unlocked keyring in %s", dir)
	return aead, nil
}

// entryName is the file name of a thread's entry. Thread ids are hashed so
// that they never need escaping and are not revealed by the file names.
func entryName(threadID string) string {
	h := blake3.Sum256([]byte(threadID))
	return hex.EncodeToString(h[:16]) + entryExt
}

func (k *Keyring) aeadKey() (cipher.AEAD, error) {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	if k.aead == nil {
		return nil, ErrClosed
	}
	return k.aead, nil
}

// Save stores e as the entry of threadID, replacing any previous one.
func (k *Keyring) Save(threadID string, e Entry) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	aead, err := k.aeadKey()
	if err != nil {
		return err
	}

	e.ThreadID = threadID
	if e.Saved.IsZero() {
		e.Saved = time.Now().UTC()
	}
	plaintext, err := json.Marshal(e)
	if err != nil {
		return err
	}
	name := entryName(threadID)
	b, err := sealBox(aead, plaintext, []byte(name))
	if err != nil {
		return err
	}
	if err := jsonfile.Write(filepath.Join(k.dir, entriesDir, name), b, k.log); err != nil {
		return fmt.Errorf("unable to save keyring entry: %w", err)
	}
	k.log.Debugf("Saved keyring entry of thread %q", threadID)
	return nil
}

func (k *Keyring) loadFile(aead cipher.AEAD, name string) (Entry, error) {
	var b sealedBox
	var e Entry
	err := jsonfile.Read(filepath.Join(k.dir, entriesDir, name), &b)
	if errors.Is(err, jsonfile.ErrNotFound) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("unable to read keyring entry %s: %w", name, err)
	}
	plaintext, ok := openBox(aead, b, []byte(name))
	if !ok {
		return e, fmt.Errorf("keyring entry %s is corrupt", name)
	}
	if err := json.Unmarshal(plaintext, &e); err != nil {
		return e, fmt.Errorf("unable to decode keyring entry %s: %w", name, err)
	}
	if entryName(e.ThreadID) != name {
		return Entry{}, fmt.Errorf("keyring entry %s has mismatched thread id", name)
	}
	return e, nil
}

// Load returns the entry of threadID or ErrNotFound.
func (k *Keyring) Load(threadID string) (Entry, error) {
	if threadID == "" {
		return Entry{}, ErrEmptyThreadID
	}
	aead, err := k.aeadKey()
	if err != nil {
		return Entry{}, err
	}
	return k.loadFile(aead, entryName(threadID))
}

// Remove deletes the entry of threadID. Removing a missing entry is not an
// error.
func (k *Keyring) Remove(threadID string) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	if _, err := k.aeadKey(); err != nil {
		return err
	}
	return jsonfile.RemoveIfExists(filepath.Join(k.dir, entriesDir, entryName(threadID)))
}

// Threads returns the ids of the threads with an entry, sorted. Entries that
// cannot be read are logged and skipped.
func (k *Keyring) Threads() ([]string, error) {
	aead, err := k.aeadKey()
	if err != nil {
		return nil, err
	}
	names, err := jsonfile.List(filepath.Join(k.dir, entriesDir), entryExt)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(names))
	for _, name := range names {
		e, err := k.loadFile(aead, name)
		if err != nil {
			k.log.Warnf("Skipping keyring entry: %v", err)
			continue
		}
		res = append(res, e.ThreadID)
	}
	slices.Sort(res)
	return res, nil
}

// Close releases the keyring. Operations attempted afterwards fail with
// ErrClosed.
func (k *Keyring) Close() error {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	if k.aead == nil {
		return nil
	}
	k.aead = nil
	return k.lock.Close()
}

// Exists returns true if dir holds a keyring.
func Exists(dir string) bool {
	return jsonfile.Exists(filepath.Join(dir, metaFilename))
}
