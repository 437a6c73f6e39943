// Package convo implements the conversation level actions that drive the
// crypto engine: establishing the engine, setting up the ephemeral keys of a
// thread, composing and opening messages and promoting session keys to
// durable ones.
package convo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/companyzero/cryptobridge/bridge"
	"github.com/companyzero/cryptobridge/internal/logutil"
	"github.com/companyzero/cryptobridge/internal/strescape"
	"github.com/companyzero/cryptobridge/keyring"
	"github.com/companyzero/cryptobridge/schema"
	"github.com/companyzero/cryptobridge/sessionkeys"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/slices"
)

var (
	// ErrNotReady is returned when an operation needs every participant's
	// key and some are still missing.
	ErrNotReady = errors.New("thread is not ready")

	// ErrNoKeys is returned when a thread has neither session nor durable
	// keys.
	ErrNoKeys = errors.New("thread has no keys")

	// ErrNoKeyring is returned by Promote when the manager has no keyring.
	ErrNoKeyring = errors.New("no durable keyring configured")
)

// EngineError is a failure reported by the engine. Message is exactly the
// message the engine produced.
type EngineError struct {
	Tag     schema.CallTag
	Message string
}

func (err *EngineError) Error() string {
	return fmt.Sprintf("engine %s call failed: %s", err.Tag, err.Message)
}

// Outgoing is the result of composing a message.
type Outgoing struct {
	ThreadID   string
	Ciphertext string

	// Queued is true when the message was stored as pending instead of
	// being encrypted. It is sent by a later Flush.
	Queued bool
}

// Incoming is an opened message.
type Incoming struct {
	Plaintext string
	Verified  bool
	Signer    string
}

type config struct {
	log    slog.Logger
	userID string
	ring   *keyring.Keyring
}

// Option configures a Manager.
type Option func(*config)

func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithUserID sets the user id embedded in generated keys.
func WithUserID(id string) Option {
	return func(c *config) {
		c.userID = id
	}
}

// WithKeyring sets the keyring where promoted keys are stored.
func WithKeyring(ring *keyring.Keyring) Option {
	return func(c *config) {
		c.ring = ring
	}
}

// Manager runs conversation actions. All methods are safe for concurrent use
// and actions on different threads proceed independently.
type Manager struct {
	b      *bridge.Bridge
	keys   *sessionkeys.Store
	ring   *keyring.Keyring
	log    slog.Logger
	userID string

	threadMtx    *xsync.MapOf[string, *sync.Mutex]
	participants *xsync.MapOf[string, []string]
}

// New creates a manager dispatching calls with b and keeping the ephemeral
// state of threads in keys.
func New(b *bridge.Bridge, keys *sessionkeys.Store, opts ...Option) *Manager {
	cfg := config{log: slog.Disabled, userID: "cryptobridge"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		b:            b,
		keys:         keys,
		ring:         cfg.ring,
		log:          cfg.log,
		userID:       cfg.userID,
		threadMtx:    xsync.NewMapOf[string, *sync.Mutex](),
		participants: xsync.NewMapOf[string, []string](),
	}
}

func (m *Manager) threadLog(threadID string) slog.Logger {
	return logutil.PrefixLogger(m.log, fmt.Sprintf("[%s]", strescape.Identifier(threadID)))
}

func (m *Manager) lockThread(threadID string) func() {
	mtx, _ := m.threadMtx.LoadOrCompute(threadID, func() *sync.Mutex {
		return new(sync.Mutex)
	})
	mtx.Lock()
	return mtx.Unlock
}

// call sends p as an id correlated request and returns its data, converting
// failed results into an EngineError.
func call[T schema.ResultData](ctx context.Context, m *Manager, p schema.CallPayload) (T, error) {
	var zero T
	res, err := m.b.Request(ctx, schema.NewCall(p))
	if err != nil {
		return zero, err
	}
	if !res.Success {
		return zero, &EngineError{Tag: res.Tag, Message: res.Message}
	}
	data, ok := res.Data.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %T data in %s result", res.Data, res.Tag)
	}
	return data, nil
}

// Init establishes the engine channel and waits until the engine reports it
// is ready.
func (m *Manager) Init(ctx context.Context) (schema.InitData, error) {
	if _, err := m.b.Start(ctx); err != nil {
		return schema.InitData{}, err
	}

	// The handler is registered before the call is sent, so that a fast
	// result cannot be missed.
	resChan := make(chan schema.Result, 1)
	reg := m.b.OnResult(schema.CTInit, func(res schema.Result) { resChan <- res })
	m.b.Send(schema.NewCall(schema.InitCall{}))

	select {
	case res := <-resChan:
		if !res.Success {
			return schema.InitData{}, &EngineError{Tag: res.Tag, Message: res.Message}
		}
		data := res.Data.(schema.InitData)
		if !data.Ready {
			return data, fmt.Errorf("engine %s is not ready", data.Version)
		}
		m.log.Infof("Crypto engine %s ready", data.Version)
		return data, nil
	case <-ctx.Done():
		reg.Unregister()
		return schema.InitData{}, ctx.Err()
	}
}

func randomPassphrase() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// material returns the keys of the thread and the public keys of its peers.
// Session keys take precedence over durable ones.
func (m *Manager) material(threadID string) (sessionkeys.SessionKeySet, sessionkeys.PeerPublicKeySet, bool) {
	if ks, ok := m.keys.Keys(threadID); ok {
		peers, _ := m.keys.PeerKeys(threadID)
		return ks, peers, true
	}
	if m.ring != nil {
		e, err := m.ring.Load(threadID)
		if err == nil {
			return e.Keys, e.PeerKeys, true
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			m.threadLog(threadID).Warnf("Unable to load durable keys: %v", err)
		}
	}
	return sessionkeys.SessionKeySet{}, nil, false
}

// BeginExchange returns the public key the local party offers to the peers of
// the thread. Fresh session keys are generated on the first call for the
// thread.
func (m *Manager) BeginExchange(ctx context.Context, threadID string) (string, error) {
	if threadID == "" {
		return "", sessionkeys.ErrEmptyThreadID
	}
	unlock := m.lockThread(threadID)
	defer unlock()

	log := m.threadLog(threadID)
	ks, ok := m.keys.Keys(threadID)
	if !ok {
		pass, err := randomPassphrase()
		if err != nil {
			return "", err
		}
		gen, err := call[schema.GenerateData](ctx, m, schema.GenerateCall{
			UserID:         m.userID,
			MainPassphrase: pass,
			SubPassphrase:  pass,
		})
		if err != nil {
			return "", err
		}
		ks = sessionkeys.SessionKeySet{PrivateKey: gen.Keys, Passphrase: pass}
		if err := m.keys.SetKeys(threadID, ks); err != nil {
			return "", err
		}
		log.Debugf("Generated session keys")
	}

	exp, err := call[schema.ExportPublicKeysData](ctx, m, schema.ExportPublicKeysCall{
		PrivateKeys: ks.PrivateKey,
	})
	if err != nil {
		return "", err
	}
	log.Debugf("Offering session key %s", exp.Fingerprint)
	return exp.PublicKeys, nil
}

// SetParticipants sets the ids of the peers whose keys are needed before the
// thread is ready. Without it, a thread is ready once any peer key is known.
func (m *Manager) SetParticipants(threadID string, ids []string) error {
	if threadID == "" {
		return sessionkeys.ErrEmptyThreadID
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	m.participants.Store(threadID, ids)
	return nil
}

// AcceptPeerKey records the public key of a participant. It returns whether
// the thread became ready.
func (m *Manager) AcceptPeerKey(threadID, participant, publicKey string) (bool, error) {
	if participant == "" || publicKey == "" {
		return false, fmt.Errorf("empty participant or public key")
	}
	if threadID == "" {
		return false, sessionkeys.ErrEmptyThreadID
	}
	unlock := m.lockThread(threadID)
	defer unlock()

	if _, err := m.keys.AddPeerKey(threadID, participant, publicKey); err != nil {
		return false, err
	}
	m.threadLog(threadID).Debugf("Accepted key of %s", participant)
	return m.Ready(threadID), nil
}

func (m *Manager) ready(threadID string, peers sessionkeys.PeerPublicKeySet) bool {
	expected, ok := m.participants.Load(threadID)
	if !ok || len(expected) == 0 {
		return len(peers) > 0
	}
	for _, id := range expected {
		if peers[id] == "" {
			return false
		}
	}
	return true
}

// Ready returns true when the thread has its own keys and the keys of every
// expected participant.
func (m *Manager) Ready(threadID string) bool {
	_, peers, ok := m.material(threadID)
	return ok && m.ready(threadID, peers)
}

func peerKeyList(peers sessionkeys.PeerPublicKeySet) []string {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = peers[id]
	}
	return keys
}

func (m *Manager) encrypt(ctx context.Context, ks sessionkeys.SessionKeySet,
	peers sessionkeys.PeerPublicKeySet, plaintext string) (string, error) {

	enc, err := call[schema.EncryptData](ctx, m, schema.EncryptCall{
		Plaintext:   plaintext,
		PublicKeys:  peerKeyList(peers),
		PrivateKeys: ks.PrivateKey,
		Passphrase:  ks.Passphrase,
	})
	return enc.Ciphertext, err
}

// Compose encrypts plaintext for every peer of the thread. When the thread is
// not ready, or earlier messages are still pending, the message is queued
// instead so that messages are always sent in the order they were composed.
func (m *Manager) Compose(ctx context.Context, threadID, plaintext string) (Outgoing, error) {
	out := Outgoing{ThreadID: threadID}
	if threadID == "" {
		return out, sessionkeys.ErrEmptyThreadID
	}
	unlock := m.lockThread(threadID)
	defer unlock()

	ks, peers, ok := m.material(threadID)
	if !ok || !m.ready(threadID, peers) || len(m.keys.Pending(threadID)) > 0 {
		if err := m.keys.AppendPending(threadID, plaintext); err != nil {
			return out, err
		}
		m.threadLog(threadID).Debugf("Queued message until thread is ready")
		out.Queued = true
		return out, nil
	}

	var err error
	out.Ciphertext, err = m.encrypt(ctx, ks, peers, plaintext)
	return out, err
}

// Flush encrypts every pending message of the thread, in order, and hands the
// batch to deliver. Pending messages are removed only if every encryption and
// deliver succeed. It returns the number of messages flushed.
//
// deliver must not call back into the manager for the same thread.
func (m *Manager) Flush(ctx context.Context, threadID string, deliver func([]Outgoing) error) (int, error) {
	if threadID == "" {
		return 0, sessionkeys.ErrEmptyThreadID
	}
	unlock := m.lockThread(threadID)
	defer unlock()

	ks, peers, ok := m.material(threadID)
	if !ok {
		return 0, ErrNoKeys
	}
	if !m.ready(threadID, peers) {
		return 0, ErrNotReady
	}

	var n int
	err := m.keys.DrainPending(threadID, func(msgs []string) error {
		batch := make([]Outgoing, len(msgs))
		for i, msg := range msgs {
			ct, err := m.encrypt(ctx, ks, peers, msg)
			if err != nil {
				return fmt.Errorf("unable to encrypt pending message %d: %w", i, err)
			}
			batch[i] = Outgoing{ThreadID: threadID, Ciphertext: ct}
		}
		if err := deliver(batch); err != nil {
			return err
		}
		n = len(batch)
		return nil
	})
	if err != nil {
		m.threadLog(threadID).Warnf("Pending messages kept after failed flush: %v", err)
		return 0, err
	}
	if n > 0 {
		m.threadLog(threadID).Infof("Flushed %d pending messages", n)
	}
	return n, nil
}

// Open decrypts a message sent to the thread and verifies its signature
// against the keys of the thread's peers.
func (m *Manager) Open(ctx context.Context, threadID, ciphertext string) (Incoming, error) {
	ks, peers, ok := m.material(threadID)
	if !ok {
		return Incoming{}, ErrNoKeys
	}
	dec, err := call[schema.DecryptData](ctx, m, schema.DecryptCall{
		Ciphertext:  ciphertext,
		PrivateKeys: ks.PrivateKey,
		Passphrase:  ks.Passphrase,
		PublicKeys:  peerKeyList(peers),
	})
	if err != nil {
		return Incoming{}, err
	}
	return Incoming{Plaintext: dec.Plaintext, Verified: dec.Verified, Signer: dec.Signer}, nil
}

// Promote stores the session keys of the thread and its peers' keys in the
// keyring, then clears them from the session. Pending messages stay queued.
func (m *Manager) Promote(threadID string) error {
	if m.ring == nil {
		return ErrNoKeyring
	}
	unlock := m.lockThread(threadID)
	defer unlock()

	ks, ok := m.keys.Keys(threadID)
	if !ok {
		return ErrNoKeys
	}
	peers, _ := m.keys.PeerKeys(threadID)
	if !m.ready(threadID, peers) {
		return ErrNotReady
	}
	if err := m.ring.Save(threadID, keyring.Entry{Keys: ks, PeerKeys: peers}); err != nil {
		return err
	}
	if err := m.keys.ClearKeys(threadID); err != nil {
		return err
	}
	if err := m.keys.ClearPeerKeys(threadID); err != nil {
		return err
	}
	m.threadLog(threadID).Infof("Promoted session keys to durable keys")
	return nil
}

// End discards the ephemeral state of the thread: session keys, peer keys,
// pending messages and participants. Durable keys are kept.
func (m *Manager) End(threadID string) error {
	unlock := m.lockThread(threadID)
	defer unlock()
	m.participants.Delete(threadID)
	if err := m.keys.ClearThread(threadID); err != nil {
		return err
	}
	m.threadLog(threadID).Debugf("Thread ended")
	return nil
}
