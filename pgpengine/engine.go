// Package pgpengine is a PGP-style crypto engine: passphrase protected key
// sets, multi-recipient encryption and detached signatures.
//
// Key sets hold an ed25519 signing key and an X25519 encryption key. Messages
// are encrypted with a random XChaCha20-Poly1305 content key, which is sealed
// to each recipient with an anonymous nacl box. Everything is exchanged as
// PEM armored blocks.
package pgpengine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/companyzero/cryptobridge/engine"
	"github.com/companyzero/cryptobridge/schema"
	"github.com/decred/slog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// Version is reported in the result of init calls.
const Version = "1.0.0"

// Engine executes calls. It holds no state besides its configuration, so it
// is safe for concurrent use.
type Engine struct {
	log    slog.Logger
	scrypt ScryptParams
	rand   io.Reader
	now    func() time.Time
}

// Option configures an Engine.
type Option func(e *Engine)

func WithLogger(log slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithScryptParams sets the work factor used to protect newly generated keys.
func WithScryptParams(params ScryptParams) Option {
	return func(e *Engine) {
		e.scrypt = params
	}
}

// New creates a new engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:    slog.Disabled,
		scrypt: DefaultScryptParams,
		rand:   rand.Reader,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ engine.Handler = (*Engine)(nil)

// Handle executes a single call.
func (e *Engine) Handle(ctx context.Context, call schema.Call) (schema.ResultData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch p := call.Payload.(type) {
	case schema.InitCall:
		return schema.InitData{Version: Version, Ready: true}, nil
	case schema.GenerateCall:
		return e.generate(p)
	case schema.ExportPublicKeysCall:
		return e.exportPublicKeys(p)
	case schema.EncryptCall:
		return e.encrypt(p)
	case schema.DecryptCall:
		return e.decrypt(p)
	case schema.SignCall:
		return e.sign(p)
	case schema.VerifyCall:
		return e.verify(p)
	default:
		return nil, fmt.Errorf("unsupported call %q", call.Tag())
	}
}

func (e *Engine) generate(p schema.GenerateCall) (schema.ResultData, error) {
	if p.UserID == "" {
		return nil, errors.New("userId must not be empty")
	}
	signPub, signPriv, err := ed25519.GenerateKey(e.rand)
	if err != nil {
		return nil, fmt.Errorf("unable to generate signing key: %w", err)
	}
	encPub, encPriv, err := box.GenerateKey(e.rand)
	if err != nil {
		return nil, fmt.Errorf("unable to generate encryption key: %w", err)
	}

	sk := &privateKeys{
		publicKeys: publicKeys{
			Version: formatVersion,
			UserID:  p.UserID,
			Created: e.now().Unix(),
			SignPub: signPub,
			EncPub:  encPub[:],
		},
	}
	sk.SignKey, err = sealSecret(signPriv.Seed(), p.MainPassphrase, signKeyLabel, e.scrypt, e.rand)
	if err != nil {
		return nil, fmt.Errorf("unable to protect signing key: %w", err)
	}
	sk.EncKey, err = sealSecret(encPriv[:], p.SubPassphrase, encKeyLabel, e.scrypt, e.rand)
	if err != nil {
		return nil, fmt.Errorf("unable to protect encryption key: %w", err)
	}

	fp := sk.fingerprint()
	keys, err := armor(privateKeyBlock, map[string]string{"Fingerprint": fp}, sk)
	if err != nil {
		return nil, err
	}
	e.log.Debugf("Generated key set %s", fp)
	return schema.GenerateData{Keys: keys}, nil
}

func (e *Engine) exportPublicKeys(p schema.ExportPublicKeysCall) (schema.ResultData, error) {
	sk, err := parsePrivateKeys(p.PrivateKeys)
	if err != nil {
		return nil, err
	}
	pub, err := armorPublicKeys(&sk.publicKeys)
	if err != nil {
		return nil, err
	}
	return schema.ExportPublicKeysData{PublicKeys: pub, Fingerprint: sk.fingerprint()}, nil
}

type recipient struct {
	Fingerprint string `json:"fingerprint"`
	Key         []byte `json:"key"`
}

type message struct {
	Version    int         `json:"version"`
	Recipients []recipient `json:"recipients"`
	Nonce      []byte      `json:"nonce"`
	Ciphertext []byte      `json:"ciphertext"`
}

// content is the plaintext of a message.
type content struct {
	Plaintext string `json:"plaintext"`
	Signer    string `json:"signer,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

func (e *Engine) encrypt(p schema.EncryptCall) (schema.ResultData, error) {
	recipients, err := parsePublicKeyList(p.PublicKeys)
	if err != nil {
		return nil, err
	}

	c := content{Plaintext: p.Plaintext}
	if p.PrivateKeys != "" {
		sk, err := parsePrivateKeys(p.PrivateKeys)
		if err != nil {
			return nil, err
		}
		signKey, err := sk.signingKey(p.Passphrase)
		if err != nil {
			return nil, err
		}
		c.Signer = sk.fingerprint()
		c.Signature = ed25519.Sign(signKey, []byte(p.Plaintext))
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	contentKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(e.rand, contentKey); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, err
	}
	msg := message{
		Version:    formatVersion,
		Recipients: make([]recipient, len(recipients)),
		Nonce:      make([]byte, aead.NonceSize()),
	}
	if _, err := io.ReadFull(e.rand, msg.Nonce); err != nil {
		return nil, err
	}
	msg.Ciphertext = aead.Seal(nil, msg.Nonce, plain, nil)

	for i, pk := range recipients {
		sealed, err := box.SealAnonymous(nil, contentKey, pk.encKey(), e.rand)
		if err != nil {
			return nil, fmt.Errorf("unable to seal key to recipient %d: %w", i, err)
		}
		msg.Recipients[i] = recipient{Fingerprint: pk.fingerprint(), Key: sealed}
	}

	ct, err := armor(messageBlock, nil, &msg)
	if err != nil {
		return nil, err
	}
	return schema.EncryptData{Ciphertext: ct}, nil
}

func (e *Engine) decrypt(p schema.DecryptCall) (schema.ResultData, error) {
	var msg message
	if err := unarmor(p.Ciphertext, messageBlock, &msg); err != nil {
		return nil, fmt.Errorf("ciphertext: %w", err)
	}
	if msg.Version != formatVersion {
		return nil, fmt.Errorf("unsupported message version %d", msg.Version)
	}
	sk, err := parsePrivateKeys(p.PrivateKeys)
	if err != nil {
		return nil, err
	}

	fp := sk.fingerprint()
	var sealed []byte
	for _, r := range msg.Recipients {
		if r.Fingerprint == fp {
			sealed = r.Key
			break
		}
	}
	if sealed == nil {
		return nil, ErrNotRecipient
	}

	encKey, err := sk.decryptionKey(p.Passphrase)
	if err != nil {
		return nil, err
	}
	contentKey, ok := box.OpenAnonymous(nil, sealed, sk.encKey(), encKey)
	if !ok {
		return nil, errors.New("unable to open content key")
	}
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, err
	}
	if len(msg.Nonce) != aead.NonceSize() {
		return nil, errors.New("invalid message nonce")
	}
	plain, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("message authentication failed")
	}
	var c content
	if err := json.Unmarshal(plain, &c); err != nil {
		return nil, fmt.Errorf("malformed message content: %w", err)
	}

	res := schema.DecryptData{Plaintext: c.Plaintext}
	if c.Signer == "" || len(p.PublicKeys) == 0 {
		return res, nil
	}
	signers, err := parsePublicKeyList(p.PublicKeys)
	if err != nil {
		return nil, err
	}
	for _, pk := range signers {
		if pk.fingerprint() != c.Signer {
			continue
		}
		if ed25519.Verify(pk.SignPub, []byte(c.Plaintext), c.Signature) {
			res.Verified = true
			res.Signer = c.Signer
		}
		break
	}
	if !res.Verified {
		e.log.Debugf("Unable to verify signature by %s on decrypted message", c.Signer)
	}
	return res, nil
}

type signature struct {
	Version   int    `json:"version"`
	Signer    string `json:"signer"`
	Signature []byte `json:"signature"`
}

func (e *Engine) sign(p schema.SignCall) (schema.ResultData, error) {
	sk, err := parsePrivateKeys(p.PrivateKeys)
	if err != nil {
		return nil, err
	}
	signKey, err := sk.signingKey(p.Passphrase)
	if err != nil {
		return nil, err
	}
	sig := signature{
		Version:   formatVersion,
		Signer:    sk.fingerprint(),
		Signature: ed25519.Sign(signKey, []byte(p.Message)),
	}
	armored, err := armor(signatureBlock, nil, &sig)
	if err != nil {
		return nil, err
	}
	return schema.SignData{Signature: armored}, nil
}

func (e *Engine) verify(p schema.VerifyCall) (schema.ResultData, error) {
	var sig signature
	if err := unarmor(p.Signature, signatureBlock, &sig); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	signers, err := parsePublicKeyList(p.PublicKeys)
	if err != nil {
		return nil, err
	}
	for _, pk := range signers {
		if pk.fingerprint() != sig.Signer {
			continue
		}
		if ed25519.Verify(pk.SignPub, []byte(p.Message), sig.Signature) {
			return schema.VerifyData{Valid: true, Signer: sig.Signer}, nil
		}
		break
	}
	return schema.VerifyData{Valid: false}, nil
}
