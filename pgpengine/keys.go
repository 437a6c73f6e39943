package pgpengine

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	"lukechampine.com/blake3"
)

const (
	formatVersion = 1

	privateKeyBlock = "CRYPTOBRIDGE PRIVATE KEY"
	publicKeyBlock  = "CRYPTOBRIDGE PUBLIC KEY"
	messageBlock    = "CRYPTOBRIDGE MESSAGE"
	signatureBlock  = "CRYPTOBRIDGE SIGNATURE"

	// maxScryptN bounds the work factor accepted from sealed secrets.
	maxScryptN = 1 << 20

	saltSize = 16
)

var (
	ErrWrongPassphrase = errors.New("wrong passphrase")
	ErrNotRecipient    = errors.New("message was not encrypted to this key")
)

// ScryptParams are the key derivation parameters used when sealing secrets.
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams is the work factor used by default to protect private
// keys.
var DefaultScryptParams = ScryptParams{N: 1 << 15, R: 8, P: 1}

// sealedSecret is a secret encrypted with a passphrase derived key.
type sealedSecret struct {
	Salt  []byte `json:"salt"`
	N     int    `json:"n"`
	R     int    `json:"r"`
	P     int    `json:"p"`
	Nonce []byte `json:"nonce"`
	Box   []byte `json:"box"`
}

func sealSecret(secret []byte, passphrase, label string, params ScryptParams, rand io.Reader) (sealedSecret, error) {
	s := sealedSecret{
		Salt: make([]byte, saltSize),
		N:    params.N,
		R:    params.R,
		P:    params.P,
	}
	if _, err := io.ReadFull(rand, s.Salt); err != nil {
		return s, err
	}
	key, err := scrypt.Key([]byte(passphrase), s.Salt, s.N, s.R, s.P, chacha20poly1305.KeySize)
	if err != nil {
		return s, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return s, err
	}
	s.Nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand, s.Nonce); err != nil {
		return s, err
	}
	s.Box = aead.Seal(nil, s.Nonce, secret, []byte(label))
	return s, nil
}

func (s *sealedSecret) open(passphrase, label string) ([]byte, error) {
	if s.N <= 1 || s.N > maxScryptN || s.N&(s.N-1) != 0 || s.R <= 0 || s.P <= 0 {
		return nil, errors.New("invalid key derivation parameters")
	}
	key, err := scrypt.Key([]byte(passphrase), s.Salt, s.N, s.R, s.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}
	secret, err := aead.Open(nil, s.Nonce, s.Box, []byte(label))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return secret, nil
}

// publicKeys is the public half of a key set.
type publicKeys struct {
	Version int    `json:"version"`
	UserID  string `json:"userId"`
	Created int64  `json:"created"`
	SignPub []byte `json:"signPub"`
	EncPub  []byte `json:"encPub"`
}

func (pk *publicKeys) check() error {
	if pk.Version != formatVersion {
		return fmt.Errorf("unsupported key version %d", pk.Version)
	}
	if len(pk.SignPub) != ed25519.PublicKeySize {
		return errors.New("invalid signing key size")
	}
	if len(pk.EncPub) != 32 {
		return errors.New("invalid encryption key size")
	}
	return nil
}

func (pk *publicKeys) encKey() *[32]byte {
	var k [32]byte
	copy(k[:], pk.EncPub)
	return &k
}

// fingerprint identifies a key set by its public keys.
func (pk *publicKeys) fingerprint() string {
	h := blake3.New(20, nil)
	h.Write([]byte("cryptobridge fingerprint"))
	h.Write(pk.SignPub)
	h.Write(pk.EncPub)
	return hex.EncodeToString(h.Sum(nil))
}

// privateKeys is a key set with its secret halves sealed. The signing key is
// sealed with the main passphrase and the encryption key with the sub
// passphrase.
type privateKeys struct {
	publicKeys
	SignKey sealedSecret `json:"signKey"`
	EncKey  sealedSecret `json:"encKey"`
}

const (
	signKeyLabel = "cryptobridge sign key"
	encKeyLabel  = "cryptobridge enc key"
)

func (sk *privateKeys) signingKey(passphrase string) (ed25519.PrivateKey, error) {
	seed, err := sk.SignKey.open(passphrase, signKeyLabel)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("invalid signing key seed")
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (sk *privateKeys) decryptionKey(passphrase string) (*[32]byte, error) {
	b, err := sk.EncKey.open(passphrase, encKeyLabel)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errors.New("invalid encryption key")
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

func armor(blockType string, headers map[string]string, v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:    blockType,
		Headers: headers,
		Bytes:   b,
	})), nil
}

func unarmor(s, blockType string, v interface{}) error {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return errors.New("no armored block found")
	}
	if block.Type != blockType {
		return fmt.Errorf("expected %q block, found %q", blockType, block.Type)
	}
	if err := json.Unmarshal(block.Bytes, v); err != nil {
		return fmt.Errorf("malformed %s: %w", blockType, err)
	}
	return nil
}

func parsePrivateKeys(s string) (*privateKeys, error) {
	sk := new(privateKeys)
	if err := unarmor(s, privateKeyBlock, sk); err != nil {
		return nil, fmt.Errorf("privateKeys: %w", err)
	}
	if err := sk.check(); err != nil {
		return nil, fmt.Errorf("privateKeys: %w", err)
	}
	return sk, nil
}

func parsePublicKeys(s string) (*publicKeys, error) {
	pk := new(publicKeys)
	if err := unarmor(s, publicKeyBlock, pk); err != nil {
		return nil, err
	}
	if err := pk.check(); err != nil {
		return nil, err
	}
	return pk, nil
}

func parsePublicKeyList(list []string) ([]*publicKeys, error) {
	res := make([]*publicKeys, len(list))
	for i, s := range list {
		pk, err := parsePublicKeys(s)
		if err != nil {
			return nil, fmt.Errorf("publicKeys[%d]: %w", i, err)
		}
		res[i] = pk
	}
	return res, nil
}

func armorPublicKeys(pk *publicKeys) (string, error) {
	headers := map[string]string{"Fingerprint": pk.fingerprint()}
	return armor(publicKeyBlock, headers, pk)
}
