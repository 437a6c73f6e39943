package pgpengine

import (
	"context"
	"strings"
	"testing"

	"github.com/companyzero/cryptobridge/internal/assert"
	"github.com/companyzero/cryptobridge/internal/testutils"
	"github.com/companyzero/cryptobridge/schema"
)

// fastScrypt keeps tests quick.
var fastScrypt = ScryptParams{N: 1 << 10, R: 8, P: 1}

func newTestEngine(t testing.TB) *Engine {
	return New(WithLogger(testutils.TestLoggerSys(t, "PGPE")), WithScryptParams(fastScrypt))
}

func handle[T schema.ResultData](t testing.TB, e *Engine, p schema.CallPayload) T {
	t.Helper()
	data, err := e.Handle(context.Background(), schema.NewCall(p))
	assert.NilErr(t, err)
	v, ok := data.(T)
	if !ok {
		t.Fatalf("unexpected data type %T", data)
	}
	return v
}

func handleErr(t testing.TB, e *Engine, p schema.CallPayload) error {
	t.Helper()
	_, err := e.Handle(context.Background(), schema.NewCall(p))
	assert.NonNilErr(t, err)
	return err
}

type testUser struct {
	priv, pub, fp string
	pass          string
}

func genUser(t testing.TB, e *Engine, id, pass string) testUser {
	t.Helper()
	gen := handle[schema.GenerateData](t, e, schema.GenerateCall{
		UserID: id, MainPassphrase: pass, SubPassphrase: pass,
	})
	exp := handle[schema.ExportPublicKeysData](t, e, schema.ExportPublicKeysCall{PrivateKeys: gen.Keys})
	return testUser{priv: gen.Keys, pub: exp.PublicKeys, fp: exp.Fingerprint, pass: pass}
}

func TestInit(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	data := handle[schema.InitData](t, e, schema.InitCall{})
	assert.DeepEqual(t, data, schema.InitData{Version: Version, Ready: true})
}

func TestGenerateAndExport(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	gen := handle[schema.GenerateData](t, e, schema.GenerateCall{
		UserID: "u1", MainPassphrase: "p1", SubPassphrase: "p2",
	})
	if !strings.HasPrefix(gen.Keys, "-----BEGIN "+privateKeyBlock+"-----") {
		t.Fatalf("unexpected armored keys: %q", gen.Keys)
	}

	exp := handle[schema.ExportPublicKeysData](t, e, schema.ExportPublicKeysCall{PrivateKeys: gen.Keys})
	if !strings.HasPrefix(exp.PublicKeys, "-----BEGIN "+publicKeyBlock+"-----") {
		t.Fatalf("unexpected armored public keys: %q", exp.PublicKeys)
	}
	assert.DeepEqual(t, len(exp.Fingerprint), 40)

	// Exporting twice is deterministic.
	exp2 := handle[schema.ExportPublicKeysData](t, e, schema.ExportPublicKeysCall{PrivateKeys: gen.Keys})
	assert.DeepEqual(t, exp2, exp)

	// Public keys do not leak the sealed secrets.
	if strings.Contains(exp.PublicKeys, "signKey") {
		t.Fatal("public keys contain private material")
	}

	// Distinct generations yield distinct keys.
	gen2 := handle[schema.GenerateData](t, e, schema.GenerateCall{
		UserID: "u1", MainPassphrase: "p1", SubPassphrase: "p2",
	})
	exp3 := handle[schema.ExportPublicKeysData](t, e, schema.ExportPublicKeysCall{PrivateKeys: gen2.Keys})
	if exp3.Fingerprint == exp.Fingerprint {
		t.Fatal("two generated key sets have the same fingerprint")
	}

	handleErr(t, e, schema.GenerateCall{MainPassphrase: "p1", SubPassphrase: "p2"})
	handleErr(t, e, schema.ExportPublicKeysCall{PrivateKeys: exp.PublicKeys})
}

func TestEncryptDecrypt(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	alice := genUser(t, e, "alice", "pa")
	bob := genUser(t, e, "bob", "pb")
	carol := genUser(t, e, "carol", "pc")

	const plaintext = "hello bob and carol"
	enc := handle[schema.EncryptData](t, e, schema.EncryptCall{
		Plaintext:   plaintext,
		PublicKeys:  []string{bob.pub, carol.pub},
		PrivateKeys: alice.priv,
		Passphrase:  alice.pass,
	})
	if strings.Contains(enc.Ciphertext, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	for _, u := range []testUser{bob, carol} {
		dec := handle[schema.DecryptData](t, e, schema.DecryptCall{
			Ciphertext:  enc.Ciphertext,
			PrivateKeys: u.priv,
			Passphrase:  u.pass,
			PublicKeys:  []string{alice.pub},
		})
		assert.DeepEqual(t, dec, schema.DecryptData{Plaintext: plaintext, Verified: true, Signer: alice.fp})
	}

	// Without signer keys the message is decrypted but not verified.
	dec := handle[schema.DecryptData](t, e, schema.DecryptCall{
		Ciphertext: enc.Ciphertext, PrivateKeys: bob.priv, Passphrase: bob.pass,
	})
	assert.DeepEqual(t, dec, schema.DecryptData{Plaintext: plaintext})

	// Verifying against the wrong signer fails verification only.
	dec = handle[schema.DecryptData](t, e, schema.DecryptCall{
		Ciphertext: enc.Ciphertext, PrivateKeys: bob.priv, Passphrase: bob.pass,
		PublicKeys: []string{carol.pub},
	})
	assert.DeepEqual(t, dec, schema.DecryptData{Plaintext: plaintext})

	// Alice is not a recipient.
	err := handleErr(t, e, schema.DecryptCall{
		Ciphertext: enc.Ciphertext, PrivateKeys: alice.priv, Passphrase: alice.pass,
	})
	assert.ErrorIs(t, err, ErrNotRecipient)

	// Wrong passphrase.
	err = handleErr(t, e, schema.DecryptCall{
		Ciphertext: enc.Ciphertext, PrivateKeys: bob.priv, Passphrase: "wrong",
	})
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestEncryptErrors(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	alice := genUser(t, e, "alice", "pa")

	err := handleErr(t, e, schema.EncryptCall{Plaintext: "p", PublicKeys: []string{alice.pub, "garbage"}})
	if !strings.HasPrefix(err.Error(), "publicKeys[1]") {
		t.Fatalf("unexpected error: %v", err)
	}

	err = handleErr(t, e, schema.EncryptCall{
		Plaintext: "p", PublicKeys: []string{alice.pub},
		PrivateKeys: alice.priv, Passphrase: "wrong",
	})
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

// TestSeparatePassphrases asserts the signing key is protected by the main
// passphrase and the encryption key by the sub passphrase.
func TestSeparatePassphrases(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	gen := handle[schema.GenerateData](t, e, schema.GenerateCall{
		UserID: "u1", MainPassphrase: "main", SubPassphrase: "sub",
	})
	exp := handle[schema.ExportPublicKeysData](t, e, schema.ExportPublicKeysCall{PrivateKeys: gen.Keys})

	handle[schema.SignData](t, e, schema.SignCall{Message: "m", PrivateKeys: gen.Keys, Passphrase: "main"})
	err := handleErr(t, e, schema.SignCall{Message: "m", PrivateKeys: gen.Keys, Passphrase: "sub"})
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	enc := handle[schema.EncryptData](t, e, schema.EncryptCall{Plaintext: "p", PublicKeys: []string{exp.PublicKeys}})
	handle[schema.DecryptData](t, e, schema.DecryptCall{Ciphertext: enc.Ciphertext, PrivateKeys: gen.Keys, Passphrase: "sub"})
	err = handleErr(t, e, schema.DecryptCall{Ciphertext: enc.Ciphertext, PrivateKeys: gen.Keys, Passphrase: "main"})
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestSignVerify(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	alice := genUser(t, e, "alice", "pa")
	bob := genUser(t, e, "bob", "pb")

	sig := handle[schema.SignData](t, e, schema.SignCall{
		Message: "statement", PrivateKeys: alice.priv, Passphrase: alice.pass,
	})

	ver := handle[schema.VerifyData](t, e, schema.VerifyCall{
		Message: "statement", Signature: sig.Signature, PublicKeys: []string{bob.pub, alice.pub},
	})
	assert.DeepEqual(t, ver, schema.VerifyData{Valid: true, Signer: alice.fp})

	ver = handle[schema.VerifyData](t, e, schema.VerifyCall{
		Message: "tampered", Signature: sig.Signature, PublicKeys: []string{alice.pub},
	})
	assert.DeepEqual(t, ver, schema.VerifyData{})

	ver = handle[schema.VerifyData](t, e, schema.VerifyCall{
		Message: "statement", Signature: sig.Signature, PublicKeys: []string{bob.pub},
	})
	assert.DeepEqual(t, ver, schema.VerifyData{})

	handleErr(t, e, schema.VerifyCall{Message: "statement", Signature: "garbage", PublicKeys: []string{alice.pub}})
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Handle(ctx, schema.NewCall(schema.InitCall{}))
	assert.ErrorIs(t, err, context.Canceled)
}
