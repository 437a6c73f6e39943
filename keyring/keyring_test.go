package keyring

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/companyzero/cryptobridge/internal/assert"
	"github.com/companyzero/cryptobridge/internal/testutils"
	"github.com/companyzero/cryptobridge/sessionkeys"
)

var fastScrypt = ScryptParams{N: 1 << 10, R: 8, P: 1}

func openTestKeyring(t testing.TB, dir, pass string) *Keyring {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	k, err := Open(ctx, dir, pass, WithScryptParams(fastScrypt),
		WithLogger(testutils.TestLoggerSys(t, "KRNG")))
	assert.NilErr(t, err)
	return k
}

func testEntry(id string) Entry {
	return Entry{
		ThreadID: id,
		Keys:     sessionkeys.SessionKeySet{PrivateKey: "priv-" + id, Passphrase: "pass-" + id},
		PeerKeys: sessionkeys.PeerPublicKeySet{"bob": "pub-bob-" + id},
		Saved:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSaveLoadRemove(t *testing.T) {
	t.Parallel()
	dir := testutils.TempTestDir(t, "keyring-")
	k := openTestKeyring(t, dir, "pass")
	defer k.Close()

	_, err := k.Load("t1")
	assert.ErrorIs(t, err, ErrNotFound)

	e1, e2 := testEntry("t1"), testEntry("t2")
	assert.NilErr(t, k.Save("t1", e1))
	assert.NilErr(t, k.Save("t2", e2))

	got, err := k.Load("t1")
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, e1)

	threads, err := k.Threads()
	assert.NilErr(t, err)
	assert.DeepEqual(t, threads, []string{"t1", "t2"})

	// Saving replaces the entry and forces the thread id.
	e1b := testEntry("other")
	assert.NilErr(t, k.Save("t1", e1b))
	got, err = k.Load("t1")
	assert.NilErr(t, err)
	e1b.ThreadID = "t1"
	assert.DeepEqual(t, got, e1b)

	assert.NilErr(t, k.Remove("t1"))
	assert.NilErr(t, k.Remove("t1"))
	_, err = k.Load("t1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, k.Save("", e1), ErrEmptyThreadID)
	_, err = k.Load("")
	assert.ErrorIs(t, err, ErrEmptyThreadID)
}

func TestSaveSetsTimestamp(t *testing.T) {
	t.Parallel()
	k := openTestKeyring(t, testutils.TempTestDir(t, "keyring-"), "pass")
	defer k.Close()

	e := testEntry("t1")
	e.Saved = time.Time{}
	assert.NilErr(t, k.Save("t1", e))
	got, err := k.Load("t1")
	assert.NilErr(t, err)
	if got.Saved.IsZero() {
		t.Fatal("saved timestamp not set")
	}
}

// TestReopen asserts entries survive reopening and the passphrase is
// checked.
func TestReopen(t *testing.T) {
	t.Parallel()
	dir := testutils.TempTestDir(t, "keyring-")
	assert.BoolIs(t, Exists(dir), false)
	k := openTestKeyring(t, dir, "pass")
	assert.BoolIs(t, Exists(dir), true)
	e := testEntry("t1")
	assert.NilErr(t, k.Save("t1", e))
	assert.NilErr(t, k.Close())

	_, err := k.Load("t1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NilErr(t, k.Close())

	_, err = Open(context.Background(), dir, "wrong", WithScryptParams(fastScrypt))
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	k = openTestKeyring(t, dir, "pass")
	defer k.Close()
	got, err := k.Load("t1")
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, e)
}

// TestEntriesAreSealed asserts entry files reveal neither the thread id nor
// the key material, and tampered files are rejected.
func TestEntriesAreSealed(t *testing.T) {
	t.Parallel()
	dir := testutils.TempTestDir(t, "keyring-")
	k := openTestKeyring(t, dir, "pass")
	defer k.Close()

	assert.NilErr(t, k.Save("secret-thread", testEntry("secret-thread")))
	assert.NilErr(t, k.Save("t2", testEntry("t2")))

	fname := filepath.Join(dir, entriesDir, entryName("secret-thread"))
	b, err := os.ReadFile(fname)
	assert.NilErr(t, err)
	for _, s := range []string{"secret-thread", "priv-", "pass-", "pub-bob"} {
		if bytes.Contains(b, []byte(s)) {
			t.Fatalf("entry file contains %q", s)
		}
	}

	// Moving an entry to another thread's name is detected.
	other := filepath.Join(dir, entriesDir, entryName("t2"))
	assert.NilErr(t, os.WriteFile(other, b, 0o600))
	_, err = k.Load("t2")
	assert.NonNilErr(t, err)

	threads, err := k.Threads()
	assert.NilErr(t, err)
	assert.DeepEqual(t, threads, []string{"secret-thread"})
}

// TestExclusiveOpen asserts a keyring can only be open once at a time.
func TestExclusiveOpen(t *testing.T) {
	t.Parallel()
	dir := testutils.TempTestDir(t, "keyring-")
	k := openTestKeyring(t, dir, "pass")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Open(ctx, dir, "pass", WithScryptParams(fastScrypt))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NilErr(t, k.Close())
	k = openTestKeyring(t, dir, "pass")
	assert.NilErr(t, k.Close())
}
