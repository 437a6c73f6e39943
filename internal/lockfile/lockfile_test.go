package lockfile

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/companyzero/cryptobridge/internal/assert"
)

// TestSingleUse tests that locking using a single caller works.
func TestSingleUse(t *testing.T) {
	t.Parallel()
	fname := filepath.Join(t.TempDir(), "sub", "lockfile")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lf, err := Acquire(ctx, fname, "test")
	assert.NilErr(t, err)
	assert.DeepEqual(t, lf.Path(), fname)

	holder, err := Holder(fname)
	assert.NilErr(t, err)
	if !strings.HasPrefix(holder, `Owner="test" PID=`) {
		t.Fatalf("unexpected holder %q", holder)
	}

	err = lf.Close()
	assert.NilErr(t, err)
}

// TestConcurrentLock tests the behavior of the lockfile when multiple
// concurrent attempts are made to acquire it.
func TestConcurrentLock(t *testing.T) {
	t.Parallel()
	fname := filepath.Join(t.TempDir(), "lockfile")
	testCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctx1, cancel1 := context.WithCancel(testCtx)

	// The first attempt should succeed immediately.
	lf, err := Acquire(ctx1, fname, "first")
	assert.NilErr(t, err)

	// Canceling the context now should not interfere in further tests.
	cancel1()

	// The second attempt should block, so run it with a small timeout.
	ctx2, cancel2 := context.WithTimeout(testCtx, 50*time.Millisecond)
	defer cancel2()
	_, err = Acquire(ctx2, fname, "second")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The third attempt should block until the first lock is released.
	ctx3, cancel3 := context.WithCancel(testCtx)
	defer cancel3()
	cf3, cerr3 := make(chan *LockFile), make(chan error)
	go func() {
		lf, err := Acquire(ctx3, fname, "third")
		if err != nil {
			cerr3 <- err
		} else {
			cf3 <- lf
		}
	}()

	assert.Chan2NotWritten(t, cf3, cerr3, time.Second)

	err = lf.Close()
	assert.NilErr(t, err)

	lf3 := assert.ChanWritten(t, cf3)
	err = lf3.Close()
	assert.NilErr(t, err)
}

func TestHolderMissingFile(t *testing.T) {
	t.Parallel()
	holder, err := Holder(filepath.Join(t.TempDir(), "none"))
	assert.NilErr(t, err)
	assert.DeepEqual(t, holder, "")
}
