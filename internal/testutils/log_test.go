package testutils

import (
	"testing"

	"github.com/companyzero/cryptobridge/internal/assert"
)

// TestLogWriterStopsAfterCleanup asserts lines written after the test is done
// are dropped instead of reaching t.Log.
func TestLogWriterStopsAfterCleanup(t *testing.T) {
	t.Parallel()
	var w *testLogWriter
	t.Run("sub", func(t *testing.T) {
		w = &testLogWriter{tb: t, show: true}
		t.Cleanup(func() {
			w.mtx.Lock()
			w.done = true
			w.mtx.Unlock()
		})
		n, err := w.Write([]byte("during test\n"))
		assert.NilErr(t, err)
		assert.DeepEqual(t, n, 12)
	})

	// Would panic if forwarded to the finished subtest.
	assert.DoesNotBlock(t, func() {
		n, err := w.Write([]byte("late line\n"))
		assert.NilErr(t, err)
		assert.DeepEqual(t, n, 10)
	})
	assert.BoolIs(t, w.done, true)
}

func TestLoggerBackendLevels(t *testing.T) {
	t.Parallel()
	logBknd := TestLoggerBackend(t, "alice")
	assert.DeepEqual(t, logBknd("WSEN").Level(), subsysLevel("WSEN"))
	assert.DeepEqual(t, logBknd("CONV").Level(), subsysLevel("CONV"))
	assert.DeepEqual(t, TestLoggerSys(t, "ENGN").Level(), subsysLevel("ENGN"))
}
