// Package testutils holds helpers shared by tests of several packages.
package testutils

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/decred/slog"
)

// showLogEnvVar enables test log output when set to a non empty value, even
// without -test.v.
const showLogEnvVar = "CRYPTOBRIDGE_TEST_LOG"

// subsysLevel returns the level for test loggers of a subsystem. Websocket
// pings are too chatty at trace level.
func subsysLevel(subsys string) slog.Level {
	if subsys == "WSEN" {
		return slog.LevelDebug
	}
	return slog.LevelTrace
}

// testLogWriter forwards log lines to t.Log until the test is done. Engine
// and websocket goroutines may still log after that, which t.Log forbids.
type testLogWriter struct {
	mtx  sync.Mutex
	tb   testing.TB
	done bool
	show bool
}

func (w *testLogWriter) Write(b []byte) (int, error) {
	w.mtx.Lock()
	if !w.done && w.show && len(b) > 0 {
		w.tb.Log(string(b[:len(b)-1]))
	}
	w.mtx.Unlock()
	return len(b), nil
}

func newTestLogBackend(t testing.TB) *slog.Backend {
	w := &testLogWriter{
		tb:   t,
		show: testing.Verbose() || os.Getenv(showLogEnvVar) != "",
	}
	t.Cleanup(func() {
		w.mtx.Lock()
		w.done = true
		w.mtx.Unlock()
	})
	return slog.NewBackend(w)
}

// TestLoggerSys returns an slog.Logger that logs by issuing t.Log calls.
func TestLoggerSys(t testing.TB, sys string) slog.Logger {
	logg := newTestLogBackend(t).Logger(sys)
	logg.SetLevel(subsysLevel(sys))
	return logg
}

// TestLoggerBackend returns a function that generates loggers for subsystems
// of the party called name, all of which log by calling t.Log.
func TestLoggerBackend(t testing.TB, name string) func(subsys string) slog.Logger {
	bknd := newTestLogBackend(t)
	return func(subsys string) slog.Logger {
		logg := bknd.Logger(fmt.Sprintf("%7s - %s", name, subsys))
		logg.SetLevel(subsysLevel(subsys))
		return logg
	}
}
