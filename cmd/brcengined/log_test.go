package main

import (
	"testing"

	"github.com/companyzero/cryptobridge/internal/assert"
	"github.com/decred/slog"
)

func TestParseDebugLevel(t *testing.T) {
	t.Parallel()
	def, levels, err := parseDebugLevel("warn, WSEN=trace,ENGN=debug")
	assert.NilErr(t, err)
	assert.DeepEqual(t, def, slog.LevelWarn)
	assert.DeepEqual(t, levels, map[string]slog.Level{
		"WSEN": slog.LevelTrace,
		"ENGN": slog.LevelDebug,
	})

	for _, bad := range []string{"loud", "WSEN=loud", "a=b=c"} {
		_, _, err := parseDebugLevel(bad)
		assert.NonNilErr(t, err)
	}
}

func TestSubsystemLevels(t *testing.T) {
	t.Parallel()
	lb, err := newLogBackend(&settings{DebugLevel: "error,PGPE=debug"})
	assert.NilErr(t, err)
	defer lb.close()
	assert.DeepEqual(t, lb.logger("PGPE").Level(), slog.LevelDebug)
	assert.DeepEqual(t, lb.logger("MAIN").Level(), slog.LevelError)
}
