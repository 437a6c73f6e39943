package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/companyzero/cryptobridge/internal/assert"
)

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()
	cfgFile := filepath.Join(t.TempDir(), "brcbridge.conf")
	err := os.WriteFile(cfgFile, []byte(`
engine = ws://127.0.0.1:7950/engine
calltimeout = 5s
scryptn = 1024

[log]
debuglevel = debug
maxlogfiles = 7
`), 0o600)
	assert.NilErr(t, err)

	cfg, err := loadConfig([]string{"-cfg", cfgFile, "-calltimeout", "2m",
		"encrypt", "-to", "bob.pub"}, io.Discard)
	assert.NilErr(t, err)
	assert.DeepEqual(t, cfg.Engine, "ws://127.0.0.1:7950/engine")
	assert.DeepEqual(t, cfg.CallTimeout, 2*time.Minute)
	assert.DeepEqual(t, cfg.ScryptN, 1024)
	assert.DeepEqual(t, cfg.DebugLevel, "debug")
	assert.DeepEqual(t, cfg.MaxLogFiles, 7)
	assert.DeepEqual(t, cfg.Command, "encrypt")
	assert.DeepEqual(t, cfg.Args, []string{"-to", "bob.pub"})
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "missing.conf")
	tests := []struct {
		name string
		args []string
	}{
		{"missing explicit cfg", []string{"-cfg", missing, "init"}},
		{"no command", []string{"-cfg", missing}},
		{"bad engine", []string{"-engine", "tcp://x", "init"}},
		{"bad timeout", []string{"-calltimeout", "soon", "init"}},
		{"bad scryptn", []string{"-scryptn", "1000", "init"}},
		{"unknown flag", []string{"-nosuchflag", "init"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := loadConfig(tc.args, io.Discard)
			assert.NonNilErr(t, err)
		})
	}
}

func TestLoadConfigDone(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{{"-version"}, {"-h"}} {
		_, err := loadConfig(args, io.Discard)
		if !errors.Is(err, errCmdDone) {
			t.Fatalf("unexpected error for %v: %v", args, err)
		}
	}
}
