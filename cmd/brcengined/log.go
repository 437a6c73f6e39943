package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

type logBackend struct {
	stdOut     io.Writer
	logRotator *rotator.Rotator
	bknd       *slog.Backend
	level      slog.Level
	levels     map[string]slog.Level
}

func (bknd *logBackend) Write(b []byte) (int, error) {
	if bknd.stdOut != nil {
		bknd.stdOut.Write(b)
	}
	if bknd.logRotator != nil {
		bknd.logRotator.Write(b)
	}

	return len(b), nil
}

// logger returns the logger of a subsystem at the configured level.
func (bknd *logBackend) logger(subsys string) slog.Logger {
	l := bknd.bknd.Logger(subsys)
	if level, ok := bknd.levels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(bknd.level)
	}
	return l
}

func (bknd *logBackend) close() {
	if bknd.logRotator != nil {
		bknd.logRotator.Close()
	}
}

func newLogBackend(cfg *settings) (*logBackend, error) {
	level, levels, err := parseDebugLevel(cfg.DebugLevel)
	if err != nil {
		return nil, err
	}
	lb := &logBackend{
		stdOut: os.Stdout,
		level:  level,
		levels: levels,
	}
	if cfg.LogFile != "" {
		logDir := filepath.Dir(cfg.LogFile)
		err := os.MkdirAll(logDir, 0700)
		if err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logRotator, err := rotator.New(cfg.LogFile, 1024, false, cfg.MaxLogFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
		lb.logRotator = logRotator
	}
	lb.bknd = slog.NewBackend(lb)
	return lb, nil
}

// parseDebugLevel parses a "level,SUBSYS=level,..." string into the default
// level and the per subsystem levels.
func parseDebugLevel(debugLevel string) (slog.Level, map[string]slog.Level, error) {
	def := slog.LevelInfo
	levels := make(map[string]slog.Level)
	for _, v := range strings.Split(debugLevel, ",") {
		fields := strings.Split(strings.TrimSpace(v), "=")
		switch len(fields) {
		case 1:
			level, ok := slog.LevelFromString(fields[0])
			if !ok {
				return def, nil, fmt.Errorf("unknown log level %q", fields[0])
			}
			def = level
		case 2:
			level, ok := slog.LevelFromString(fields[1])
			if !ok {
				return def, nil, fmt.Errorf("unknown log level %q for subsystem %s",
					fields[1], fields[0])
			}
			levels[fields[0]] = level
		default:
			return def, nil, fmt.Errorf("unable to parse %q as subsys=level "+
				"debuglevel string", v)
		}
	}
	return def, levels, nil
}
