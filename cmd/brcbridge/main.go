package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/companyzero/cryptobridge/bridge"
	"github.com/companyzero/cryptobridge/engine"
	"github.com/companyzero/cryptobridge/internal/version"
	"github.com/companyzero/cryptobridge/pgpengine"
	"github.com/companyzero/cryptobridge/sessionkeys"
	"github.com/companyzero/cryptobridge/wsengine"
)

// spawner returns how the engine channel is established: an in-process
// engine or a connection to an engine daemon.
func spawner(cfg *config, logBknd *logBackend) bridge.Spawner {
	if cfg.Engine == "local" {
		eng := pgpengine.New(
			pgpengine.WithLogger(logBknd.logger("PGPE")),
			pgpengine.WithScryptParams(pgpengine.ScryptParams{N: cfg.ScryptN, R: 8, P: 1}),
		)
		return bridge.LocalSpawner(eng, engine.WithLogger(logBknd.logger("ENGN")))
	}

	return func(ctx context.Context) (engine.Conn, error) {
		conn, err := wsengine.Dial(ctx, cfg.Engine,
			wsengine.WithLogger(logBknd.logger("WSEN")),
			wsengine.WithPingInterval(cfg.PingInterval, cfg.PingInterval/3),
		)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func newApp(cfg *config, logBknd *logBackend, in io.Reader, out io.Writer) (*app, error) {
	keys, err := sessionkeys.New(sessionkeys.WithLogger(logBknd.logger("SKEY")))
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		logBknd: logBknd,
		log:     logBknd.logger("BRCB"),
		b:       bridge.New(spawner(cfg, logBknd), bridge.WithLogger(logBknd.logger("BRDG"))),
		keys:    keys,
		in:      in,
		out:     out,
	}, nil
}

// close stops the engine channel and wipes the session keys.
func (a *app) close() {
	a.b.Stop()
	if err := a.keys.Close(); err != nil {
		a.log.Warnf("Unable to close session key store: %v", err)
	}
}

// run starts the engine channel and runs the configured command.
func (a *app) run(ctx context.Context) error {
	cmd, ok := findCommand(a.cfg.Command)
	if !ok {
		return fmt.Errorf("unknown command %q", a.cfg.Command)
	}
	if _, err := a.b.Start(ctx); err != nil {
		return fmt.Errorf("unable to start engine %s: %w", a.cfg.Engine, err)
	}
	a.log.Debugf("Running %s with engine %s", cmd.name, a.cfg.Engine)
	return cmd.run(ctx, a, a.cfg.Args)
}

func realMain(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}

	logBknd, err := newLogBackend(cfg, stderr)
	if err != nil {
		return err
	}
	defer logBknd.close()
	log := logBknd.logger("BRCB")
	log.Debugf("Running %s version %s", appName, version.String())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, logBknd, stdin, stdout)
	if err != nil {
		return err
	}
	defer a.close()
	return a.run(ctx)
}

func main() {
	err := realMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if errors.Is(err, errCmdDone) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(1)
	}
}
