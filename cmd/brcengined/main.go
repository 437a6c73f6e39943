package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/companyzero/cryptobridge/engine"
	"github.com/companyzero/cryptobridge/internal/lockfile"
	"github.com/companyzero/cryptobridge/internal/netutils"
	"github.com/companyzero/cryptobridge/internal/version"
	"github.com/companyzero/cryptobridge/pgpengine"
	"github.com/companyzero/cryptobridge/wsengine"
	"golang.org/x/sync/errgroup"
)

func realMain() error {
	// Settings.
	cfg, err := obtainSettings()
	if err != nil {
		return err
	}

	// Log.
	logBknd, err := newLogBackend(cfg)
	if err != nil {
		return err
	}
	defer logBknd.close()
	log := logBknd.logger("MAIN")
	log.Infof("Running %s version %s", appName, version.String())

	// Main context.
	errMainCtxCanceled := errors.New("main context canceled")
	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, mainCancel := context.WithCancelCause(context.Background())
	go func() {
		<-sigCtx.Done()
		log.Infof("Interrupt detected. Shutting down engine.")
		mainCancel(errMainCtxCanceled)
	}()

	// Only one daemon per data dir.
	lockPath := filepath.Join(cfg.DataDir, appName+".lock")
	lockCtx, lockCancel := context.WithTimeout(ctx, 5*time.Second)
	lock, err := lockfile.Acquire(lockCtx, lockPath, appName)
	lockCancel()
	if err != nil {
		holder, _ := lockfile.Holder(lockPath)
		return fmt.Errorf("unable to lock data dir %s (held by %s): %w",
			cfg.DataDir, holder, err)
	}
	defer lock.Close()

	// Profiler.
	if cfg.Profiler != "" {
		log.Infof("Profiler enabled on http://%v/debug/pprof",
			cfg.Profiler)
		go http.ListenAndServe(cfg.Profiler, nil)
	}

	// Engine.
	eng := pgpengine.New(
		pgpengine.WithLogger(logBknd.logger("PGPE")),
		pgpengine.WithScryptParams(pgpengine.ScryptParams{N: cfg.ScryptN, R: 8, P: 1}),
	)
	var wsServer *wsengine.Server
	st := newStats(func() float64 { return float64(wsServer.ActiveConns()) })
	wsServer = wsengine.NewServer(eng,
		wsengine.WithLogger(logBknd.logger("WSEN")),
		wsengine.WithPingInterval(cfg.PingInterval, cfg.PongTimeout),
		wsengine.WithEngineOptions(
			engine.WithLogger(logBknd.logger("ENGN")),
			engine.WithObserver(st.observe),
		),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, wsServer)

	// Listeners.
	listeners, err := netutils.ListenAll(cfg.Listen)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		hs := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			var err error
			if cfg.TLSCertFile != "" {
				log.Infof("Serving engine on wss://%s%s", l.Addr(), cfg.Path)
				err = hs.ServeTLS(l, cfg.TLSCertFile, cfg.TLSKeyFile)
			} else {
				log.Warnf("Serving engine WITHOUT TLS on ws://%s%s", l.Addr(), cfg.Path)
				err = hs.Serve(l)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return hs.Shutdown(ctx)
		})
	}
	if cfg.ListenPrometheus != "" {
		g.Go(func() error {
			return st.runPrometheusListener(gctx, cfg.ListenPrometheus, log)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return wsServer.Close()
	})

	err = g.Wait()
	if err == nil || (errors.Is(err, context.Canceled) && context.Cause(ctx) == errMainCtxCanceled) {
		// Graceful shutdown.
		return nil
	}
	return err
}

func main() {
	err := realMain()
	if errors.Is(err, errCmdDone) {
		return
	}
	if err != nil {
		fmt.Println("Error:", err.Error())
		os.Exit(1)
	}
}
