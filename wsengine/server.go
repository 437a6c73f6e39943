package wsengine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/companyzero/cryptobridge/engine"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

// Server serves an engine to websocket clients. Every connection gets its own
// engine worker, so calls from different clients do not queue behind each
// other.
type Server struct {
	h        engine.Handler
	cfg      config
	log      slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewServer returns a Server executing calls with h.
func NewServer(h engine.Handler, opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		h:      h,
		cfg:    cfg,
		log:    cfg.log,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		var herr websocket.HandshakeError
		if !errors.As(err, &herr) {
			s.log.Errorf("Unexpected websocket error: %v", err)
		}
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	s.log.Infof("Engine client connected from %s", r.RemoteAddr)
	conn := newConn(ws, s.cfg)
	err = engine.Serve(s.ctx, conn, s.h, s.cfg.engineOpts...)
	if errors.Is(err, engine.ErrConnClosed) || errors.Is(err, context.Canceled) {
		s.log.Infof("Engine client %s disconnected", r.RemoteAddr)
	} else {
		s.log.Warnf("Engine client %s disconnected: %v", r.RemoteAddr, err)
	}
}

// ActiveConns returns the number of clients currently connected.
func (s *Server) ActiveConns() int64 {
	return s.active.Load()
}

// Close disconnects every client and waits until their workers have stopped.
// Further connection attempts are refused.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
