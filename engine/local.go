package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/companyzero/cryptobridge/internal/unboundedq"
	"github.com/decred/slog"
)

type config struct {
	log slog.Logger
	obs Observer
}

// Option configures a LocalConn.
type Option func(*config)

// WithLogger sets the logger of the engine worker.
func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithObserver sets a func called after every executed call.
func WithObserver(obs Observer) Option {
	return func(c *config) {
		c.obs = obs
	}
}

// LocalConn is a Conn to an engine that runs in a dedicated goroutine of the
// current process. Calls are executed one at a time, in the order they were
// sent. Send never blocks and results are never produced synchronously with
// it.
type LocalConn struct {
	h   Handler
	log slog.Logger
	obs Observer

	inbox  *unboundedq.Queue[[]byte]
	outbox *unboundedq.Queue[[]byte]

	ctx       context.Context
	cancel    func()
	runDone   chan struct{}
	closeOnce sync.Once
}

// NewLocalConn starts a worker goroutine executing calls with h. The worker
// runs until Close is called.
func NewLocalConn(h Handler, opts ...Option) *LocalConn {
	cfg := config{log: slog.Disabled}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &LocalConn{
		h:       h,
		log:     cfg.log,
		obs:     cfg.obs,
		inbox:   unboundedq.New[[]byte](),
		outbox:  unboundedq.New[[]byte](),
		ctx:     ctx,
		cancel:  cancel,
		runDone: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *LocalConn) run() {
	defer close(c.runDone)
	c.log.Debugf("Engine worker started")
	for {
		raw, err := c.inbox.Pop(c.ctx)
		if err != nil {
			c.log.Debugf("Engine worker stopped: %v", err)
			return
		}
		res, ok := Process(c.ctx, c.h, raw, c.log, c.obs)
		if !ok {
			continue
		}
		if !c.outbox.Push(res) {
			return
		}
	}
}

// Send queues a call for execution.
func (c *LocalConn) Send(ctx context.Context, b []byte) error {
	if !c.inbox.Push(append([]byte(nil), b...)) {
		return ErrConnClosed
	}
	return nil
}

// Recv returns the next result produced by the worker.
func (c *LocalConn) Recv(ctx context.Context) ([]byte, error) {
	b, err := c.outbox.Pop(ctx)
	if errors.Is(err, unboundedq.ErrClosed) {
		return nil, ErrConnClosed
	}
	return b, err
}

// Close stops the worker. Calls queued but not yet executed are discarded, as
// are results not yet received.
func (c *LocalConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.inbox.Close()
		<-c.runDone
		c.outbox.Close()
		c.outbox.Clear()
		if n := c.inbox.Clear(); n > 0 {
			c.log.Debugf("Discarded %d unexecuted calls", n)
		}
	})
	return nil
}

// Done is closed once the worker has stopped.
func (c *LocalConn) Done() <-chan struct{} {
	return c.runDone
}

var _ Conn = (*LocalConn)(nil)
