// Package bridge dispatches calls to a crypto engine over a single
// asynchronous channel and delivers each result to exactly one waiting caller.
//
// Callers either register a one-shot handler for a tag with OnResult and then
// Send the call, or use Request, which correlates the result by a generated
// id. Results are delivered from a single goroutine in the order they arrive.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/companyzero/cryptobridge/engine"
	"github.com/companyzero/cryptobridge/internal/unboundedq"
	"github.com/companyzero/cryptobridge/schema"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrNotStarted is returned by Request when no channel is established.
	ErrNotStarted = errors.New("engine channel not started")

	// ErrChannelClosed is returned by Request when the channel dies while
	// waiting for a result.
	ErrChannelClosed = errors.New("engine channel closed")

	// ErrStopped is returned by Request when Stop is called while waiting
	// for a result.
	ErrStopped = errors.New("bridge stopped")
)

// Spawner establishes a new channel to an engine.
type Spawner func(ctx context.Context) (engine.Conn, error)

// LocalSpawner returns a Spawner that runs h in an in-process worker.
func LocalSpawner(h engine.Handler, opts ...engine.Option) Spawner {
	return func(context.Context) (engine.Conn, error) {
		return engine.NewLocalConn(h, opts...), nil
	}
}

// ResultHandler receives a result.
type ResultHandler func(res schema.Result)

type registration struct {
	handler ResultHandler
}

// Registration is a registered result handler.
type Registration struct {
	unreg func() bool
}

// Unregister removes the handler. It returns false if the handler was already
// invoked, replaced or discarded.
func (reg Registration) Unregister() bool {
	if reg.unreg == nil {
		return false
	}
	return reg.unreg()
}

type waitingRequest struct {
	resChan chan schema.Result
}

// outbound is a call queued to be written to the channel. encodeErr is set if
// the call could not be serialized.
type outbound struct {
	call      schema.Call
	raw       []byte
	encodeErr error
}

// inbound is either a raw message received from the engine or a synthetic
// result produced locally.
type inbound struct {
	raw   []byte
	synth *schema.Result
}

// Handle is an established channel to an engine.
type Handle struct {
	conn   engine.Conn
	outq   *unboundedq.Queue[outbound]
	in     chan inbound
	ctx    context.Context
	cancel context.CancelCauseFunc

	// stopped is protected by the bridge mtx.
	stopped bool

	runDone chan struct{}
	runErr  error
}

// Done is closed once the channel is torn down, either due to Stop or due to
// the engine going away.
func (h *Handle) Done() <-chan struct{} {
	return h.runDone
}

// Err returns why the channel was torn down, or nil if it is still up.
func (h *Handle) Err() error {
	select {
	case <-h.runDone:
		return h.runErr
	default:
		return nil
	}
}

func (h *Handle) dead() bool {
	select {
	case <-h.runDone:
		return true
	default:
		return false
	}
}

type config struct {
	log slog.Logger
}

// Option configures a Bridge.
type Option func(*config)

func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// Bridge dispatches calls to an engine. All methods are safe for concurrent
// use.
type Bridge struct {
	spawn Spawner
	log   slog.Logger

	nextID  atomic.Uint32
	waiting *xsync.MapOf[uint32, waitingRequest]

	// startMtx serializes Start calls.
	startMtx sync.Mutex

	mtx      sync.Mutex
	handle   *Handle
	handlers map[schema.CallTag]*registration
}

// New creates a bridge that uses spawn to establish channels to the engine.
// No channel is established until Start is called.
func New(spawn Spawner, opts ...Option) *Bridge {
	cfg := config{log: slog.Disabled}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bridge{
		spawn:    spawn,
		log:      cfg.log,
		waiting:  xsync.NewMapOf[uint32, waitingRequest](),
		handlers: make(map[schema.CallTag]*registration),
	}
}

// liveHandle returns the current handle if it can still be used.
func (b *Bridge) liveHandle() *Handle {
	b.mtx.Lock()
	h := b.handle
	b.mtx.Unlock()
	if h == nil || h.dead() {
		return nil
	}
	return h
}

// Start establishes the channel to the engine. While the channel is up,
// further calls return the same handle. Once it is torn down, the next call
// establishes a new one.
func (b *Bridge) Start(ctx context.Context) (*Handle, error) {
	b.startMtx.Lock()
	defer b.startMtx.Unlock()

	if h := b.liveHandle(); h != nil {
		return h, nil
	}

	conn, err := b.spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to spawn engine: %w", err)
	}

	hctx, cancel := context.WithCancelCause(context.Background())
	h := &Handle{
		conn:    conn,
		outq:    unboundedq.New[outbound](),
		in:      make(chan inbound),
		ctx:     hctx,
		cancel:  cancel,
		runDone: make(chan struct{}),
	}

	b.mtx.Lock()
	b.handle = h
	b.mtx.Unlock()

	go b.run(h)
	b.log.Debugf("Engine channel established")
	return h, nil
}

// Send dispatches call to the engine without waiting for its result. It does
// nothing if no channel is established.
func (b *Bridge) Send(call schema.Call) {
	h := b.liveHandle()
	if h == nil {
		b.log.Debugf("Dropping %s call: engine channel not established", call.Tag())
		return
	}
	b.enqueue(h, call)
}

func (b *Bridge) enqueue(h *Handle, call schema.Call) {
	o := outbound{call: call}
	o.raw, o.encodeErr = json.Marshal(call)
	if !h.outq.Push(o) {
		b.log.Debugf("Dropping %s call: engine channel closing", call.Tag())
	}
}

// OnResult registers handler to be called once with the next result with the
// given tag. A handler previously registered for the tag is discarded without
// being called.
//
// Register the handler before sending the call it waits for.
func (b *Bridge) OnResult(tag schema.CallTag, handler ResultHandler) Registration {
	reg := &registration{handler: handler}
	b.mtx.Lock()
	if b.handlers[tag] != nil {
		b.log.Debugf("Replacing pending %s result handler", tag)
	}
	b.handlers[tag] = reg
	b.mtx.Unlock()

	return Registration{unreg: func() bool {
		b.mtx.Lock()
		defer b.mtx.Unlock()
		if b.handlers[tag] != reg {
			return false
		}
		delete(b.handlers, tag)
		return true
	}}
}

// Stop tears down the channel and discards every registered handler and
// pending request without calling them. No handler is called after Stop
// returns, except one that was already running. Stop does not wait for the
// channel to be fully torn down, so it may be called from a handler.
func (b *Bridge) Stop() {
	b.mtx.Lock()
	h := b.handle
	b.handle = nil
	if h != nil {
		h.stopped = true
	}
	nbHandlers := len(b.handlers)
	b.handlers = make(map[schema.CallTag]*registration)
	b.mtx.Unlock()

	nbWaiting := b.waiting.Size()
	b.waiting.Clear()

	if h != nil {
		h.cancel(ErrStopped)
		b.log.Debugf("Engine channel stopped (discarded %d handlers, %d requests)",
			nbHandlers, nbWaiting)
	}
}
