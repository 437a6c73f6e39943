// Package wsengine carries the engine channel over a websocket, so that the
// engine can run in a separate process or host.
package wsengine

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/companyzero/cryptobridge/engine"
	"github.com/companyzero/cryptobridge/internal/unboundedq"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPongTimeout  = time.Second * 10
	defaultPingInterval = time.Second * 30
	writeTimeout        = time.Second * 10
	closeTimeout        = time.Second
	pingPayloadSize     = 16

	// maxMessageSize bounds a single call or result.
	maxMessageSize = 1 << 24
)

type config struct {
	log          slog.Logger
	pingInterval time.Duration
	pongTimeout  time.Duration
	tlsConfig    *tls.Config
	header       http.Header
	engineOpts   []engine.Option
}

func defaultConfig() config {
	return config{
		log:          slog.Disabled,
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
	}
}

// Option configures a Conn or Server.
type Option func(*config)

// WithLogger sets the logger used for connection events.
func WithLogger(log slog.Logger) Option {
	return func(cfg *config) {
		cfg.log = log
	}
}

// WithPingInterval sets how often the remote side is pinged and how long to
// wait for its pong before the connection is considered dead.
func WithPingInterval(interval, pongTimeout time.Duration) Option {
	return func(cfg *config) {
		cfg.pingInterval = interval
		cfg.pongTimeout = pongTimeout
	}
}

// WithTLSConfig sets the TLS config used by Dial for wss:// URLs.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(cfg *config) {
		cfg.tlsConfig = tlsConfig
	}
}

// WithHeader sets extra headers sent by Dial in the handshake request.
func WithHeader(header http.Header) Option {
	return func(cfg *config) {
		cfg.header = header
	}
}

// WithEngineOptions sets the options of the engine workers started by a
// Server for each connection.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(cfg *config) {
		cfg.engineOpts = opts
	}
}

// Conn is an engine.Conn over a websocket. Each call or result is one text
// message.
type Conn struct {
	ws  *websocket.Conn
	log slog.Logger
	cfg config

	inbox *unboundedq.Queue[[]byte]

	// wmtx serializes data message writes.
	wmtx sync.Mutex

	ctx       context.Context
	cancel    func()
	closeOnce sync.Once
	runDone   chan struct{}
	runErr    error
}

func newConn(ws *websocket.Conn, cfg config) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	ws.SetReadLimit(maxMessageSize)
	c := &Conn{
		ws:      ws,
		log:     cfg.log,
		cfg:     cfg,
		inbox:   unboundedq.New[[]byte](),
		ctx:     ctx,
		cancel:  cancel,
		runDone: make(chan struct{}),
	}
	go c.run()
	return c
}

// Dial connects to an engine served at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	netDialer := net.Dialer{}
	wsDialer := websocket.Dialer{
		NetDialContext:   netDialer.DialContext,
		TLSClientConfig:  cfg.tlsConfig,
		HandshakeTimeout: time.Second * 30,
	}
	//nolint:bodyclose
	ws, _, err := wsDialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		return nil, fmt.Errorf("unable to dial engine at %s: %w", url, err)
	}
	cfg.log.Debugf("Connected to engine at %s", url)
	return newConn(ws, cfg), nil
}

func (c *Conn) run() {
	g, gctx := errgroup.WithContext(c.ctx)

	pongChan := make(chan [pingPayloadSize]byte)
	c.ws.SetPingHandler(func(payload string) error {
		var pingData [pingPayloadSize]byte
		copy(pingData[:], payload)
		c.log.Tracef("ping payload (len %d): %x", len(payload), pingData)
		var netErr net.Error
		err := c.ws.WriteControl(websocket.PongMessage, pingData[:],
			time.Now().Add(c.cfg.pongTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) &&
			!(errors.As(err, &netErr) && netErr.Timeout()) {

			c.log.Errorf("Failed to send pong: %v", err)
			return err
		}
		return nil
	})
	c.ws.SetPongHandler(func(payload string) error {
		var pongData [pingPayloadSize]byte
		copy(pongData[:], payload)
		c.log.Tracef("pong (original len: %d): %x", len(payload), pongData)
		select {
		case <-gctx.Done():
		case pongChan <- pongData:
		}
		return nil
	})

	g.Go(c.readLoop)
	g.Go(func() error { return c.pingLoop(gctx, pongChan) })
	g.Go(func() error {
		<-gctx.Done()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		return c.ws.Close()
	})
	err := g.Wait()

	c.runErr = err
	c.inbox.Close()
	close(c.runDone)
	c.log.Debugf("Websocket connection to %s closed: %v", c.ws.RemoteAddr(), err)
}

func (c *Conn) readLoop() error {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if !c.inbox.Push(msg) {
			return engine.ErrConnClosed
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, pongChan chan [pingPayloadSize]byte) error {
	var pingData [pingPayloadSize]byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.pingInterval):
		}
		_, _ = rand.Read(pingData[:])
		err := c.ws.WriteControl(websocket.PingMessage, pingData[:],
			time.Now().Add(time.Second))
		if err != nil {
			return err
		}

		// Wait for pong ack.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.pongTimeout):
			return fmt.Errorf("pong timeout")
		case pongData := <-pongChan:
			if pingData != pongData {
				return fmt.Errorf("ping data != pong data")
			}
		}
	}
}

// closedErr returns the error reported after the connection is torn down.
func (c *Conn) closedErr() error {
	<-c.runDone
	if c.runErr == nil || errors.Is(c.runErr, context.Canceled) {
		return engine.ErrConnClosed
	}
	return fmt.Errorf("%w: %v", engine.ErrConnClosed, c.runErr)
}

// Send writes b as a single message. The write is bounded by the deadline of
// ctx, if it has one, but is not otherwise interrupted by ctx.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	select {
	case <-c.runDone:
		return c.closedErr()
	default:
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Recv returns the next message received. Messages that arrived before the
// connection was torn down are still returned.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	b, err := c.inbox.Pop(ctx)
	if errors.Is(err, unboundedq.ErrClosed) {
		return nil, c.closedErr()
	}
	return b, err
}

// Close sends a close frame and tears down the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(c.cancel)
	<-c.runDone
	return nil
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.runDone
}

var _ engine.Conn = (*Conn)(nil)
