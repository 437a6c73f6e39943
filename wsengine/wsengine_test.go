package wsengine

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/companyzero/cryptobridge/bridge"
	"github.com/companyzero/cryptobridge/engine"
	"github.com/companyzero/cryptobridge/internal/assert"
	"github.com/companyzero/cryptobridge/internal/testutils"
	"github.com/companyzero/cryptobridge/schema"
)

func newTestServer(t testing.TB, opts ...Option) (*Server, string) {
	t.Helper()
	opts = append([]Option{WithLogger(testutils.TestLoggerSys(t, "WSEN"))}, opts...)
	s := NewServer(testutils.NewEchoHandler(), opts...)
	hs := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t testing.TB, url string, opts ...Option) *Conn {
	t.Helper()
	opts = append([]Option{WithLogger(testutils.TestLoggerSys(t, "WSEN"))}, opts...)
	c, err := Dial(context.Background(), url, opts...)
	assert.NilErr(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func recvResult(t testing.TB, c *Conn) schema.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := c.Recv(ctx)
	assert.NilErr(t, err)
	res, err := schema.ValidateResult(raw)
	assert.NilErr(t, err)
	return res
}

func waitActive(t testing.TB, s *Server, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.ActiveConns() != want {
		if time.Now().After(deadline) {
			t.Fatalf("unexpected active conns: got %d, want %d", s.ActiveConns(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestRoundTrip asserts calls written to the websocket are executed by the
// served engine and their results written back.
func TestRoundTrip(t *testing.T) {
	t.Parallel()
	_, url := newTestServer(t)
	c := dial(t, url)

	raw, err := json.Marshal(schema.NewCall(schema.GenerateCall{
		UserID: "u1", MainPassphrase: "p1", SubPassphrase: "p2",
	}))
	assert.NilErr(t, err)
	assert.NilErr(t, c.Send(context.Background(), raw))

	res := recvResult(t, c)
	wantKeys := testutils.EchoPrivateKey("u1", "p1", "p2")
	assert.DeepEqual(t, res, schema.Success(0, schema.GenerateData{Keys: wantKeys}))

	// Garbage without a tag is dropped, invalid calls with a tag fail.
	assert.NilErr(t, c.Send(context.Background(), []byte(`{"foo":1}`)))
	assert.NilErr(t, c.Send(context.Background(), []byte(`{"call":"sign","id":7}`)))
	res = recvResult(t, c)
	assert.DeepEqual(t, res.Tag, schema.CTSign)
	assert.DeepEqual(t, res.ID, uint32(7))
	assert.BoolIs(t, res.Success, false)
}

// TestBridgeOverWebsocket asserts a bridge can use a remote engine.
func TestBridgeOverWebsocket(t *testing.T) {
	t.Parallel()
	_, url := newTestServer(t)

	b := bridge.New(func(ctx context.Context) (engine.Conn, error) {
		return Dial(ctx, url, WithLogger(testutils.TestLoggerSys(t, "WSEN")))
	}, bridge.WithLogger(testutils.TestLoggerSys(t, "BRDG")))
	t.Cleanup(b.Stop)
	_, err := b.Start(context.Background())
	assert.NilErr(t, err)

	resChan := make(chan schema.Result, 1)
	b.OnResult(schema.CTGenerate, func(res schema.Result) { resChan <- res })
	b.Send(schema.NewCall(schema.GenerateCall{UserID: "u1", MainPassphrase: "p1", SubPassphrase: "p2"}))
	wantKeys := testutils.EchoPrivateKey("u1", "p1", "p2")
	assert.ChanWrittenWithVal(t, resChan, schema.Success(0, schema.GenerateData{Keys: wantKeys}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := b.Request(ctx, schema.NewCall(schema.SignCall{Message: "m", PrivateKeys: wantKeys, Passphrase: "p1"}))
	assert.NilErr(t, err)
	assert.DeepEqual(t, res.Data, schema.ResultData(schema.SignData{Signature: "sig(m)"}))
}

// TestKeepalive asserts connections survive several ping rounds.
func TestKeepalive(t *testing.T) {
	t.Parallel()
	ping := WithPingInterval(20*time.Millisecond, time.Second)
	_, url := newTestServer(t, ping)
	c := dial(t, url, ping)

	time.Sleep(200 * time.Millisecond)
	raw, err := json.Marshal(schema.NewCall(schema.InitCall{}))
	assert.NilErr(t, err)
	assert.NilErr(t, c.Send(context.Background(), raw))
	res := recvResult(t, c)
	assert.DeepEqual(t, res.Tag, schema.CTInit)
	assert.BoolIs(t, res.Success, true)
}

// TestClientClose asserts closing the client releases the server side.
func TestClientClose(t *testing.T) {
	t.Parallel()
	s, url := newTestServer(t)
	c := dial(t, url)
	waitActive(t, s, 1)

	assert.NilErr(t, c.Close())
	_, err := c.Recv(context.Background())
	assert.ErrorIs(t, err, engine.ErrConnClosed)
	assert.ErrorIs(t, c.Send(context.Background(), []byte("{}")), engine.ErrConnClosed)
	waitActive(t, s, 0)
}

// TestServerClose asserts closing the server disconnects its clients.
func TestServerClose(t *testing.T) {
	t.Parallel()
	s, url := newTestServer(t)
	c := dial(t, url)
	waitActive(t, s, 1)

	assert.NilErr(t, s.Close())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client not disconnected")
	}
	_, err := c.Recv(context.Background())
	assert.ErrorIs(t, err, engine.ErrConnClosed)

	_, err = Dial(context.Background(), url)
	assert.NonNilErr(t, err)
}
