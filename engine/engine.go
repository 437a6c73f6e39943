// Package engine defines the boundary to the isolated context where crypto
// calls are executed, along with an in-process implementation of it.
//
// An engine is reached through a Conn: a bidirectional, asynchronous channel
// of raw JSON messages. Calls are written to the Conn and results are read
// back from it, in no particular relation to the writes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/companyzero/cryptobridge/schema"
	"github.com/decred/slog"
)

// ErrConnClosed is returned by Conn operations after the Conn is closed.
var ErrConnClosed = errors.New("engine connection closed")

// Conn is a channel to an engine.
type Conn interface {
	// Send writes a raw message to the other side.
	Send(ctx context.Context, b []byte) error

	// Recv returns the next raw message from the other side.
	Recv(ctx context.Context) ([]byte, error)

	// Close tears down the channel. Pending Recv calls return with an
	// error.
	Close() error
}

// Handler executes calls. Returning an error produces a failed result with the
// error's text as message.
type Handler interface {
	Handle(ctx context.Context, call schema.Call) (schema.ResultData, error)
}

// HandlerFunc adapts a func to a Handler.
type HandlerFunc func(ctx context.Context, call schema.Call) (schema.ResultData, error)

func (f HandlerFunc) Handle(ctx context.Context, call schema.Call) (schema.ResultData, error) {
	return f(ctx, call)
}

// Observer is called after every executed call.
type Observer func(tag schema.CallTag, success bool, elapsed time.Duration)

// execute runs a validated call, converting errors and panics to failed
// results.
func execute(ctx context.Context, h Handler, call schema.Call, log slog.Logger) (res schema.Result) {
	defer func() {
		if v := recover(); v != nil {
			log.Errorf("Handler panicked while executing %s: %v\n%s",
				call.Tag(), v, debug.Stack())
			res = schema.Failure(call.Tag(), call.ID, fmt.Sprintf("engine panic: %v", v))
		}
	}()

	data, err := h.Handle(ctx, call)
	switch {
	case err != nil:
		return schema.Failure(call.Tag(), call.ID, err.Error())
	case data == nil:
		return schema.Failure(call.Tag(), call.ID, "engine produced no data")
	default:
		res = schema.Success(call.ID, data)
		if res.Tag != call.Tag() {
			return schema.Failure(call.Tag(), call.ID,
				fmt.Sprintf("engine produced %s data for %s call", res.Tag, call.Tag()))
		}
		return res
	}
}

// Process decodes a raw call, executes it with h and returns the raw result.
// It returns false when no result can be produced because the raw call does
// not even carry a known tag.
func Process(ctx context.Context, h Handler, raw []byte, log slog.Logger, obs Observer) ([]byte, bool) {
	start := time.Now()
	var res schema.Result
	call, err := schema.ValidateCall(raw)
	if err != nil {
		tag, ok := schema.TagOf(raw)
		if !ok {
			log.Warnf("Dropping invalid call: %v", err)
			return nil, false
		}
		log.Debugf("Rejecting invalid %s call: %v", tag, err)
		res = schema.Failure(tag, schema.IDOf(raw), err.Error())
	} else {
		log.Tracef("Executing %s call (id %d)", call.Tag(), call.ID)
		res = execute(ctx, h, call, log)
	}

	if obs != nil {
		obs(res.Tag, res.Success, time.Since(start))
	}

	b, err := json.Marshal(res)
	if err != nil {
		log.Errorf("Unable to encode %s result: %v", res.Tag, err)
		b, err = json.Marshal(schema.Failure(res.Tag, res.ID, "unable to encode result"))
		if err != nil {
			return nil, false
		}
	}
	return b, true
}
