package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/companyzero/cryptobridge/schema"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"
)

func (b *Bridge) run(h *Handle) {
	g, gctx := errgroup.WithContext(h.ctx)
	g.Go(func() error { return b.readLoop(gctx, h) })
	g.Go(func() error { return b.writeLoop(gctx, h) })
	g.Go(func() error { return b.dispatchLoop(gctx, h) })
	err := g.Wait()

	h.outq.Close()
	if n := h.outq.Clear(); n > 0 {
		b.log.Debugf("Discarded %d unsent calls", n)
	}
	if closeErr := h.conn.Close(); closeErr != nil {
		b.log.Debugf("Error closing engine conn: %v", closeErr)
	}

	if cause := context.Cause(h.ctx); errors.Is(cause, ErrStopped) {
		err = ErrStopped
	} else {
		b.log.Warnf("Engine channel closed: %v", err)
	}

	b.mtx.Lock()
	if b.handle == h {
		b.handle = nil
	}
	b.mtx.Unlock()

	h.runErr = err
	close(h.runDone)
}

func (b *Bridge) readLoop(ctx context.Context, h *Handle) error {
	for {
		raw, err := h.conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("engine recv: %w", err)
		}
		select {
		case h.in <- inbound{raw: raw}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) writeLoop(ctx context.Context, h *Handle) error {
	for {
		o, err := h.outq.Pop(ctx)
		if err != nil {
			return err
		}

		var failMsg string
		if o.encodeErr != nil {
			failMsg = fmt.Sprintf("unable to encode call: %v", o.encodeErr)
		} else if err := h.conn.Send(ctx, o.raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failMsg = fmt.Sprintf("unable to send call to engine: %v", err)
		} else {
			b.log.Tracef("Sent %s call (id %d)", o.call.Tag(), o.call.ID)
			continue
		}

		b.log.Warnf("Failed to dispatch %s call: %s", o.call.Tag(), failMsg)
		res := schema.Failure(o.call.Tag(), o.call.ID, failMsg)
		select {
		case h.in <- inbound{synth: &res}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) dispatchLoop(ctx context.Context, h *Handle) error {
	for {
		var in inbound
		select {
		case in = <-h.in:
		case <-ctx.Done():
			return ctx.Err()
		}

		if in.synth != nil {
			b.deliver(h, *in.synth)
			continue
		}

		res, err := schema.ValidateResult(in.raw)
		if err != nil {
			b.log.Warnf("Dropping invalid message from engine: %v", err)
			b.log.Tracef("Invalid message:\n%s", spew.Sdump(in.raw))
			continue
		}
		b.deliver(h, res)
	}
}

// deliver hands res to its waiter, if there is one.
func (b *Bridge) deliver(h *Handle, res schema.Result) {
	if res.ID != 0 {
		w, ok := b.waiting.LoadAndDelete(res.ID)
		if !ok {
			b.log.Debugf("Dropping %s result with id %d: no request waiting",
				res.Tag, res.ID)
			return
		}
		w.resChan <- res
		return
	}

	b.mtx.Lock()
	if b.handle != h || h.stopped {
		b.mtx.Unlock()
		return
	}
	reg := b.handlers[res.Tag]
	delete(b.handlers, res.Tag)
	b.mtx.Unlock()

	if reg == nil {
		b.log.Debugf("Dropping %s result: no handler registered", res.Tag)
		return
	}
	b.log.Tracef("Delivering %s result (success %v)", res.Tag, res.Success)
	reg.handler(res)
}
