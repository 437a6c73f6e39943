package bridge

import (
	"context"
	"fmt"

	"github.com/companyzero/cryptobridge/schema"
)

func (b *Bridge) newID() uint32 {
	for {
		if id := b.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// Request sends call with a freshly generated correlation id and waits for
// its result. Unlike OnResult, any number of requests with the same tag may
// be outstanding at once.
//
// The returned error is only set when no result could be obtained: the
// channel is not established, it was torn down or ctx is done. Failures
// reported by the engine are returned as a result with Success false.
//
// Request must not be called from a ResultHandler.
func (b *Bridge) Request(ctx context.Context, call schema.Call) (schema.Result, error) {
	h := b.liveHandle()
	if h == nil {
		return schema.Result{}, ErrNotStarted
	}

	call.ID = b.newID()
	w := waitingRequest{resChan: make(chan schema.Result, 1)}
	b.waiting.Store(call.ID, w)
	b.enqueue(h, call)

	select {
	case res := <-w.resChan:
		return res, nil

	case <-ctx.Done():
		b.waiting.Delete(call.ID)
		return schema.Result{}, ctx.Err()

	case <-h.runDone:
		b.waiting.Delete(call.ID)
		select {
		case res := <-w.resChan:
			return res, nil
		default:
		}
		if h.runErr == ErrStopped {
			return schema.Result{}, ErrStopped
		}
		return schema.Result{}, fmt.Errorf("%w: %v", ErrChannelClosed, h.runErr)
	}
}
