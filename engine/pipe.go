package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Pipe forwards every message received on a to b and vice versa, until ctx is
// done or either side fails. Both sides are closed before it returns.
func Pipe(ctx context.Context, a, b Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	forward := func(name string, from, to Conn) func() error {
		return func() error {
			for {
				msg, err := from.Recv(gctx)
				if err != nil {
					return fmt.Errorf("%s recv: %w", name, err)
				}
				if err := to.Send(gctx, msg); err != nil {
					return fmt.Errorf("%s send: %w", name, err)
				}
			}
		}
	}
	g.Go(forward("a->b", a, b))
	g.Go(forward("b->a", b, a))
	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		b.Close()
		return nil
	})
	return g.Wait()
}

// Serve executes the calls received on conn with h, in a LocalConn, and
// writes the results back to conn. It returns once conn fails or ctx is done.
func Serve(ctx context.Context, conn Conn, h Handler, opts ...Option) error {
	local := NewLocalConn(h, opts...)
	return Pipe(ctx, conn, local)
}
