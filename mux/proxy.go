package mux

import (
	"context"
	"io"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/progrium/mxstream/transport"
)

// Proxy accepts channels with the given names on src, offers a channel with
// the same name on dst for each and copies both directions in goroutines.
// Proxy returns nil once src is closed cleanly, otherwise the first error
// from accepting on src or from opening on dst, after closing the accepted
// channel from src.
func Proxy(ctx context.Context, dst, src transport.Session, names ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			for {
				a, err := src.Accept(ctx, name)
				if err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
				b, err := dst.Open(ctx, name)
				if err != nil {
					a.Close()
					return err
				}
				go proxy(a, b)
			}
		})
	}
	return g.Wait()
}

func proxy(a, b transport.Channel) error {
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(a, b)
		return multierr.Append(err, a.CloseWrite())
	})
	g.Go(func() error {
		_, err := io.Copy(b, a)
		return multierr.Append(err, b.CloseWrite())
	})
	err := g.Wait()
	return multierr.Combine(err, a.Close(), b.Close())
}
