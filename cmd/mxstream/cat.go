package main

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/progrium/mxstream/transport"
)

var catCommand = cli.Command{
	Name:      "cat",
	Usage:     "pipe stdin and stdout through a named channel",
	ArgsUsage: "[name]",
	Action: func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		defer e.log.Sync()
		if e.cfg.Transport == "stdio" {
			return errors.New("cat needs stdio for data, pick another transport")
		}

		name := echoChannel
		if c.NArg() > 0 {
			name = c.Args().First()
		}

		ctx := context.Background()
		s, err := dial(ctx, e.cfg, e.opts)
		if err != nil {
			return err
		}
		ch, err := s.Offer(ctx, name, &e.cfg.Channel)
		if err != nil {
			s.Close()
			return err
		}
		err = pipe(ch, os.Stdin, os.Stdout)
		return multierr.Combine(err, ch.Close(), s.Close())
	},
}

// pipe copies in to ch and ch to out until both directions are done.
func pipe(ch transport.Channel, in io.Reader, out io.Writer) error {
	var g errgroup.Group
	g.Go(func() error {
		if _, err := io.Copy(ch, in); err != nil {
			return err
		}
		return ch.CloseWrite()
	})
	g.Go(func() error {
		_, err := io.Copy(out, ch)
		return err
	})
	return g.Wait()
}
