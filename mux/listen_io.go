package mux

import (
	"context"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/multierr"
)

// ioListener wraps a single ReadWriteCloser to use as a listener.
type ioListener struct {
	io.ReadWriteCloser
	opts *Options

	once      sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// Accept returns the wrapped ReadWriteCloser as a mux stream once. Later
// calls block until the listener is closed.
func (l *ioListener) Accept() (*Stream, error) {
	first := false
	l.once.Do(func() { first = true })
	if !first {
		<-l.closed
		return nil, io.EOF
	}
	return New(context.Background(), l.ReadWriteCloser, l.opts)
}

func (l *ioListener) Close() (err error) {
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ReadWriteCloser.Close()
	})
	return err
}

func (l *ioListener) Addr() net.Addr {
	return nil
}

type ioduplex struct {
	io.WriteCloser
	io.ReadCloser
}

func (d *ioduplex) Close() error {
	return multierr.Append(d.WriteCloser.Close(), d.ReadCloser.Close())
}

// ListenIO returns an IOListener that gives a mux stream based on seperate
// WriteCloser and ReadClosers.
func ListenIO(out io.WriteCloser, in io.ReadCloser, opts *Options) (Listener, error) {
	return &ioListener{
		ReadWriteCloser: &ioduplex{out, in},
		opts:            opts,
		closed:          make(chan struct{}),
	}, nil
}

// ListenStdio is a convenience for calling ListenIO with Stdout and Stdin.
func ListenStdio(opts *Options) (Listener, error) {
	return ListenIO(os.Stdout, os.Stdin, opts)
}
