package mux

import (
	"context"
	"net"
)

// NetListener wraps a net.Listener to return connected mux streams.
type NetListener struct {
	net.Listener
	Options *Options
}

// Accept waits for and returns the next connected stream to the listener.
func (l *NetListener) Accept() (*Stream, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return New(context.Background(), conn, l.Options)
}

// Close closes the listener.
// Any blocked Accept operations will be unblocked and return errors.
func (l *NetListener) Close() error {
	return l.Listener.Close()
}

func listenNet(proto, addr string, opts *Options) (*NetListener, error) {
	l, err := net.Listen(proto, addr)
	if err != nil {
		return nil, err
	}
	return &NetListener{Listener: l, Options: opts}, nil
}

// ListenTCP creates a TCP listener at the given address.
func ListenTCP(addr string, opts *Options) (*NetListener, error) {
	return listenNet("tcp", addr, opts)
}

// ListenUnix creates a Unix domain socket listener at the given path.
func ListenUnix(path string, opts *Options) (*NetListener, error) {
	return listenNet("unix", path, opts)
}
