package mux

import (
	"context"
	"net"
)

func dialNet(ctx context.Context, proto, addr string, opts *Options) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, proto, addr)
	if err != nil {
		return nil, err
	}
	return New(ctx, conn, opts)
}

// DialTCP establishes a mux stream via TCP connection.
func DialTCP(ctx context.Context, addr string, opts *Options) (*Stream, error) {
	return dialNet(ctx, "tcp", addr, opts)
}

// DialUnix establishes a mux stream via Unix domain socket.
func DialUnix(ctx context.Context, path string, opts *Options) (*Stream, error) {
	return dialNet(ctx, "unix", path, opts)
}
