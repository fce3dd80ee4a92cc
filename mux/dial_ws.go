package mux

import (
	"context"
	"fmt"

	"golang.org/x/net/websocket"
)

// DialWS establishes a mux stream via WebSocket connection.
// The address must be a host and port. Opening a WebSocket
// connection at a particular path is not supported.
func DialWS(ctx context.Context, addr string, opts *Options) (*Stream, error) {
	config, err := websocket.NewConfig(fmt.Sprintf("ws://%s/", addr), fmt.Sprintf("http://%s/", addr))
	if err != nil {
		return nil, err
	}
	ws, err := config.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	ws.PayloadType = websocket.BinaryFrame
	return New(ctx, ws, opts)
}
