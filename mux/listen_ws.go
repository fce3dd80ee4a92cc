package mux

import (
	"io"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"
)

// wsListener wraps a net.Listener and WebSocket server to return connected mux streams.
type wsListener struct {
	net.Listener
	accepted  chan *Stream
	closed    chan struct{}
	closeOnce sync.Once
}

// Accept waits for and returns the next connected stream to the listener.
func (l *wsListener) Accept() (*Stream, error) {
	select {
	case s := <-l.accepted:
		return s, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

// Close closes the listener.
// Any blocked Accept operations will be unblocked and return errors.
func (l *wsListener) Close() (err error) {
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.Listener.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr {
	return l.Listener.Addr()
}

// ListenWS takes a TCP address and returns a Listener for a HTTP+WebSocket server listening on the given address.
func ListenWS(addr string, opts *Options) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	wsl := &wsListener{
		Listener: l,
		accepted: make(chan *Stream),
		closed:   make(chan struct{}),
	}
	srv := &http.Server{
		Addr: addr,
		Handler: websocket.Handler(func(ws *websocket.Conn) {
			ws.PayloadType = websocket.BinaryFrame
			s, err := New(ws.Request().Context(), ws, opts)
			if err != nil {
				return
			}
			defer s.Close()
			select {
			case wsl.accepted <- s:
			case <-wsl.closed:
				return
			}
			// the connection ends when the handler returns
			s.Wait()
		}),
	}
	go srv.Serve(l)
	return wsl, nil
}
