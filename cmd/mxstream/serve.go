package main

import (
	"context"
	"io"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/progrium/mxstream/codec"
	"github.com/progrium/mxstream/mux"
	"github.com/progrium/mxstream/transport"
)

const (
	echoChannel  = "echo"
	benchChannel = "bench"
)

// benchRequest announces an anonymous channel the server should accept.
type benchRequest struct {
	ID   uint32 `json:"id" cbor:"id" msgpack:"id"`
	Size int64  `json:"size" cbor:"size" msgpack:"size"`
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "accept streams and echo their channels",
	Action: func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		defer e.log.Sync()

		l, err := listen(e.cfg, e.opts)
		if err != nil {
			return err
		}
		defer l.Close()
		where := "stdio"
		if a := l.Addr(); a != nil {
			where = a.String()
		}
		e.log.Info("listening", zap.String("transport", e.cfg.Transport), zap.String("addr", where))

		for {
			s, err := l.Accept()
			if err != nil {
				if err == io.EOF {
					return nil
				}
				e.log.Warn("accept stream", zap.Error(err))
				continue
			}
			go e.serveStream(s)
		}
	},
}

// offerLogger logs the channels peers offer.
type offerLogger struct {
	log *zap.Logger
}

func (l offerLogger) ChannelOffered(e mux.ChannelOfferedEvent) {
	l.log.Info("channel offered",
		zap.Uint32("channel", e.ID),
		zap.String("name", e.Name),
		zap.Bool("accepted", e.IsAccepted))
}

func (e *env) serveStream(s *mux.Stream) {
	defer s.Close()
	log := e.log.With(zap.Bool("odd", s.IsOdd()))
	log.Info("stream connected", zap.Stringer("version", s.ProtocolVersion()))
	s.Subscribe(offerLogger{log})

	ctx := context.Background()
	sess := s.Session(&e.cfg.Channel)
	go e.acceptLoop(ctx, sess, echoChannel, func(ch transport.Channel) {
		echo(ch)
	})
	go e.acceptLoop(ctx, sess, benchChannel, func(ch transport.Channel) {
		e.serveBench(s, ch)
	})

	if err := s.Wait(); err != nil {
		log.Warn("stream failed", zap.Error(err))
		return
	}
	log.Info("stream closed")
}

func (e *env) acceptLoop(ctx context.Context, sess transport.Session, name string, handle func(transport.Channel)) {
	for {
		ch, err := sess.Accept(ctx, name)
		if err != nil {
			if err != io.EOF {
				e.log.Debug("accept channel", zap.String("name", name), zap.Error(err))
			}
			return
		}
		go handle(ch)
	}
}

// serveBench accepts the anonymous channels announced on ctrl and echoes
// them.
func (e *env) serveBench(s *mux.Stream, ctrl transport.Channel) {
	defer ctrl.Close()
	conn := codec.NewConn(ctrl, e.codec)
	for {
		var req benchRequest
		if err := conn.Decode(&req); err != nil {
			if err != io.EOF {
				e.log.Warn("bench control", zap.Error(err))
			}
			return
		}
		ch, err := s.AcceptChannel(req.ID, &e.cfg.Channel)
		if err != nil {
			e.log.Warn("accept bench channel", zap.Uint32("channel", req.ID), zap.Error(err))
			continue
		}
		e.log.Debug("bench channel", zap.Uint32("channel", req.ID), zap.Int64("size", req.Size))
		go echo(ch)
	}
}

// echo writes back everything read from ch, then ends the channel.
func echo(ch transport.Channel) error {
	defer ch.Close()
	if _, err := io.Copy(ch, ch); err != nil {
		return err
	}
	return ch.CloseWrite()
}
