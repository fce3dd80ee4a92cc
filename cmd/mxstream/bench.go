package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/progrium/mxstream/codec"
	"github.com/progrium/mxstream/mux"
)

var benchCommand = cli.Command{
	Name:  "bench",
	Usage: "measure echo throughput over anonymous channels",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "count, n",
			Value: 4,
			Usage: "number of channels",
		},
		cli.IntFlag{
			Name:  "size, s",
			Value: 16,
			Usage: "megabytes sent over each channel",
		},
	},
	Action: func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		defer e.log.Sync()

		ctx := context.Background()
		s, err := dial(ctx, e.cfg, e.opts)
		if err != nil {
			return err
		}
		defer s.Close()

		ctrl, err := s.Offer(ctx, benchChannel, nil)
		if err != nil {
			return err
		}
		defer ctrl.Close()
		conn := codec.NewConn(ctrl, e.codec)

		mb := 1 << 20
		data := make([]byte, c.Int("size")*mb)
		if _, err := rand.Read(data); err != nil {
			return err
		}
		for i := 0; i < c.Int("count"); i++ {
			start := time.Now()
			n, err := benchChannelRTT(s, conn, &e.cfg.Channel, data)
			if err != nil {
				return err
			}
			diff := time.Since(start)
			e.log.Debug("bench channel done", zap.Int("channel", i), zap.Duration("rtt", diff))
			fmt.Println("Bytes:", n/mb, "MB", "RTT:", diff, "Thru:", int(float64(n)/diff.Seconds()/float64(mb)), "MB/s")
		}
		return nil
	},
}

// benchChannelRTT echoes data through a new anonymous channel announced
// over conn and returns the number of bytes that came back.
func benchChannelRTT(s *mux.Stream, conn *codec.Conn, opts *mux.ChannelOptions, data []byte) (int, error) {
	ch, err := s.CreateChannel(opts)
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	if err := conn.Encode(benchRequest{ID: ch.ID(), Size: int64(len(data))}); err != nil {
		return 0, err
	}

	go func() {
		io.Copy(ch, bytes.NewReader(data))
		ch.CloseWrite()
	}()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, ch); err != nil {
		return 0, err
	}
	if !bytes.Equal(buf.Bytes(), data) {
		return 0, errors.Errorf("channel %d: echoed bytes do not match", ch.ID())
	}
	return buf.Len(), nil
}
