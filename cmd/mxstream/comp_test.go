package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/progrium/mxstream/mux"
)

func TestCompStreamRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	compWriter := newCompStream(left)
	compReader := newCompStream(right)
	t.Cleanup(func() {
		compWriter.Close()
		compReader.Close()
	})

	payload := bytes.Repeat([]byte("compressed payload"), 64)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, len(payload))
		_, err := io.ReadFull(compReader, buf)
		if err == nil && !bytes.Equal(buf, payload) {
			err = io.ErrUnexpectedEOF
		}
		readErr <- err
	}()

	n, err := compWriter.Write(append([]byte(nil), payload...))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, <-readErr)
}

func TestCompressedStreams(t *testing.T) {
	left, right := net.Pipe()
	opts := &mux.Options{ProtocolMajorVersion: 2, WrapTransport: newCompStream}

	var a, b *mux.Stream
	var g errgroup.Group
	g.Go(func() (err error) {
		a, err = mux.New(context.Background(), left, opts)
		return err
	})
	g.Go(func() (err error) {
		b, err = mux.New(context.Background(), right, opts)
		return err
	})
	require.NoError(t, g.Wait())
	defer a.Close()
	defer b.Close()

	go func() {
		ch, err := b.Accept(context.Background(), "echo", nil)
		if assert.NoError(t, err) {
			echo(ch)
		}
	}()
	ch, err := a.Offer(context.Background(), "echo", nil)
	require.NoError(t, err)

	msg := bytes.Repeat([]byte("squeeze me "), 4096)
	go func() {
		ch.Write(msg)
		ch.CloseWrite()
	}()
	got, err := io.ReadAll(ch)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(msg, got))
}
