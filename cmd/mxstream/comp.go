package main

import (
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// compStream is a transport wrapper that compresses data using snappy
type compStream struct {
	rwc io.ReadWriteCloser
	w   *snappy.Writer
	r   *snappy.Reader
}

func (c *compStream) Read(p []byte) (n int, err error) {
	return c.r.Read(p)
}

func (c *compStream) Write(p []byte) (n int, err error) {
	if _, err := c.w.Write(p); err != nil {
		return 0, errors.WithStack(err)
	}

	// every frame is flushed so the peer is never kept waiting on it
	if err := c.w.Flush(); err != nil {
		return 0, errors.WithStack(err)
	}
	return len(p), err
}

func (c *compStream) Close() error {
	return c.rwc.Close()
}

// newCompStream creates a new stream that compresses data using snappy
func newCompStream(rwc io.ReadWriteCloser) io.ReadWriteCloser {
	c := new(compStream)
	c.rwc = rwc
	c.w = snappy.NewBufferedWriter(rwc)
	c.r = snappy.NewReader(rwc)
	return c
}
