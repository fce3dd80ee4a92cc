package mux

import (
	"context"
	"io"
	"os"
)

// DialIO establishes a mux stream using a WriterCloser and ReadCloser.
func DialIO(ctx context.Context, out io.WriteCloser, in io.ReadCloser, opts *Options) (*Stream, error) {
	return New(ctx, &ioduplex{out, in}, opts)
}

// DialStdio establishes a mux stream using Stdout and Stdin.
func DialStdio(ctx context.Context, opts *Options) (*Stream, error) {
	return DialIO(ctx, os.Stdout, os.Stdin, opts)
}
