package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/progrium/mxstream/mux"
)

func dial(ctx context.Context, cfg Config, opts *mux.Options) (*mux.Stream, error) {
	switch cfg.Transport {
	case "tcp":
		return mux.DialTCP(ctx, cfg.Addr, opts)
	case "unix":
		return mux.DialUnix(ctx, cfg.Addr, opts)
	case "ws":
		return mux.DialWS(ctx, cfg.Addr, opts)
	case "stdio":
		return mux.DialStdio(ctx, opts)
	}
	return nil, errors.Errorf("unknown transport %q", cfg.Transport)
}

func listen(cfg Config, opts *mux.Options) (mux.Listener, error) {
	switch cfg.Transport {
	case "tcp":
		l, err := mux.ListenTCP(cfg.Addr, opts)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "unix":
		l, err := mux.ListenUnix(cfg.Addr, opts)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "ws":
		return mux.ListenWS(cfg.Addr, opts)
	case "stdio":
		return mux.ListenStdio(opts)
	}
	return nil, errors.Errorf("unknown transport %q", cfg.Transport)
}
