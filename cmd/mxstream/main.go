package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/progrium/mxstream/codec"
	"github.com/progrium/mxstream/mux"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "mxstream"
	app.Usage = "multiplex channels over a single connection"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "TOML config file, flags override its values",
		},
		cli.StringFlag{
			Name:  "transport, t",
			Usage: "tcp, unix, ws or stdio (default: tcp)",
		},
		cli.StringFlag{
			Name:  "addr, a",
			Usage: "address to listen on or dial (default: 127.0.0.1:7000)",
		},
		cli.BoolFlag{
			Name:  "compress",
			Usage: "compress the transport with snappy, both ends must agree",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error (default: info)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "console or json (default: console)",
		},
		cli.StringFlag{
			Name:  "metrics",
			Usage: "serve prometheus metrics on this address",
		},
		cli.StringFlag{
			Name:  "codec",
			Usage: "control channel codec: json, cbor or msgpack (default: cbor)",
		},
		cli.IntFlag{
			Name:  "protocol",
			Usage: "protocol major version, 1 or 2 (default: 2)",
		},
		cli.Int64Flag{
			Name:  "window",
			Usage: "receiving window of channels in bytes, version 2 only",
		},
	}
	app.Commands = []cli.Command{
		serveCommand,
		catCommand,
		benchCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every command needs once the configuration is loaded.
type env struct {
	cfg   Config
	log   *zap.Logger
	opts  *mux.Options
	codec codec.Codec
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c.GlobalString("config"), setFlags(c))
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	cdc, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	opts := cfg.Mux
	opts.Logger = log
	if cfg.Compress {
		opts.WrapTransport = newCompStream
	}
	if cfg.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		if opts.Metrics, err = mux.NewMetrics(reg); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
		go serveMetrics(log, cfg.Metrics, reg)
	}

	log.Debug("configured",
		zap.String("transport", cfg.Transport),
		zap.String("addr", cfg.Addr),
		zap.Int("protocol", opts.ProtocolMajorVersion),
		zap.Bool("compress", cfg.Compress))
	return &env{cfg: cfg, log: log, opts: &opts, codec: cdc}, nil
}

func serveMetrics(log *zap.Logger, addr string, reg *prometheus.Registry) {
	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Error("metrics server", zap.Error(err))
	}
}
