package main

import (
	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/progrium/mxstream/mux"
)

// Config for mxstream
type Config struct {
	Transport string `mapstructure:"transport" toml:"transport"`
	Addr      string `mapstructure:"addr" toml:"addr"`
	Compress  bool   `mapstructure:"compress" toml:"compress"`
	LogLevel  string `mapstructure:"log_level" toml:"log_level"`
	LogFormat string `mapstructure:"log_format" toml:"log_format"`
	Metrics   string `mapstructure:"metrics" toml:"metrics"`
	Codec     string `mapstructure:"codec" toml:"codec"`

	Mux     mux.Options        `mapstructure:"mux" toml:"mux"`
	Channel mux.ChannelOptions `mapstructure:"channel" toml:"channel"`
}

func defaultConfig() Config {
	return Config{
		Transport: "tcp",
		Addr:      "127.0.0.1:7000",
		LogLevel:  "info",
		LogFormat: "console",
		Codec:     "cbor",
		Mux:       mux.Options{ProtocolMajorVersion: 2},
	}
}

// globalFlags maps global flags to the config keys they override and
// reads their values.
var globalFlags = map[string]struct {
	key   string
	value func(c *cli.Context, name string) interface{}
}{
	"transport":  {"transport", stringFlag},
	"addr":       {"addr", stringFlag},
	"compress":   {"compress", boolFlag},
	"log-level":  {"log_level", stringFlag},
	"log-format": {"log_format", stringFlag},
	"metrics":    {"metrics", stringFlag},
	"codec":      {"codec", stringFlag},
	"protocol":   {"mux.protocol_version", intFlag},
	"window":     {"channel.window", int64Flag},
}

func stringFlag(c *cli.Context, name string) interface{} { return c.GlobalString(name) }
func boolFlag(c *cli.Context, name string) interface{}   { return c.GlobalBool(name) }
func intFlag(c *cli.Context, name string) interface{}    { return c.GlobalInt(name) }
func int64Flag(c *cli.Context, name string) interface{}  { return c.GlobalInt64(name) }

// loadConfig reads the TOML file at path, if any, and applies the flags the
// user set on top of it. Unset flags never override the file.
func loadConfig(path string, flags map[string]interface{}) (Config, error) {
	raw := make(map[string]interface{})
	if path != "" {
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return Config{}, errors.Wrapf(err, "load config %s", path)
		}
	}
	for key, v := range flags {
		setPath(raw, key, v)
	}

	// unknown keys are errors, so typos in the file do not go unnoticed
	cfg := defaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

// setPath stores v under a dotted key, creating nested tables on the way.
func setPath(m map[string]interface{}, key string, v interface{}) {
	for i := 0; i < len(key); i++ {
		if key[i] != '.' {
			continue
		}
		sub, ok := m[key[:i]].(map[string]interface{})
		if !ok {
			sub = make(map[string]interface{})
			m[key[:i]] = sub
		}
		setPath(sub, key[i+1:], v)
		return
	}
	m[key] = v
}

// setFlags collects the global flags given on the command line.
func setFlags(c *cli.Context) map[string]interface{} {
	flags := make(map[string]interface{})
	for name, f := range globalFlags {
		if c.GlobalIsSet(name) {
			flags[f.key] = f.value(c, name)
		}
	}
	return flags
}
