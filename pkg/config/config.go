// Package config loads binary configuration from the environment first and command line flags second.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Relay configures cmd/relay.
type Relay struct {
	Addr         string        `env:"LISTMAP_RELAY_ADDR" envDefault:"localhost:8080"`
	Store        string        `env:"LISTMAP_STORE" envDefault:"sqlite:relay.sqlite3"`
	SendBuffer   int           `env:"LISTMAP_SEND_BUFFER" envDefault:"256"`
	PingInterval time.Duration `env:"LISTMAP_PING_INTERVAL" envDefault:"5s"`
	LogLevel     string        `env:"LISTMAP_LOG_LEVEL" envDefault:"info"`
}

func (c *Relay) Flags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "the address to listen on")
	fs.StringVar(&c.Store, "store", c.Store, "frame store: memory:, sqlite:<path>, redis://... or postgres://...")
	fs.IntVar(&c.SendBuffer, "send-buffer", c.SendBuffer, "frames buffered per subscriber before it is dropped")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "keepalive interval")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

// Client configures the binaries that join a channel.
type Client struct {
	Endpoint string `env:"LISTMAP_ENDPOINT" envDefault:"http://127.0.0.1:8080"`
	Channel  string `env:"LISTMAP_CHANNEL" envDefault:"guestbook"`
	Key      string `env:"LISTMAP_KEY"`
	Cipher   string `env:"LISTMAP_CIPHER" envDefault:"secretbox"`
	Codec    string `env:"LISTMAP_CODEC" envDefault:"json"`
	LogLevel string `env:"LISTMAP_LOG_LEVEL" envDefault:"info"`
}

func (c *Client) Flags(fs *flag.FlagSet) {
	fs.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "the relay to connect to")
	fs.StringVar(&c.Channel, "channel", c.Channel, "the channel to join")
	fs.StringVar(&c.Key, "key", c.Key, "the shared channel key")
	fs.StringVar(&c.Cipher, "cipher", c.Cipher, "secretbox or xchacha")
	fs.StringVar(&c.Codec, "codec", c.Codec, "json, proto or automerge")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

// Validate checks the fields every client needs.
func (c *Client) Validate() error {
	if c.Channel == "" {
		return errors.New("channel is required")
	}
	if c.Key == "" {
		return errors.New("key is required, set LISTMAP_KEY or -key")
	}
	return nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

type flagged interface {
	Flags(fs *flag.FlagSet)
}

// ParseConfigFromArgs loads defaults from env and then parses flags, so flags win.
func ParseConfigFromArgs(cfg flagged, fs *flag.FlagSet, args []string) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if err := ParseEnv(cfg); err != nil {
		return err
	}
	cfg.Flags(fs)
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// SetupLogging installs a text slog handler at level as the default logger.
func SetupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}
