package config

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func TestParseEnvDefaults(t *testing.T) {
	var cfg Relay
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != "localhost:8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.PingInterval != 5*time.Second {
		t.Fatalf("expected default ping interval, got %s", cfg.PingInterval)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg Relay
	t.Setenv("LISTMAP_SEND_BUFFER", "lots")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("LISTMAP_CHANNEL", "from-env")
	t.Setenv("LISTMAP_KEY", "env-key")

	var cfg Client
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := ParseConfigFromArgs(&cfg, fs, []string{"-channel", "from-flag"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Channel != "from-flag" {
		t.Fatalf("channel = %q, want from-flag", cfg.Channel)
	}
	if cfg.Key != "env-key" {
		t.Fatalf("key = %q, want env-key", cfg.Key)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestClientValidateRequiresKey(t *testing.T) {
	var cfg Client
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := ParseConfigFromArgs(&cfg, fs, nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestParseConfigFromArgsRequiresTargets(t *testing.T) {
	if err := ParseConfigFromArgs(nil, flag.NewFlagSet("test", flag.ContinueOnError), nil); err == nil {
		t.Fatal("expected nil config error")
	}
	if err := ParseConfigFromArgs(&Relay{}, nil, nil); err == nil {
		t.Fatal("expected nil flagset error")
	}
}

func TestSetupLogging(t *testing.T) {
	if err := SetupLogging("debug"); err != nil {
		t.Fatalf("setup logging: %v", err)
	}
	if err := SetupLogging("loud"); err == nil {
		t.Fatal("expected invalid level error")
	}
}
