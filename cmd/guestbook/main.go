package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/astromechza/listmap/pkg/codec"
	"github.com/astromechza/listmap/pkg/config"
	"github.com/astromechza/listmap/pkg/listmap"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type guestbookConfig struct {
	config.Client
	Name string `env:"LISTMAP_NAME"`
}

func (c *guestbookConfig) Flags(fs *flag.FlagSet) {
	c.Client.Flags(fs)
	fs.StringVar(&c.Name, "name", c.Name, "the name to sign the guestbook with")
}

func mainInner() error {
	var cfg guestbookConfig
	if err := config.ParseConfigFromArgs(&cfg, flag.CommandLine, os.Args[1:]); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		return err
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := listmap.Create(ctx, listmap.Config{
		Endpoint:    cfg.Endpoint,
		Channel:     cfg.Channel,
		Key:         cfg.Key,
		InitialData: map[string]any{},
		Codec:       c,
		CipherName:  cfg.Cipher,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	proxy := session.Proxy()
	book := proxy.At("guestBook")
	name := strings.TrimSpace(cfg.Name)

	proxy.OnReady(func(map[string]any) {
		slog.Info("ready!")

		// now that the document is ready, listen for further changes
		book.OnChange(func(old, new any, path codec.Path) {
			slog.Info("the guestbook changed", "path", path.String())
			render(book)
		})
		proxy.OnDisconnect(func(err error) {
			slog.Warn("network connection lost", "err", err)
		})

		if _, ok := book.Get(); !ok {
			if err := book.Set([]any{}); err != nil {
				slog.Error("failed to initialise the guestbook", "err", err)
				return
			}
		}
		if name != "" && book.IndexOf(name) == -1 {
			if err := book.Push(name); err != nil {
				slog.Error("failed to sign the guestbook", "err", err)
			}
		}
		render(book)
	})

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	return nil
}

func render(book *listmap.Handle) {
	v, _ := book.Get()
	visitors, _ := v.([]any)
	lines := make([]string, 0, len(visitors))
	for _, visitor := range visitors {
		lines = append(lines, fmt.Sprintf("* %v", visitor))
	}
	fmt.Println(strings.Join(lines, "\n"))
}
