package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/astromechza/listmap/pkg/codec"
	"github.com/astromechza/listmap/pkg/config"
	"github.com/astromechza/listmap/pkg/crypt"
	"github.com/astromechza/listmap/pkg/engine"
	"github.com/astromechza/listmap/pkg/viz"
	"github.com/astromechza/listmap/pkg/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type debugConfig struct {
	config.Client
	Path   string `env:"LISTMAP_DEBUG_PATH" envDefault:"guestBook"`
	Svg    bool   `env:"LISTMAP_DEBUG_SVG"`
	Export string `env:"LISTMAP_DEBUG_EXPORT"`
}

func (c *debugConfig) Flags(fs *flag.FlagSet) {
	c.Client.Flags(fs)
	fs.StringVar(&c.Path, "path", c.Path, "dot separated path whose value labels each edit")
	fs.BoolVar(&c.Svg, "svg", c.Svg, "also render the history to an svg in the temp dir")
	fs.StringVar(&c.Export, "export", c.Export, "write the merged document to this file as an automerge document")
}

func parsePath(raw string) codec.Path {
	path := codec.Path{}
	if raw == "" {
		return path
	}
	for _, seg := range strings.Split(raw, ".") {
		if i, err := strconv.Atoi(seg); err == nil {
			path = append(path, i)
		} else {
			path = append(path, seg)
		}
	}
	return path
}

func fetchFrames(ctx context.Context, endpoint, channel string) ([]wire.Frame, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("channels", url.PathEscape(channel), "frames").String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var frames []wire.Frame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("failed to decode frames: %w", err)
	}
	return frames, nil
}

func mainInner() error {
	var cfg debugConfig
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
	key, err := crypt.DeriveKey(cfg.Key, cfg.Channel, crypt.DefaultKDFParams)
	if err != nil {
		return err
	}
	ciph, err := crypt.ByName(cfg.Cipher, key, cfg.Channel)
	if err != nil {
		return err
	}

	ctx := context.Background()
	frames, err := fetchFrames(ctx, cfg.Endpoint, cfg.Channel)
	if err != nil {
		return err
	}
	slog.Info("loaded frames", "count", len(frames))

	replica := engine.New("debug")
	for _, f := range frames {
		plain, err := ciph.Open(f.Payload)
		if err != nil {
			slog.Warn("frame failed to open", "seq", f.Seq, "id", f.ID, "err", err)
			continue
		}
		edit, err := wire.DecodeEdit(plain, c)
		if err != nil {
			slog.Warn("frame failed to decode", "seq", f.Seq, "id", f.ID, "err", err)
			continue
		}
		if _, err := replica.Remote(edit); err != nil {
			slog.Warn("edit rejected", "seq", f.Seq, "edit", edit.String(), "err", err)
		}
	}
	if n := replica.Buffered(); n > 0 {
		slog.Warn("edits still waiting on dependencies", "count", n)
	}

	snapshot := replica.Snapshot()
	encoded, err := codec.JSON{}.Encode(snapshot)
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "contents", string(encoded))
	slog.Info("loaded clock", "clock", replica.Clock())

	slog.Info("changes:")
	history := replica.History()
	for i, edit := range history {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "origin", edit.Origin, "seq", edit.Seq, "ops", len(edit.Ops))
		for _, op := range edit.Ops {
			slog.Debug("op", "op", op.String())
		}
	}

	path := parsePath(cfg.Path)
	if err := viz.WriteDot(os.Stdout, history, path); err != nil {
		return fmt.Errorf("failed to write dot: %w", err)
	}
	if cfg.Svg {
		svgPath, err := viz.RenderToTemp(history, path)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	if cfg.Export != "" {
		raw, err := codec.Automerge{}.Encode(snapshot)
		if err != nil {
			return fmt.Errorf("failed to export: %w", err)
		}
		if err := os.WriteFile(cfg.Export, raw, 0o644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		slog.Info("dumped", "dump", cfg.Export)
	}
	return nil
}
