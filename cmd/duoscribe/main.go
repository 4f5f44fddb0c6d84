// Command duoscribe captures a microphone and a loopback device, streams the
// mix to a speech recognition service and prints the transcript as
// "user: …" / "system: …" lines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/duoscribe/internal/app"
	"github.com/MrWong99/duoscribe/internal/config"
	"github.com/MrWong99/duoscribe/internal/observe"
	"github.com/MrWong99/duoscribe/pkg/audio/capture"
	"github.com/MrWong99/duoscribe/pkg/audio/capture/portaudio"
	"github.com/MrWong99/duoscribe/pkg/provider/stt"
	"github.com/MrWong99/duoscribe/pkg/provider/stt/deepgram"
)

// version is set at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available capture devices and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duoscribe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duoscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Capture backend ───────────────────────────────────────────────────────
	backend, err := reg.CreateCapture(cfg.Providers.Capture)
	if err != nil {
		slog.Error("failed to create capture backend", "name", cfg.Providers.Capture.Name, "err", err)
		return 1
	}
	if c, ok := backend.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("capture backend close error", "err", err)
			}
		}()
	}

	if *listDevices {
		return printDevices(ctx, os.Stdout, backend)
	}

	slog.Info("duoscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "duoscribe",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	build := func(c *config.Config) (*app.Providers, error) {
		if c.Providers.Capture.Name != cfg.Providers.Capture.Name {
			slog.Warn("capture provider changes need a process restart", "name", c.Providers.Capture.Name)
		}
		p, err := reg.CreateSTT(sttEntry(c))
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", c.Providers.STT.Name, err)
		}
		slog.Info("provider created", "kind", "stt", "name", c.Providers.STT.Name)
		return &app.Providers{STT: p, Capture: backend}, nil
	}
	providers, err := build(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(level),
		app.WithProviderBuilder(build),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath,
		func(old, next *config.Config) {
			if err := application.ApplyConfig(ctx, old, next); err != nil {
				slog.Error("failed to apply reloaded config", "err", err)
			}
		},
		config.WithOnError(func(err error) {
			slog.Warn("reloaded config rejected, keeping the current one", "err", err)
		}),
	)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("ready, press Ctrl+C to stop")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if exit == 0 {
		slog.Info("goodbye")
	}
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if n := optInt(entry.Options, "send_queue"); n > 0 {
			opts = append(opts, deepgram.WithSendQueue(n))
		}
		if d := optDuration(entry.Options, "close_timeout"); d > 0 {
			opts = append(opts, deepgram.WithCloseTimeout(d))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterCapture("portaudio", func(config.ProviderEntry) (capture.Backend, error) {
		b, err := portaudio.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	})

	for _, kind := range []string{"stt", "capture"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// sttEntry returns the stt provider entry with the asr tuning knobs folded
// into its options.
func sttEntry(cfg *config.Config) config.ProviderEntry {
	entry := cfg.Providers.STT
	entry.Options = maps.Clone(entry.Options)
	if entry.Options == nil {
		entry.Options = make(map[string]any)
	}
	if cfg.ASR.SendQueue > 0 {
		entry.Options["send_queue"] = cfg.ASR.SendQueue
	}
	if cfg.ASR.CloseTimeout > 0 {
		entry.Options["close_timeout"] = cfg.ASR.CloseTimeout
	}
	return entry
}

// ── Device listing ────────────────────────────────────────────────────────────

func printDevices(ctx context.Context, w io.Writer, backend capture.Backend) int {
	lister, ok := backend.(capture.DeviceLister)
	if !ok {
		fmt.Fprintln(os.Stderr, "duoscribe: the capture backend cannot list devices")
		return 1
	}
	devices, err := lister.Devices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "duoscribe: %v\n", err)
		return 1
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHANNELS\tRATE\tNAME")
	for _, d := range devices {
		fmt.Fprintf(tw, "%d\t%d\t%.0f\t%s\n", d.ID, d.MaxInputChannels, d.DefaultSampleRate, d.Name)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "duoscribe: %v\n", err)
		return 1
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║        duoscribe startup summary      ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printRow("STT", providerLabel(cfg.Providers.STT.Name, cfg.Providers.STT.Model))
	printRow("Capture", providerLabel(cfg.Providers.Capture.Name, ""))
	for i, d := range cfg.Capture.Devices {
		label := fmt.Sprintf("#%d @ %d Hz", d.ID, d.NativeRate)
		if d.Name != "" {
			label = d.Name + " " + label
		}
		printRow(fmt.Sprintf("Device %d", i+1), label)
	}
	if len(cfg.Capture.Devices) == 0 {
		printRow("Devices", "(start via HTTP)")
	}
	printRow("Mix mode", string(cfg.Mixer.Mode))
	printRow("Language", cfg.Capture.Language)
	printRow("Vocabulary", fmt.Sprintf("%d terms", len(cfg.Transcript.Vocabulary)))
	if cfg.Transcript.Store.PostgresDSN != "" {
		printRow("Phrase store", "postgres")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printRow(key, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-12s    : %-19s ║\n", key, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes numbers into int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration extracts a duration given as time.Duration or a string such as
// "3s".
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case time.Duration:
		return v
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", v)
			return 0
		}
		return d
	}
	return 0
}
