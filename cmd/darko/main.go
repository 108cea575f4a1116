package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lmittmann/tint"
	log "log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"darko/internal/audio"
	"darko/internal/config"
	"darko/internal/ipc"
	"darko/internal/metrics"
	"darko/pkg/audioconv"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	configPath := cli.StringP("config", "c", "darko.yaml", "Config file path")
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	logLevel := cli.StringP("log", "l", "", "Log level, overrides the config file")
	replay := cli.StringP("replay", "r", "", "Feed an audio file instead of the capture device")
	mode := cli.StringP("mode", "m", "", "Dispatch mode: direct, chat or intent")
	device := cli.IntP("device", "d", -2, "Capture device id, -1 for the default")
	metricsAddr := cli.String("metrics", "", "Serve /metrics on this address")
	cli.Parse()

	_ = godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = applyFlags(cfg, *logLevel, *mode, *device, *metricsAddr)
	}
	if err != nil {
		// the logger is not configured yet
		log.SetDefault(log.New(tint.NewHandler(os.Stderr, nil)))
		log.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevelMap[cfg.LogLevel],
		TimeFormat: time.TimeOnly,
	})))

	log.Info("Booting up")

	if err := run(cfg, *replay); err != nil {
		log.Error("Daemon failed", "err", err)
		os.Exit(1)
	}
	log.Info("Shut down")
}

func applyFlags(cfg *config.Config, logLevel, mode string, device int, metricsAddr string) error {
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if mode != "" {
		cfg.Dispatch.Mode = mode
	}
	if device >= -1 {
		cfg.Audio.Device = device
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	return config.Validate(cfg)
}

func run(cfg *config.Config, replay string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gate := audio.NewGate(cfg.Audio.BufferMs)
	defer gate.Close()

	var samples []float32
	if replay != "" {
		var err error
		samples, err = audioconv.DecodeFile(ctx, replay, audioconv.Options{SampleRate: gate.SampleRate()})
		if err != nil {
			return fmt.Errorf("decode %s: %w", replay, err)
		}
		log.Info("Replaying", "file", replay, "seconds", len(samples)/gate.SampleRate())
	} else if err := gate.Init(cfg.Audio.Device, cfg.Audio.SampleRate); err != nil {
		return fmt.Errorf("init audio: %w", err)
	}

	d, err := build(ctx, cfg, gate, m)
	if err != nil {
		return err
	}
	defer d.Close()

	log.Info("Boot up - successful", "mode", cfg.Dispatch.Mode, "strategy", cfg.Recognizer.Strategy)

	g, gctx := errgroup.WithContext(ctx)

	srv := ipc.NewServer(cfg.IPC.Socket, d.control)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return metrics.NewServer(cfg.Metrics.Addr, reg).Run(gctx) })
	}
	if d.hub != nil {
		g.Go(func() error { return d.hub.Run(gctx) })
	}

	if err := d.rec.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("start recognizer: %w", err)
	}

	if samples != nil {
		g.Go(func() error {
			err := audio.Replay(gctx, gate, samples, gate.SampleRate(), 20*time.Millisecond)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Info("Replay finished")
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return d.rec.Stop()
	})

	return g.Wait()
}
