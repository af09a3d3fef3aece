package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/video-system/go-video-streamer/internal/devices"
	"github.com/video-system/go-video-streamer/internal/gstreamer"
	"github.com/video-system/go-video-streamer/internal/system"
	"github.com/video-system/go-video-streamer/pkg/api"
	"github.com/video-system/go-video-streamer/pkg/config"
	"github.com/video-system/go-video-streamer/pkg/events"
	"github.com/video-system/go-video-streamer/pkg/orchestrator"
	"github.com/video-system/go-video-streamer/pkg/pipeline"
	"github.com/video-system/go-video-streamer/pkg/platform"
	"github.com/video-system/go-video-streamer/pkg/recording"
	"github.com/video-system/go-video-streamer/pkg/remote"
	"github.com/video-system/go-video-streamer/pkg/sink"
)

const version = "1.0.0"

// Exit codes read by the supervisor
const (
	exitOK            = 0
	exitConfig        = 1
	exitTopology      = 3
	exitStandby       = 4
	exitUnrecoverable = 5
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitConfig)
	}

	log, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(exitConfig)
	}
	code := run(cfg, log)
	_ = log.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, root *zap.Logger) int {
	log := root.Named("main")

	serial := cfg.Device.Serial
	if serial == "" {
		s, err := system.Serial()
		if err != nil {
			log.Error("cannot determine device serial", zap.Error(err))
			return exitConfig
		}
		serial = s
	}
	bootID := uuid.NewString()
	log.Info("starting streamer",
		zap.String("version", version),
		zap.String("serial", serial),
		zap.String("boot_id", bootID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("shutdown signal received", zap.Stringer("signal", sig))
		cancel()
	}()

	client := platform.New(platform.Config{
		URL:     cfg.Platform.URL,
		APIKey:  cfg.Platform.APIKey,
		Timeout: cfg.Platform.Timeout,
	})
	if err := client.CheckHealth(ctx); err != nil {
		log.Warn("platform not reachable at startup", zap.Error(err))
	}

	runner := devices.ExecRunner{Timeout: 5 * time.Second}
	enum := devices.NewEnumerator(root.Named("devices"), runner)

	source := remote.NewPlatformSource(root.Named("remote"), remote.PlatformSourceConfig{
		Client:       client,
		Inventory:    enum,
		Serial:       serial,
		BootID:       bootID,
		Policy:       cfg.Policy(),
		PollInterval: cfg.Streaming.PollInterval,
	})
	if err := source.LoadGlobalSettings(ctx); err != nil {
		log.Warn("global settings unavailable, using local poll interval", zap.Error(err))
	}

	syncer := remote.NewSynchronizer(root.Named("remote"), source, cfg.Streaming.StateFile)
	if ok, err := syncer.LoadState(); err != nil {
		log.Warn("ignoring unreadable state file", zap.String("path", cfg.Streaming.StateFile), zap.Error(err))
	} else if ok {
		log.Info("last known configuration loaded", zap.String("path", cfg.Streaming.StateFile))
	}

	var notifier events.Notifier = events.Nop{}
	if cfg.Events.NatsURL != "" {
		pub, err := events.Connect(root.Named("events"), events.Config{
			URL:           cfg.Events.NatsURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Serial:        serial,
			BootID:        bootID,
		})
		if err != nil {
			log.Warn("event publishing disabled", zap.Error(err))
		} else {
			defer pub.Close()
			notifier = pub
		}
	}

	orch := orchestrator.New(orchestrator.Options{
		Engine:   gstreamer.NewEngine(root.Named("graph")),
		Devices:  enum,
		Config:   syncer,
		Control:  devices.NewControl(runner),
		Prober:   sink.TCPProber{Address: cfg.Sink.ProbeAddress, Timeout: cfg.Sink.ProbeTimeout},
		Notifier: notifier,
		Log:      root,

		Policy:      cfg.Policy(),
		MaxChannels: cfg.Streaming.MaxChannels,
		Workers:     cfg.Streaming.Workers,

		PollInterval:      cfg.Streaming.PollInterval,
		ReconcileInterval: cfg.Streaming.ReconcileInterval,
		RetryInterval:     cfg.Sink.RetryInterval,
		EOSTimeout:        cfg.Streaming.EOSTimeout,

		Encoder: pipeline.EncoderSpec{
			Element:      cfg.Encoder.Element,
			Profile:      cfg.Encoder.Profile,
			HeadroomKbps: cfg.Encoder.HeadroomKbps,
		},
		Audio: pipeline.AudioSpec{Bitrate: cfg.Audio.Bitrate, Rate: cfg.Audio.Rate},
		Recording: pipeline.RecordingSpec{
			Enabled:         cfg.Recording.Enabled,
			Path:            cfg.Recording.Path,
			SegmentDuration: cfg.Recording.SegmentDuration,
		},
		BootID: bootID,
	})

	var retention *recording.Retention
	if cfg.Recording.Enabled {
		retention = recording.NewRetention(root.Named("recording"), recording.Config{
			Path:     cfg.Recording.Path,
			MaxAge:   cfg.Recording.Retention,
			MaxBytes: cfg.Recording.MaxBytes,
		})
	}

	apiCfg := api.ServerConfig{
		Host:       cfg.API.Host,
		Port:       cfg.API.Port,
		Serial:     serial,
		Version:    version,
		Controller: orch,
		Inventory:  source,
		Log:        root,
	}
	if retention != nil {
		apiCfg.Recordings = retention
	}
	server := api.NewServer(apiCfg)

	var (
		reason orchestrator.RestartReason
		runErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	apiCtx, stopAPI := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopAPI()
		reason, runErr = orch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(apiCtx)
	})
	if retention != nil {
		g.Go(func() error {
			if err := retention.Run(apiCtx); err != nil {
				log.Warn("recording retention stopped", zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("api server failed", zap.Error(err))
		return exitUnrecoverable
	}

	return exitCode(log, client, serial, reason, runErr)
}

func exitCode(log *zap.Logger, client *platform.Client, serial string, reason orchestrator.RestartReason, err error) int {
	fields := []zap.Field{zap.Stringer("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	switch reason {
	case orchestrator.RestartNone:
		log.Info("streamer stopped")
		return exitOK
	case orchestrator.RestartTopology:
		log.Info("restarting to apply settings", fields...)
		return exitTopology
	case orchestrator.RestartStandby:
		log.Info("entering standby", fields...)
		return exitStandby
	case orchestrator.RestartReboot:
		if err := reboot(client, serial); err != nil {
			log.Error("reboot failed", zap.Error(err))
			return exitUnrecoverable
		}
		log.Info("reboot requested")
		return exitOK
	default:
		var shErr *pipeline.SharedElementFailure
		if errors.As(err, &shErr) {
			fields = append(fields, zap.Stringer("owner", shErr.Owner))
		}
		log.Error("unrecoverable streaming failure", fields...)
		return exitUnrecoverable
	}
}

// reboot clears the platform flag first so the device does not reboot in a loop
func reboot(client *platform.Client, serial string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.AcknowledgeReboot(ctx, serial); err != nil {
		return fmt.Errorf("acknowledge reboot: %w", err)
	}
	return system.Reboot()
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	logConfig, err := loggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	return logConfig.Build()
}

func loggerConfig(cfg config.LogConfig) (zap.Config, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return zap.Config{}, fmt.Errorf("log level: %w", err)
	}

	logConfig := zap.NewProductionConfig()
	if cfg.Development {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logConfig.DisableStacktrace = true
	logConfig.Level = level
	return logConfig, nil
}
