package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/serialmux/internal/cliconfig"
	"github.com/bft-labs/serialmux/pkg/log"
	"github.com/bft-labs/serialmux/pkg/serialmux"
)

const helpDescription = `
Share one serial device with many TCP clients.

Each --device is served on the --port in the same position. Every client
sees the device as if it held it alone: writes from all clients reach the
device one whole chunk at a time in arrival order, and everything the
device sends is copied to every client.

Highlights:
  - Survives unplug/replug: clients stay connected while the device is reopened.
  - Slow clients are disconnected (or trimmed) instead of stalling the others.
  - Optional /status, /health and /metrics endpoints.
  - Configure via file, env (SERIALMUX_*), or flags.
`

var exampleUsage = strings.TrimSpace(`
  serialmux --device /dev/ttyUSB0,baudrate=115200 --port 7000
  serialmux --device /dev/ttyUSB0 --port 7000 --device /dev/ttyACM0,parity=E --port 7001
  serialmux --config $HOME/.serialmux/config.toml --status-addr 127.0.0.1:9100
  serialmux ports
  serialmux status --addr 127.0.0.1:9100
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	boot := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	root := newRootCommand()
	root.AddCommand(newPortsCommand(), newStatusCommand())

	if err := root.Execute(); err != nil {
		boot.Error().Err(err).Msg("serialmux")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:           "serialmux",
		Short:         "Share one serial device with many TCP clients",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			} else if cfgPath != "" {
				return fmt.Errorf("config file %s not found", cfgPath)
			}

			// Environment overrides the file; explicit flags override both.
			if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.serialmux/config.toml)")
	f.StringArrayVarP(&cfg.Devices, "device", "d", nil, "serial device spec path[,baudrate=N,bytesize=N,parity=N|E|O|M|S,stopbits=1|2,rtscts=bool] (repeatable)")
	f.IntSliceVarP(&cfg.Ports, "port", "p", nil, "TCP port for the device in the same position (repeatable)")
	f.StringVar(&cfg.Host, "host", cfg.Host, "address to listen on")

	f.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "pending client writes per device")
	f.StringVar(&cfg.QueuePolicy, "queue-policy", cfg.QueuePolicy, "when the write queue is full: block or fail")
	f.IntVar(&cfg.BacklogBytes, "backlog-bytes", cfg.BacklogBytes, "pending output per client before the overflow policy applies")
	f.StringVar(&cfg.OverflowPolicy, "overflow", cfg.OverflowPolicy, "slow client policy: disconnect or drop-oldest")
	f.IntVar(&cfg.ReadChunk, "read-chunk", cfg.ReadChunk, "client socket read size in bytes")
	f.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "client socket write timeout")

	f.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "first reconnect delay")
	f.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "reconnect delay cap")
	f.DurationVar(&cfg.MaxDowntime, "max-downtime", cfg.MaxDowntime, "give up after the device is away this long (0 retries forever)")
	f.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "time clients get to drain on shutdown")

	f.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "clients per device (0 is unlimited)")
	f.BoolVar(&cfg.NoWatch, "no-watch", cfg.NoWatch, "do not watch /dev for the device to reappear")
	f.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "serve /status, /health and /metrics on this address")

	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
	f.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write logs to this file, rotated")

	return root
}

func run(ctx context.Context, cfg cliconfig.Config) error {
	zl, closer, err := log.Setup(cfg.LogOptions(), "serialmux")
	if err != nil {
		return err
	}
	defer closer.Close()

	zl.Info().
		Strs("devices", cfg.Devices).
		Ints("ports", cfg.Ports).
		Str("host", cfg.Host).
		Str("overflow", cfg.OverflowPolicy).
		Dur("max_downtime", cfg.MaxDowntime).
		Msg("configuration")

	srv, err := serialmux.New(cfg.ServerConfig(),
		serialmux.WithLogger(log.NewZerologAdapterWithLogger(zl)),
		serialmux.WithStatusLogger(zl.With().Str("component", "status").Logger()),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	for i, addr := range srv.Addrs() {
		zl.Info().Str("device", cfg.Devices[i]).Str("listen", addr).Msg("bridge ready")
	}

	select {
	case <-ctx.Done():
		zl.Info().Msg("received signal, stopping...")
	case <-srv.Done():
	}

	stopErr := srv.Stop()
	if err := srv.Err(); err != nil {
		if errors.Is(err, serialmux.ErrDeviceUnavailable) {
			return fmt.Errorf("device did not come back: %w", err)
		}
		return err
	}
	if stopErr != nil {
		return fmt.Errorf("stop: %w", stopErr)
	}
	return nil
}
