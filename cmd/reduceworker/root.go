package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/fletcher-allreduce/internal/config"
	"github.com/23skdu/fletcher-allreduce/internal/device"
	"github.com/23skdu/fletcher-allreduce/internal/group"
	"github.com/23skdu/fletcher-allreduce/internal/worker"
)

// options holds everything the command line controls.
type options struct {
	cfg          config.Config
	deviceMemory string
	metricsAddr  string
	otel         bool
	logLevel     string
	out          io.Writer
}

type runFunc func(ctx context.Context, opts *options) error

func newRootCommand(runE runFunc) *cobra.Command {
	opts := &options{cfg: config.Default()}

	cmd := &cobra.Command{
		Use:   "reduceworker",
		Short: "Run one rank of a distributed all-reduce",
		Long: `reduceworker generates a random vector on its device, sums it with the
vectors of every other rank and prints the mean of the result.

Rank and world size come from FLETCHER_RANK/FLETCHER_WORLD_SIZE (with
FLETCHER_PEERS), OpenMPI or PMI variables. Without them the worker runs
as a world of one.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			zerolog.SetGlobalLevel(level)

			mem, err := config.ParseBytes(opts.deviceMemory)
			if err != nil {
				return fmt.Errorf("invalid --device-memory: %w", err)
			}
			opts.cfg.DeviceMemory = mem
			return opts.cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			return runE(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.Uint64Var(&opts.cfg.Seed, "seed", config.DefaultSeed, "Base random seed; rank r uses seed+r")
	flags.IntVar(&opts.cfg.GPUsPerNode, "gpus-per-node", config.DefaultGPUsPerNode, "Devices per node; the local rank is rank mod this")
	flags.IntVar(&opts.cfg.VectorLength, "length", config.DefaultVectorLength, "Elements per rank")
	flags.StringVar(&opts.cfg.Backend, "backend", config.DefaultBackend, "Device backend (cpu, cuda)")
	flags.StringVar(&opts.deviceMemory, "device-memory", "0", "Memory per device (e.g. 16GB, 512MB); 0 means unbounded")
	flags.StringVar(&opts.cfg.Host, "host", config.DefaultHost, "Host the collective servers bind and advertise")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9100)")
	flags.BoolVar(&opts.otel, "otel", false, "Enable OpenTelemetry tracing (stderr)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.otel {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
	}
	if opts.metricsAddr != "" {
		stop := startMetricsServer(opts.metricsAddr)
		defer stop()
	}

	g, err := group.FromEnv()
	if err != nil {
		return fmt.Errorf("form process group: %w", err)
	}
	defer g.Close()

	backend, err := device.Open(opts.cfg.Backend, opts.cfg.GPUsPerNode, opts.cfg.DeviceMemory)
	if err != nil {
		return err
	}
	log.Info().
		Str("backend", backend.Name()).
		Int("devices", backend.DeviceCount()).
		Int64("device_memory", opts.cfg.DeviceMemory).
		Msg("Device backend ready")

	w, err := worker.New(opts.cfg, g, backend, opts.out)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
