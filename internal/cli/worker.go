package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"semipd/internal/config"
	"semipd/internal/device"
	"semipd/internal/logging"
	"semipd/internal/readiness"
	"semipd/internal/role"
	"semipd/internal/worker"
)

// Descriptors the launcher hands every worker.
const (
	readinessFD = 3
	handoffFD   = 4
)

// runWorker is swapped out by tests.
var runWorker = serveWorker

type workerArgs struct {
	configPath string
	role       role.Role
	rank       int
	gpu        int
	group      string
	budget     int64
	control    string
}

func newWorkerCmd() *cobra.Command {
	var (
		a       workerArgs
		roleStr string
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one group member (started by launch)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := role.Parse(roleStr)
			if err != nil {
				return err
			}
			a.role = r
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, a)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&a.configPath, "config", "", "Resolved group config written by the launcher")
	fl.StringVar(&roleStr, "role", "", "decode|prefill|other")
	fl.IntVar(&a.rank, "rank", 0, "Tensor-parallel rank")
	fl.IntVar(&a.gpu, "gpu", 0, "Device ordinal")
	fl.StringVar(&a.group, "group", "", "Group id")
	fl.Int64Var(&a.budget, "budget", 0, "Token budget agreed by the decode ranks (prefill only)")
	fl.StringVar(&a.control, "control", "", "Control socket to listen on")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

// serveWorker runs a worker over the descriptors inherited from the
// launcher and a shared-memory device.
func serveWorker(ctx context.Context, cfg config.Config, a workerArgs) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().
		Str("group", a.group).Int("pid", os.Getpid()).Logger()

	ready := os.NewFile(readinessFD, "readiness")
	if ready == nil {
		return fmt.Errorf("worker: readiness descriptor %d missing", readinessFD)
	}
	adapter, err := device.NewShmAdapter(device.ShmConfig{
		Dir:          cfg.ShmDir,
		Prefix:       device.MemberPrefix(a.group, a.role.String(), a.rank),
		TotalBytes:   cfg.DeviceMemoryBytes(),
		ComputeUnits: cfg.ComputeUnits,
	})
	if err != nil {
		_ = readiness.Send(ready, readiness.Failed(a.role, a.rank, err))
		return err
	}
	defer adapter.Close()
	opts := workerOptions(cfg, a, log, adapter)
	opts.Readiness = ready
	switch a.role {
	case role.Decode:
		opts.HandoffOut = os.NewFile(handoffFD, "handoff")
	case role.Prefill:
		h := os.NewFile(handoffFD, "handoff")
		defer h.Close()
		opts.HandoffIn = h
	}
	if err := worker.Run(ctx, opts); err != nil {
		log.Error().Str("event", "exit").Err(err).Msg("worker failed")
		return err
	}
	log.Info().Str("event", "exit").Msg("worker stopped")
	return nil
}

func workerOptions(cfg config.Config, a workerArgs, log zerolog.Logger, adapter device.Adapter) worker.Options {
	return worker.Options{
		Config:  cfg,
		Role:    a.role,
		Rank:    a.rank,
		GPU:     a.gpu,
		Budget:  a.budget,
		Control: a.control,
		Adapter: adapter,
		Log:     log,
	}
}
