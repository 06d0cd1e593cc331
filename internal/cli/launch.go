package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"semipd/internal/config"
	"semipd/internal/device"
	"semipd/internal/httpapi"
	"semipd/internal/launcher"
	"semipd/internal/logging"
)

// runLaunch is swapped out by tests.
var runLaunch = launchGroup

type launchFlags struct {
	configPath   string
	tp           int
	enableSemiPD bool
	prefillSM    int
	decodeSM     int
	httpAddr     string
	runDir       string
	shmDir       string
	logLevel     string
	logFormat    string
}

func newLaunchCmd() *cobra.Command {
	var f launchFlags
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a worker group and serve its status until interrupted",
		Example: "  semipd launch --config semipd.yaml\n" +
			"  SEMI_PD_PREFILL_SM_PERCENTILE=70 semipd launch --tp 2 --http-addr :9090",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveLaunchConfig(cmd, f, os.Getenv)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLaunch(ctx, cfg, logging.New(cfg.LogLevel, cfg.LogFormat))
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "Config file (.yaml, .json or .toml)")
	fl.IntVar(&f.tp, "tp", 0, "Tensor-parallel size")
	fl.BoolVar(&f.enableSemiPD, "enable-semi-pd", true, "Share weights and KV cache between prefill and decode workers")
	fl.IntVar(&f.prefillSM, "prefill-sm", 0, "Compute share for prefill workers in percent (env "+config.EnvPrefillSMPercent+")")
	fl.IntVar(&f.decodeSM, "decode-sm", 0, "Compute share for decode workers in percent (env "+config.EnvDecodeSMPercent+")")
	fl.StringVar(&f.httpAddr, "http-addr", "", "Status server address, empty to disable (env "+config.EnvHTTPAddr+")")
	fl.StringVar(&f.runDir, "run-dir", "", "Directory for sockets and the resolved config (env "+config.EnvRunDir+")")
	fl.StringVar(&f.shmDir, "shm-dir", "", "Directory backing shared device memory (env "+config.EnvShmDir+")")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error (env "+config.EnvLogLevel+")")
	fl.StringVar(&f.logFormat, "log-format", "", "Log format: console|json")
	return cmd
}

// resolveLaunchConfig layers defaults, the config file, the environment and
// explicitly set flags, in that order, and validates the result.
func resolveLaunchConfig(cmd *cobra.Command, f launchFlags, getenv func(string) string) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, err
	}
	changed := cmd.Flags().Changed
	if changed("tp") {
		cfg.TPSize = f.tp
	}
	if changed("enable-semi-pd") {
		cfg.EnableSemiPD = f.enableSemiPD
	}
	if changed("prefill-sm") {
		cfg.PrefillSMPercent = f.prefillSM
	}
	if changed("decode-sm") {
		cfg.DecodeSMPercent = f.decodeSM
	}
	if changed("http-addr") {
		cfg.HTTPAddr = f.httpAddr
	}
	if changed("run-dir") {
		cfg.RunDir = f.runDir
	}
	if changed("shm-dir") {
		cfg.ShmDir = f.shmDir
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if err := cfg.ExpandPaths(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// launchGroup runs one group until ctx is cancelled or a member dies.
func launchGroup(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	spawner := &launcher.ExecSpawner{Stderr: os.Stderr, Log: log}
	dev := device.NewMemoryAdapter(cfg.DeviceMemoryBytes(), cfg.ComputeUnits)
	l := launcher.New(cfg, spawner, launcher.WithLogger(log), launcher.WithDevice(dev))

	hctx, stopHTTP := context.WithCancel(ctx)
	defer stopHTTP()
	httpDone := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		srv := &http.Server{
			Handler: httpapi.NewMux(l, httpapi.Options{
				Log:         log.With().Str("component", "http").Logger(),
				RequestLog:  "error",
				CORSOrigins: cfg.CORSOrigins,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info().Str("event", "http_listen").Str("addr", ln.Addr().String()).Msg("status server listening")
		go func() { httpDone <- httpapi.Serve(hctx, srv, ln, 5*time.Second) }()
	} else {
		httpDone <- nil
	}

	res, err := l.Launch(ctx)
	if err != nil {
		removeShm(cfg, l.Snapshot().GroupID, log)
		stopHTTP()
		<-httpDone
		return err
	}
	log.Info().Str("event", "running").Str("group", res.GroupID).
		Int64("max_total_num_tokens", res.MaxTotalNumTokens).
		Int64("max_req_input_len", res.MaxReqInputLen).
		Dur("handshake", res.Handshake).Msg("group running")

	werr := l.Wait(ctx)
	if errors.Is(werr, context.Canceled) {
		werr = nil
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.KillGrace()+5*time.Second)
	defer cancel()
	if err := l.Shutdown(sctx); err != nil {
		log.Warn().Str("event", "shutdown").Err(err).Msg("shutdown incomplete")
	}
	removeShm(cfg, res.GroupID, log)
	stopHTTP()
	if herr := <-httpDone; herr != nil && werr == nil {
		werr = herr
	}
	return werr
}

func removeShm(cfg config.Config, groupID string, log zerolog.Logger) {
	if groupID == "" {
		return
	}
	n, err := device.RemoveGroup(cfg.ShmDir, groupID)
	if err != nil {
		log.Warn().Str("event", "shm_cleanup").Err(err).Msg("could not remove shared regions")
		return
	}
	if n > 0 {
		log.Info().Str("event", "shm_cleanup").Int("regions", n).Msg("removed leftover shared regions")
	}
}
