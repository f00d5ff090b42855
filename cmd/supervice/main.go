// Command supervice is the daemon entrypoint: load configuration, build the
// supervisor, and run its control plane (Unix socket RPC and, optionally,
// the HTTP status dashboard) until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/go-supervice/supervice/internal/config"
	"github.com/go-supervice/supervice/internal/dashboard"
	"github.com/go-supervice/supervice/internal/eventbus"
	"github.com/go-supervice/supervice/internal/rpcserver"
	"github.com/go-supervice/supervice/internal/supervisor"
	"github.com/go-supervice/supervice/pkg/fmtt"
)

var (
	flagConfigPath  string
	flagSocketPath  string
	flagPIDFile     string
	flagDashboard   string
	flagRedisAddr   string
	flagLogLevel    string
	flagLogFormat   string
	flagDebugErrors bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervice",
		Short: "A lightweight process supervisor: spawn, monitor, restart",
		Long: `supervice spawns and monitors a set of configured child processes,
restarting them on unexpected exit with exponential backoff, running
optional health checks, and exposing a control plane over a local Unix
domain socket (start/stop/restart/status/reload).`,
		RunE: runSupervice,
	}

	cmd.Flags().StringVar(&flagConfigPath, "config", "/etc/supervice/supervice.conf", "path to the INI configuration file")
	cmd.Flags().StringVar(&flagSocketPath, "socket", "", "override the control socket path from the config file")
	cmd.Flags().StringVar(&flagPIDFile, "pidfile", "", "override the pidfile path from the config file")
	cmd.Flags().StringVar(&flagDashboard, "dashboard-addr", "", "enable the status dashboard on this address (host:port)")
	cmd.Flags().StringVar(&flagRedisAddr, "redis-addr", "", "mirror lifecycle events to this Redis instance's pub/sub (best-effort)")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug|info|warn|error")
	cmd.Flags().StringVar(&flagLogFormat, "log-format", "console", "log encoding: console|json")
	cmd.Flags().BoolVar(&flagDebugErrors, "debug-errors", false, "on a fatal startup error, dump the full error chain")

	return cmd
}

func runSupervice(cmd *cobra.Command, args []string) error {
	log, err := buildLogger(flagLogLevel, flagLogFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()
	log = log.Named("main")

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		if flagDebugErrors {
			fmtt.PrintErrChainDebug(err)
		}
		return fmt.Errorf("load config: %w", err)
	}
	if flagSocketPath != "" {
		cfg.SocketPath = flagSocketPath
	}
	if flagPIDFile != "" {
		cfg.PIDFile = flagPIDFile
	}
	if flagDashboard != "" {
		cfg.DashboardAddr = flagDashboard
	}

	var ebOpts []eventbus.Option
	if flagRedisAddr != "" {
		mirror, err := eventbus.NewRedisMirror(log, flagRedisAddr)
		if err != nil {
			log.Warn("redis mirror unavailable, continuing without it", zap.Error(err))
		} else {
			defer mirror.Close()
			ebOpts = append(ebOpts, eventbus.WithMirror(mirror))
		}
	}
	eb := eventbus.New(log, ebOpts...)

	sup := supervisor.New(log, eb, cfg, flagConfigPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		if flagDebugErrors {
			fmtt.PrintErrChainDebug(err)
		}
		return fmt.Errorf("start supervisor: %w", err)
	}

	rpc := rpcserver.New(log, sup, cfg.SocketPath)
	go func() {
		if err := rpc.Serve(ctx); err != nil {
			log.Error("rpc server stopped", zap.Error(err))
		}
	}()

	if cfg.DashboardAddr != "" {
		dash := dashboard.New(log, sup, cfg)
		go func() {
			if err := dash.Serve(ctx); err != nil {
				log.Error("dashboard server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("supervice started", zap.String("config", flagConfigPath), zap.String("socket", cfg.SocketPath))
	return sup.Run(ctx)
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zcfg zap.Config
	switch format {
	case "json":
		zcfg = zap.NewProductionConfig()
	default:
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.TimeKey = ""
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.DisableStacktrace = true
		zcfg.DisableCaller = true
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	return zcfg.Build()
}
