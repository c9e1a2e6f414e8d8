package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/api"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/config"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/core"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/functions"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/monitoring"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/network"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configFile string
		overrides  config.Config
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the reshape servers",
		Long: `
Run the TCP, Arrow Flight and ZeroMQ servers and the metrics endpoint.
Settings come from defaults, the --config file, RESHAPE_* environment
variables and flags, in increasing precedence.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("tcp-addr") {
				cfg.TCPAddr = overrides.TCPAddr
			}
			if flags.Changed("flight-addr") {
				cfg.FlightAddr = overrides.FlightAddr
			}
			if flags.Changed("zmq-addr") {
				cfg.ZmqAddr = overrides.ZmqAddr
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = overrides.MetricsAddr
			}
			if flags.Changed("workers") {
				cfg.Workers = overrides.Workers
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = overrides.LogLevel
			}
			if flags.Changed("log-format") {
				cfg.LogFormat = overrides.LogFormat
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ensureToken(&cfg, cmd.ErrOrStderr())

			logger, err := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := newServer(cfg, logger)
			if err := srv.start(); err != nil {
				srv.stop()
				return err
			}
			return srv.wait(ctx)
		},
	}

	defaults := config.Default()
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML configuration file")
	f.StringVar(&overrides.TCPAddr, "tcp-addr", defaults.TCPAddr, "TCP listen address (empty disables)")
	f.StringVar(&overrides.FlightAddr, "flight-addr", defaults.FlightAddr, "Arrow Flight listen address (empty disables)")
	f.StringVar(&overrides.ZmqAddr, "zmq-addr", defaults.ZmqAddr, "ZeroMQ endpoint, e.g. tcp://0.0.0.0:5555 (empty disables)")
	f.StringVar(&overrides.MetricsAddr, "metrics-addr", defaults.MetricsAddr, "metrics listen address (empty disables)")
	f.IntVarP(&overrides.Workers, "workers", "c", defaults.Workers, "number of pool workers")
	f.StringVar(&overrides.LogLevel, "log-level", defaults.LogLevel, "log level: debug, info, warn or error")
	f.StringVar(&overrides.LogFormat, "log-format", defaults.LogFormat, "log format: logfmt or json")
	return cmd
}

// ensureToken generates a token when auth is enabled without one. The token
// is printed once to w and never reaches the logs.
func ensureToken(cfg *config.Config, w io.Writer) {
	if !cfg.Auth.Enabled || cfg.Auth.Token != "" {
		return
	}
	cfg.Auth.Token = api.GenerateToken()
	fmt.Fprintf(w, "Auth enabled without a token, generated token: %s\n", cfg.Auth.Token)
}

// server is the set of listeners sharing one handler.
type server struct {
	cfg    config.Config
	logger log.Logger

	pool     *core.WorkerPool
	registry *prometheus.Registry
	handler  *api.Handler

	tcp     *api.ArrowServer
	flight  *api.FlightServer
	zmq     *network.ZmqServer
	metrics *api.MetricsServer
}

func newServer(cfg config.Config, logger log.Logger) *server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	auth := api.NewAuthenticator(api.AuthConfig{Enabled: cfg.Auth.Enabled, Token: cfg.Auth.Token})
	if auth.IsEnabled() && cfg.Auth.Token == "" {
		level.Warn(logger).Log("msg", "auth enabled without a token, generated one")
	}

	pool := core.NewWorkerPool("reshape", cfg.Workers, cfg.QueueSize)
	evaluator := expr.NewEvaluator(expr.DefaultRegistry(functions.NewReshaper()), pool)
	handler := api.NewHandler(evaluator, api.HandlerConfig{
		Auth:    auth,
		Metrics: api.NewMetrics("reshape", registry),
		Pool:    pool,
		Logger:  logger,
	})

	s := &server{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		registry: registry,
		handler:  handler,
	}
	if cfg.TCPAddr != "" {
		s.tcp = api.NewArrowServer(handler, logger)
	}
	if cfg.FlightAddr != "" {
		s.flight = api.NewFlightServer(handler, logger)
	}
	if cfg.ZmqAddr != "" {
		s.zmq = network.NewZmqServer(handler, logger)
	}
	if cfg.MetricsAddr != "" {
		s.metrics = api.NewMetricsServer(cfg.MetricsAddr, registry)
	}
	return s
}

// start binds every configured request listener.
func (s *server) start() error {
	if s.tcp != nil {
		if err := s.tcp.StartAsync(s.cfg.TCPAddr); err != nil {
			return err
		}
	}
	if s.flight != nil {
		if err := s.flight.StartAsync(s.cfg.FlightAddr); err != nil {
			return err
		}
	}
	if s.zmq != nil {
		if err := s.zmq.Start(s.cfg.ZmqAddr); err != nil {
			return err
		}
	}
	level.Info(s.logger).Log("msg", "reshape server started", "version", Version, "workers", s.cfg.Workers)
	return nil
}

// wait serves metrics until ctx ends or the metrics server fails, then
// stops everything.
func (s *server) wait(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.metrics != nil {
		g.Go(s.metrics.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		level.Info(s.logger).Log("msg", "shutting down")

		s.stop()
		if s.metrics != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return s.metrics.Stop(shutdownCtx)
		}
		return nil
	})

	err := g.Wait()
	level.Info(s.logger).Log("msg", "reshape server stopped")
	return err
}

func (s *server) stop() {
	if s.tcp != nil {
		s.tcp.Stop()
	}
	if s.flight != nil {
		s.flight.Stop()
	}
	if s.zmq != nil {
		s.zmq.Stop()
	}
	if err := s.pool.ShutdownWithTimeout(shutdownTimeout); err != nil {
		level.Warn(s.logger).Log("msg", "worker pool did not drain", "err", err)
	}
}
