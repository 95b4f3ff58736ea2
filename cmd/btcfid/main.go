// Command btcfid runs the protocol ledger with its HTTP gateway, event
// journal and liquidation keeper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"btcfi/config"
	"btcfi/core"
	"btcfi/core/events"
	"btcfi/core/ledger"
	"btcfi/core/state"
	"btcfi/gateway/middleware"
	"btcfi/gateway/routes"
	nativecommon "btcfi/native/common"
	"btcfi/observability"
	"btcfi/observability/logging"
	telemetry "btcfi/observability/otel"
	"btcfi/services/journal"
	"btcfi/services/keeper"
	"btcfi/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "btcfid: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	fs := flag.NewFlagSet("btcfid "+command, flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to daemon YAML configuration")
	out := fs.String("out", "", "export: destination parquet file")
	after := fs.Uint64("after", 0, "export: only events after this sequence number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	logger, closer := logging.SetupWithOptions("btcfid", cfg.Environment, cfg.Logging)
	defer closer.Close()

	switch command {
	case "serve":
		return serve(cfg, logger)
	case "verify-journal":
		return verifyJournal(cfg, logger)
	case "export-journal":
		if strings.TrimSpace(*out) == "" {
			return errors.New("export-journal requires -out")
		}
		return exportJournal(cfg, logger, *out, *after)
	default:
		return fmt.Errorf("unknown command %q (serve, verify-journal, export-journal)", command)
	}
}

func openJournal(cfg JournalConfig, logger *slog.Logger) (*journal.Journal, error) {
	db, err := journal.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	logger.Info("journal opened", slog.String("driver", cfg.Driver), logging.MaskField("dsn", cfg.DSN))
	return journal.New(db, logger.With(slog.String("component", "journal")))
}

func serve(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "btcfid",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	protocol, err := config.Load(cfg.Protocol)
	if err != nil {
		return fmt.Errorf("load protocol config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	bus := events.NewBus(256)
	sinks := []events.Sink{bus, observability.Events()}
	var eventLog routes.EventLog
	if cfg.Journal.Enabled {
		j, err := openJournal(cfg.Journal, logger)
		if err != nil {
			return err
		}
		if cfg.Journal.VerifyOnStart {
			n, err := j.Verify(ctx)
			if err != nil {
				return fmt.Errorf("verify journal: %w", err)
			}
			logger.Info("journal verified", slog.Uint64("records", n))
		}
		sinks = append(sinks, j)
		eventLog = j
	}

	wall := nativecommon.ClockFunc(func() uint64 { return uint64(time.Now().Unix()) })
	node, err := core.NewNode(protocol, state.NewManager(db), wall, logger,
		ledger.WithSinks(sinks...),
		ledger.WithMetrics(observability.Ledger()))
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	head := node.Ledger.Head()
	logger.Info("ledger ready",
		slog.Uint64("height", head.Height),
		slog.String("network", protocol.NetworkName))

	if cfg.Keeper.Enabled {
		k, err := keeper.New(cfg.Keeper, node.Ledger,
			keeper.WithLending(node.Lending),
			keeper.WithCredit(node.Credit),
			keeper.WithPrices(node.Oracle),
			keeper.WithLogger(logger))
		if err != nil {
			return err
		}
		if err := k.Start(ctx); err != nil {
			return err
		}
		defer k.Stop()
	}

	gw := cfg.Gateway
	handler, err := routes.New(routes.Config{
		Node:   node,
		Events: eventLog,
		Bus:    bus,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    gw.Auth.Enabled,
			HMACSecret: gw.Auth.HMACSecret,
			Issuer:     gw.Auth.Issuer,
			Audience:   gw.Auth.Audience,
			RolesClaim: gw.Auth.RolesClaim,
			ClockSkew:  gw.Auth.ClockSkew,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: gw.RateLimit.RequestsPerMinute,
			Burst:             gw.RateLimit.Burst,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: gw.Observability.ServiceName,
			Metrics:     gw.Observability.Metrics,
			LogRequests: gw.Observability.LogRequests,
		}, logger),
		CORS:        middleware.CORSConfig{AllowedOrigins: gw.CORS.AllowedOrigins},
		ServiceName: gw.Observability.ServiceName,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if !gw.Auth.Enabled {
		logger.Warn("gateway auth disabled; callers are taken from the " + middleware.HeaderAccount + " header")
	}

	srv := &http.Server{
		Addr:         gw.ListenAddress,
		Handler:      handler,
		ReadTimeout:  gw.ReadTimeout,
		WriteTimeout: gw.WriteTimeout,
		IdleTimeout:  gw.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			slog.String("addr", gw.ListenAddress),
			slog.Bool("tls", gw.Security.TLSEnabled()))
		var err error
		if gw.Security.TLSEnabled() {
			err = srv.ListenAndServeTLS(gw.Security.TLSCertFile, gw.Security.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", slog.String("error", err.Error()))
	}
	logger.Info("stopped", slog.Uint64("height", node.Ledger.Head().Height))
	return nil
}

func verifyJournal(cfg Config, logger *slog.Logger) error {
	j, err := openJournal(cfg.Journal, logger)
	if err != nil {
		return err
	}
	n, err := j.Verify(context.Background())
	if err != nil {
		return err
	}
	seq, head := j.Head()
	logger.Info("journal intact", slog.Uint64("records", n), slog.Uint64("seq", seq), slog.String("head", head))
	return nil
}

func exportJournal(cfg Config, logger *slog.Logger, out string, after uint64) error {
	j, err := openJournal(cfg.Journal, logger)
	if err != nil {
		return err
	}
	n, err := j.ExportParquet(context.Background(), out, after)
	if err != nil {
		return err
	}
	logger.Info("journal exported", slog.String("file", out), slog.Int("rows", n))
	return nil
}
