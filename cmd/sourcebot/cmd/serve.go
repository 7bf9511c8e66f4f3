package cmd

import (
	"sourcebot/core/app"
	"sourcebot/core/config"
	"sourcebot/core/logger"
	"sourcebot/gateways/console"
	"sourcebot/modules/ping"

	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveConsole bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveConsole, "console", true, "read commands from stdin and print replies to stdout")
}

// serveCmd runs the bot until the command context is cancelled.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := logger.WithComponentName(cmd.Context(), "serve")

		cfg, err := loadConfig(nil)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if configFile == "" && cfg.File() == "" {
			created, err := config.WriteExample(config.DefaultFile)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote example configuration to %s\n", config.DefaultFile)
				if cfg, err = loadConfig(nil); err != nil {
					return fmt.Errorf("load configuration: %w", err)
				}
			}
		}
		l, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = l.Sync() }()
		log := logger.For(ctx, l)
		log.Info("Configuration loaded", zap.String("file", cfg.File()), zap.String("environment", cfg.Environment))

		a, err := app.New(ctx, cfg, l)
		if err != nil {
			return err
		}
		if err := a.AddBuiltin(ping.Name, ping.Version, ping.New); err != nil {
			return err
		}
		if serveConsole {
			gwCfg, err := console.DecodeConfig(cfg.GatewayConfig(console.Name))
			if err != nil {
				return err
			}
			a.AddGateway(console.New(cmd.InOrStdin(), cmd.OutOrStdout(), gwCfg, l))
		}

		metricsSrv := serveMetrics(cfg.Metrics.Address, a, log)

		if _, err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background())
			return err
		}
		log.Info("Sourcebot started")

		<-ctx.Done()
		log.Info("Shutting down", zap.Duration("timeout", cfg.ShutdownTimeout()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()

		var errs []error
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
			}
		}
		if err := a.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			log.Error("Shutdown finished with errors", zap.Error(err))
			return err
		}
		log.Info("Sourcebot stopped gracefully")
		return nil
	},
}

// serveMetrics exposes the app's registry on addr. It returns nil when addr is empty.
func serveMetrics(addr string, a *app.App, log *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.String("address", addr), zap.Error(err))
		}
	}()
	log.Info("Serving metrics", zap.String("address", addr))
	return srv
}
