package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nshruti113/ddos-mitigator/internal/config"
	"github.com/nshruti113/ddos-mitigator/internal/engine"
	"github.com/nshruti113/ddos-mitigator/internal/logging"
	"github.com/nshruti113/ddos-mitigator/internal/server"
	"github.com/nshruti113/ddos-mitigator/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mitigation engine behind the HTTP API",
		Long: `Starts the engine and its HTTP API.

Endpoints:
  POST   /api/packets/evaluate   Evaluate one packet descriptor
  POST   /api/packets/batch      Evaluate a list of descriptors
  GET    /api/stats/summary      Counters, list sizes and attack status
  GET    /api/events             Event history (requires redis)
  GET    /api/{black,gray,white}list, POST to add, DELETE /:ip to remove
  POST   /api/cookies/rotate     Replace the SYN cookie secret
  GET    /metrics                Prometheus metrics
  GET    /health                 Health check
  WS     /ws                     Live list transition events

The mitigation section of the config file is reloaded when the file changes.`,
		Example: `  mitigator serve
  mitigator serve --config /etc/mitigator/mitigator.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			gin.SetMode(cfg.Server.Mode)

			// Graceful shutdown on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := server.NewHub(logger)
			sinks := []engine.Sink{hub}
			srvOpts := []server.Option{server.WithLogger(logger)}

			if cfg.Redis.Enabled {
				rs, err := storage.NewRedisSink(ctx, storage.Options{
					Addr:         cfg.Redis.Addr,
					Password:     cfg.Redis.Password,
					DB:           cfg.Redis.DB,
					PublishRate:  cfg.Redis.PublishRate,
					PublishBurst: cfg.Redis.PublishBurst,
					Retention:    cfg.Redis.HistoryRetention,
				}, logger)
				if err != nil {
					return err
				}
				defer rs.Close()
				sinks = append(sinks, rs)
				srvOpts = append(srvOpts, server.WithEventStore(rs))
				logger.Info("redis sink enabled", zap.String("addr", cfg.Redis.Addr))
			}

			e, err := newEngine(cfg, logger, engine.WithSinks(sinks...))
			if err != nil {
				return err
			}
			if err := e.Start(ctx); err != nil {
				return err
			}
			defer e.Stop()

			w, err := config.NewWatcher(logger, *configPath, func(next *config.Config) {
				if err := e.UpdateConfig(next.Mitigation); err != nil {
					logger.Warn("rejected mitigation config", zap.Error(err))
					return
				}
				logger.Info("mitigation config reloaded", zap.Any("mitigation", next.Mitigation))
			})
			if err != nil {
				logger.Warn("config hot reload disabled", zap.Error(err))
			} else {
				defer w.Close()
			}

			srv := server.New(cfg.Server.Addr, e, hub, srvOpts...)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	return cmd
}
