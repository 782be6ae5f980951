package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
	"github.com/dontdude/scriptq/internal/platform/queue"
	"github.com/dontdude/scriptq/internal/platform/web"
	"github.com/dontdude/scriptq/internal/server"
	"github.com/dontdude/scriptq/internal/session"
)

var (
	serveHost  string
	servePort  int
	serveRedis bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a session over HTTP and WebSocket",
	Long: `Start one session and expose it over HTTP and WebSocket.

With redis.enabled the session also consumes submissions from the Redis
stream and publishes job messages on the Redis channel.

Examples:
  scriptq serve
  scriptq serve --port 9000 --redis`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveRedis, "redis", false, "Enable the Redis intake and message bus")
}

func runServe(cmd *cobra.Command, _ []string) error {
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		bus   domain.MessageBus
		redis *queue.RedisQueue
	)
	if cfg.Redis.Enabled {
		rq, err := openRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer rq.Close()
		bus, redis = rq, rq
	} else {
		bus = queue.NewMemoryBus(256)
	}

	sess, err := startSession(ctx, cfg, session.WithBus(bus))
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			observability.Logger.Warn("Session shutdown", zap.Error(err))
		}
	}()

	if redis != nil {
		go redis.StartRecoveryRoutine(ctx, cfg.Redis.RecoveryInterval, cfg.Redis.RecoveryMaxIdle)
		go func() {
			if err := sess.Consume(ctx, redis); err != nil && !errors.Is(err, context.Canceled) {
				observability.Logger.Error("Intake stopped", zap.Error(err))
			}
		}()
	}

	limiter := web.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	defer limiter.Close()

	srv := server.New(sess, server.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         versionInfo.Version,
		Limiter:         limiter,
		Bus:             bus,
	})
	return srv.Run(ctx)
}
