package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/room-relay/backend/internal/config"
	"github.com/zhouzirui/room-relay/backend/internal/handler"
	diagHandler "github.com/zhouzirui/room-relay/backend/internal/handler/diag"
	"github.com/zhouzirui/room-relay/backend/internal/handler/relay"
	"github.com/zhouzirui/room-relay/backend/internal/service/diag"
	"github.com/zhouzirui/room-relay/backend/internal/service/membership"
	"github.com/zhouzirui/room-relay/backend/internal/service/queue"
	"github.com/zhouzirui/room-relay/backend/internal/service/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}

	log, err := cfg.Log.NewLogger(os.Stdout)
	if err != nil {
		logrus.Fatalf("failed to build logger: %v", err)
	}
	if envErr != nil {
		log.WithError(envErr).Warn("failed to load .env file, continuing with system environment variables only")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server error")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	provider, err := newProvider(cfg.Queue, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			log.WithError(err).Warn("queue provider close failed")
		}
	}()

	client := newMembership(cfg.Membership, log)

	registry := relay.NewRegistry()
	dispatcher := relay.NewDispatcher(provider, client, registry, log, relay.Options{
		SendBuffer:     cfg.Socket.SendBuffer,
		PingInterval:   cfg.Socket.PingInterval,
		ReadTimeout:    cfg.Socket.ReadTimeout,
		MaxMessageSize: cfg.Socket.MaxMessageSize,
		AutoChat:       cfg.Server.Development(),
		Session: session.Options{
			MembershipTimeout: cfg.Membership.Timeout,
			LeaveTimeout:      cfg.Membership.Timeout,
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	deps := handler.Deps{
		Dispatcher: dispatcher,
		Registry:   registry,
		StaticDir:  cfg.Server.StaticDir,
		Log:        log,
	}
	if cfg.Diag.Enabled {
		collector := diag.NewCollector(cfg.Diag.Interval, cfg.Diag.SnapshotDir, log)
		deps.Diag = diagHandler.New(collector, log)
		g.Go(func() error {
			return collector.Run(gctx)
		})
		log.WithField("interval", cfg.Diag.Interval).Info("memory diagnostics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":       srv.Addr,
			"env":        cfg.Server.Env,
			"queue":      cfg.Queue.Driver,
			"membership": cfg.Membership.Driver,
		}).Info("room relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// hijacked websocket connections are not tracked by Shutdown
		err := srv.Shutdown(shutdownCtx)
		if derr := dispatcher.Shutdown(shutdownCtx); derr != nil {
			err = errors.Join(err, fmt.Errorf("dispatcher shutdown: %w", derr))
		}
		log.Info("server stopped")
		return err
	})

	return g.Wait()
}

// closableProvider 队列驱动需在退出时关闭
type closableProvider interface {
	queue.Provider
	Close() error
}

func newProvider(cfg config.QueueConfig, log logrus.FieldLogger) (closableProvider, error) {
	if cfg.Driver != config.QueueDriverNATS {
		log.Info("using in-memory queue")
		return queue.NewMemoryProvider(), nil
	}

	return queue.DialNATS(queue.NATSConfig{
		URL:           cfg.URL,
		Name:          cfg.Name,
		SubjectPrefix: cfg.SubjectPrefix,
		ReconnectWait: cfg.ReconnectWait,
	}, log)
}

func newMembership(cfg config.MembershipConfig, log logrus.FieldLogger) membership.Client {
	if cfg.Driver == config.MembershipDriverHTTP {
		return membership.NewHTTPClient(cfg.BaseURL, cfg.Timeout, log)
	}
	log.Warn("membership stub enabled, every request is approved")
	return membership.NewStubClient(cfg.StreamBaseURL, log)
}
