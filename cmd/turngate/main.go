package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akshatgg/turngate/internal/config"
	"github.com/akshatgg/turngate/internal/dispatch"
	"github.com/akshatgg/turngate/internal/httpapi"
	"github.com/akshatgg/turngate/internal/pubsub"
	"github.com/akshatgg/turngate/internal/queue"
	"github.com/akshatgg/turngate/internal/quota"
	"github.com/akshatgg/turngate/internal/relay"
	"github.com/akshatgg/turngate/internal/staleness"
	"github.com/akshatgg/turngate/internal/store"
	"github.com/akshatgg/turngate/internal/worker"
)

const requeueInterval = 30 * time.Second

func main() {
	logger := log.New(os.Stdout, "turngate ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	st, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to initialize store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	broker := pubsub.NewMemoryBroker()
	workQueue := queue.NewMemory(cfg.QueueCapacity)
	limiter := quota.NewFixedWindow(cfg.QuotaLimit, cfg.QuotaWindow)

	dispatcher := dispatch.New(logger, st, workQueue, limiter, cfg.RequeueAge)
	detector := staleness.New(st, cfg.MaxProcessing)
	streamer := relay.New(logger, st, detector, broker, cfg.StreamIdleTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// In-process worker; production deployments run the real worker fleet
	// against the same queue and channel instead.
	echo := worker.NewEcho(logger, st, workQueue, broker)
	go echo.Run(ctx)

	go func() {
		ticker := time.NewTicker(requeueInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := dispatcher.RequeueBacklog(ctx); err != nil {
					logger.Printf("requeue backlog error: %v", err)
				}
			}
		}
	}()

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, dispatcher, streamer, st)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("server shutdown error: %v", err)
	}
}
