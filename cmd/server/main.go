package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/coderelay/internal/executor"
	"github.com/Tyrowin/coderelay/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	config, err := server.NewConfigFromEnv()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	var opts []server.HubOption
	if config.PruneEmptyRooms {
		opts = append(opts, server.WithRoomPruning())
	}
	pistonClient := executor.NewPistonClient(log, config.ExecutorURL, config.ExecutorTimeout)
	hub := server.NewHub(log, pistonClient, opts...)

	mux := server.SetupRoutes(log, hub, config)
	httpServer := server.CreateServer(config.Addr(), mux)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run()
		return nil
	})

	g.Go(func() error {
		if err := server.StartServer(log, httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		shutdownErr := server.ShutdownServer(log, httpServer, config.ShutdownTimeout)
		return errors.Join(shutdownErr, hub.Shutdown(config.ShutdownTimeout))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server stopped cleanly")
	return nil
}
