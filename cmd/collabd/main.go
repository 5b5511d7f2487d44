// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// collabd is the real-time collaboration server for the whiteboard.
// Clients attach to a board over a websocket, receive a consistent
// snapshot of its objects and then a totally-ordered stream of every
// collaborator's changes, alongside ephemeral presence signals.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/collabd/collabd/internal/apiserver"
	"github.com/collabd/collabd/internal/repository"
	"github.com/collabd/collabd/internal/worker/checkpointer"
	"github.com/collabd/collabd/internal/worker/sessionchecker"
)

var logger = loggo.GetLogger("collabd")

const (
	listenAddr      = "0.0.0.0:8080"
	storePoolSize   = 5
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	loggingConfig := os.Getenv("COLLABD_LOGGING_CONFIG")
	if loggingConfig == "" {
		loggingConfig = "<root>=INFO"
	}
	if err := loggo.ConfigureLoggers(loggingConfig); err != nil {
		fmt.Fprintf(os.Stderr, "invalid COLLABD_LOGGING_CONFIG: %v\n", err)
		os.Exit(2)
	}

	if err := run(); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	options, err := redis.ParseURL(storeURL())
	if err != nil {
		return fmt.Errorf("parsing store URL: %w", err)
	}
	options.PoolSize = storePoolSize
	client := redis.NewClient(options)
	defer client.Close()

	// Failure to reach the store at startup is fatal; everything after
	// this point rides the repository's retry policy.
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}

	repo, err := repository.NewRepository(client, clock.WallClock)
	if err != nil {
		return fmt.Errorf("starting repository: %w", err)
	}
	defer func() { _ = worker.Stop(repo) }()

	checkpointWorker, err := checkpointer.NewWorker(checkpointer.Config{
		Repository: repo,
		Clock:      clock.WallClock,
		Period:     checkpointer.Period,
		BatchSize:  checkpointer.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("starting checkpointer: %w", err)
	}
	defer func() { _ = worker.Stop(checkpointWorker) }()

	sessionWorker, err := sessionchecker.NewWorker(sessionchecker.Config{
		Repository: repo,
		Clock:      clock.WallClock,
		Period:     sessionchecker.Period,
	})
	if err != nil {
		return fmt.Errorf("starting session checker: %w", err)
	}
	defer func() { _ = worker.Stop(sessionWorker) }()

	server, err := apiserver.NewServer(apiserver.Config{
		Repository: repo,
		SubscribePresence: func(boardID uuid.UUID) apiserver.PresenceReceiver {
			return repo.SubscribePresence(boardID)
		},
	})
	if err != nil {
		return fmt.Errorf("starting apiserver: %w", err)
	}

	router := mux.NewRouter()
	server.Register(router)
	if staticDir := os.Getenv("COLLABD_STATIC_DIR"); staticDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}

	// Any-origin GET keeps development against a separately served
	// client simple; access control is out of scope.
	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	httpServer := &http.Server{Addr: listenAddr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("serving on %s", listenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-signals:
		logger.Infof("received %v, shutting down", sig)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("http shutdown: %v", err)
	}
	return nil
}

// storeURL assembles the store connection string: REDIS_URL wins, else
// the REDIS_USER/REDIS_PASSWORD/REDIS_HOST triple.
func storeURL() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("redis://%s:%s@%s",
		os.Getenv("REDIS_USER"), os.Getenv("REDIS_PASSWORD"), os.Getenv("REDIS_HOST"))
}
