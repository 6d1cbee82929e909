// Package main runs an in-memory MDM server for developing against the agent locally.
//
// Queue a command for an enrolled device with:
//
//	curl -X POST localhost:5005/api/mdm/devices/<id>/commands -d '{"commandType":"lock"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"pulsemdm/internal/devserver"
)

const (
	// HTTP timeouts.
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	shutdownTimeout = 10 * time.Second
	apiPrefix       = "/api"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("mdm-devserver", pflag.ContinueOnError)
	addr := fs.String("addr", ":5005", "listen address")
	key := fs.String("enrollment-key", os.Getenv("PULSE_ENROLLMENT_KEY"), "enrollment key agents must present (empty accepts any)")
	level := fs.String("log-level", "info", "log level: debug, info, warn, error")
	created := fs.Bool("created-status", false, "answer 201 to first enrollments like the hosted platform (the agent then enrolls on its retry)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(*level))); err != nil {
		return fmt.Errorf("unknown log level %q", *level)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	server := devserver.New(logger, serverOptions(logger, *key, *created)...)

	srv := &http.Server{
		Addr:           *addr,
		Handler:        newMux(server),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 16, // 64KB max header size
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", *addr, "api", apiPrefix)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

func serverOptions(logger *slog.Logger, key string, created bool) []devserver.Option {
	var opts []devserver.Option
	if key != "" {
		opts = append(opts, devserver.WithEnrollmentKey(key))
		logger.Info("enrollment key required")
	} else {
		logger.Warn("running without an enrollment key; any agent may enroll")
	}
	if created {
		opts = append(opts, devserver.WithCreatedStatus())
		logger.Info("first enrollments answer 201 Created")
	}
	return opts
}

// newMux serves the API under /api, where the agent expects it, and /health at the root as well.
func newMux(server *devserver.Server) http.Handler {
	api := server.Handler()
	mux := http.NewServeMux()
	mux.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, api))
	mux.Handle("GET /health", api)
	return mux
}
