package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Serve runs the orchestrator and the HTTP surface until ctx ends or either
// fails. A capture device failure is returned so the process can exit
// non-zero.
func Serve(ctx context.Context, res *BuildResult) error {
	ln, err := net.Listen("tcp", res.Config.BindAddr)
	if err != nil {
		return err
	}
	return serve(ctx, res, ln)
}

func serve(ctx context.Context, res *BuildResult, ln net.Listener) error {
	logger := res.Logger
	httpServer := &http.Server{
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
			return
		}
		httpErr <- nil
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- res.Orchestrator.Run(ctx)
	}()

	var result error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-runErr:
		result = err
		runErr = nil
		if err != nil {
			logger.Error("orchestrator stopped", "error", err)
		}
	case err := <-httpErr:
		result = err
		httpErr = nil
		logger.Error("http server stopped", "error", err)
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), res.Config.ShutdownTimeout)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	if httpErr != nil {
		<-httpErr
	}
	if runErr != nil {
		select {
		case err := <-runErr:
			if result == nil {
				result = err
			}
		case <-shutdownCtx.Done():
			logger.Warn("orchestrator did not stop before shutdown timeout")
		}
	}
	logger.Info("shutdown complete")
	return result
}
