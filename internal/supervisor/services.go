// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/realtime"
	"github.com/snapgather/snapgather-go/internal/upload"
)

// RealtimeService holds the duplex connection open for the process
// lifetime. A failed initial connect returns the error so suture
// retries with backoff; once authenticated, the manager handles drops
// itself and the service just waits for shutdown.
type RealtimeService struct {
	manager *realtime.Manager
}

// NewRealtimeService wraps a connection manager as a suture service.
func NewRealtimeService(m *realtime.Manager) *RealtimeService {
	return &RealtimeService{manager: m}
}

// Serve implements suture.Service.
func (s *RealtimeService) Serve(ctx context.Context) error {
	logging.Info().Msg("starting realtime service")

	if err := s.manager.Connect(ctx); err != nil {
		logging.Err(err).Msg("realtime connect failed")
		return err
	}

	<-ctx.Done()
	s.manager.Disconnect()
	logging.Info().Msg("realtime service stopped")
	return ctx.Err()
}

// ReconcileService runs the upload status reconciliation poller.
type ReconcileService struct {
	reconciler *upload.Reconciler
}

// NewReconcileService wraps a reconciler as a suture service.
func NewReconcileService(r *upload.Reconciler) *ReconcileService {
	return &ReconcileService{reconciler: r}
}

// Serve implements suture.Service.
func (s *ReconcileService) Serve(ctx context.Context) error {
	logging.Info().Msg("starting reconcile service")
	err := s.reconciler.Run(ctx)
	logging.Info().Msg("reconcile service stopped")
	return err
}

// HTTPService runs the local observability HTTP server.
type HTTPService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPService wraps an http.Server as a suture service.
func NewHTTPService(server *http.Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	logging.Info().Str("addr", s.server.Addr).Msg("starting observability endpoint")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("observability endpoint shutdown")
	}
	logging.Info().Msg("observability endpoint stopped")
	return ctx.Err()
}
