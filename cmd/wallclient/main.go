// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package main runs the Snapgather wall client: a headless process that
// holds the real-time channel open for an event, tracks upload
// sessions, reconciles missed progress over REST, and exposes a local
// metrics and health endpoint.
//
// Startup order:
//
//  1. Configuration: layered load via Koanf (defaults, YAML, env)
//  2. Local store: BadgerDB for the identity token and cached views
//  3. REST client: status polling and bulk moderation, circuit-broken
//  4. Real-time: connection manager, subscriptions, dispatcher
//  5. Supervision: suture tree runs the channel and HTTP services
//
// The process shuts down gracefully on SIGINT and SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapgather/snapgather-go/internal/config"
	"github.com/snapgather/snapgather-go/internal/dedup"
	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/moderation"
	"github.com/snapgather/snapgather-go/internal/protocol"
	"github.com/snapgather/snapgather-go/internal/realtime"
	"github.com/snapgather/snapgather-go/internal/rest"
	"github.com/snapgather/snapgather-go/internal/store"
	"github.com/snapgather/snapgather-go/internal/supervisor"
	"github.com/snapgather/snapgather-go/internal/upload"
)

// statusAPI is the REST surface shared by the reconciler and the
// moderation batcher. Satisfied by rest.Client and rest.BreakerClient.
type statusAPI interface {
	upload.StatusFetcher
	moderation.Statuser
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Timestamp: true,
		Caller:    cfg.Logging.Caller,
	})

	logging.Info().
		Str("role", cfg.Realtime.Role).
		Str("store_path", cfg.Store.Path).
		Msg("starting snapgather wall client")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open local store")
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("closing local store")
		}
	}()

	// The REST client authenticates with the stored identity token;
	// guest and photowall roles may run without one.
	token, err := st.Token()
	if err != nil {
		logging.Debug().Err(err).Msg("no stored identity token")
		token = ""
	}
	restClient, err := rest.NewClient(cfg.API.BaseURL, token, cfg.API.Timeout)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create api client")
	}
	var api statusAPI = restClient
	if cfg.API.BreakerEnabled {
		api = rest.NewBreakerClient(restClient, rest.BreakerConfig{
			MinRequests: cfg.API.BreakerMinRequests,
			FailureRate: cfg.API.BreakerFailureRate,
			Cooldown:    cfg.API.BreakerCooldown,
		})
	}

	tracker := upload.NewTracker(
		upload.WithInvalidator(st),
		upload.WithGrace(cfg.Upload.SessionGrace),
	)
	reconciler := upload.NewReconciler(tracker, api, cfg.Upload.PollInterval, cfg.Upload.PollBatch)

	batcher := moderation.NewBatcher(api,
		moderation.WithDebounce(cfg.Moderation.Debounce),
		moderation.WithMaxBatch(cfg.Moderation.MaxBatch),
	)
	defer batcher.Close()

	deduper := dedup.New(dedup.WithWindows(cfg.Dedup.MediaWindow, cfg.Dedup.GeneralWindow))

	manager := realtime.NewManager(realtime.Config{
		URL:              cfg.Realtime.URL,
		TokenSource:      st,
		ShareToken:       cfg.Realtime.ShareToken,
		Role:             protocol.Role(cfg.Realtime.Role),
		RoomHint:         cfg.Realtime.RoomHint,
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
		ReconnectDelay:   cfg.Realtime.ReconnectDelay,
		PingInterval:     cfg.Realtime.PingInterval,
		ReadTimeout:      cfg.Realtime.ReadTimeout,
	})
	registry := realtime.NewRegistry(manager,
		realtime.WithJoinTimeout(cfg.Realtime.JoinTimeout),
		realtime.WithSyncThrottle(cfg.Realtime.SyncThrottle),
	)
	manager.Observe(registry.OnLifecycle)

	dispatcher := realtime.NewDispatcher(deduper, registry, tracker)
	handlers := wallHandlers()
	manager.SetFrameHandler(func(frame protocol.Frame) {
		dispatcher.Dispatch(frame, handlers)
	})

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if manager.IsAuthenticated() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(
		slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		supervisor.DefaultTreeConfig(),
	)
	tree.AddChannelService(supervisor.NewRealtimeService(manager))
	tree.AddChannelService(supervisor.NewReconcileService(reconciler))
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, supervisor.DefaultTreeConfig().ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	treeErr := tree.ServeBackground(ctx)

	// A wall client configured with a room joins it on startup; the
	// registry rejoins it automatically across reconnects.
	if room := cfg.Realtime.RoomHint; room != "" {
		go func() {
			if err := registry.Subscribe(ctx, room, cfg.Realtime.ShareToken); err != nil {
				logging.Err(err).Str("room", room).Msg("initial room subscription failed")
			}
		}()
	}

	if err := <-treeErr; err != nil && ctx.Err() == nil {
		logging.Err(err).Msg("supervisor tree stopped")
	}
	logging.Info().Msg("snapgather wall client stopped")
}

// wallHandlers returns the event handlers for a headless wall client:
// domain events are logged; a UI embedding the SDK would render them.
func wallHandlers() realtime.Handlers {
	return realtime.Handlers{
		OnNewMedia: func(ev protocol.NewMedia) {
			logging.Info().Str("room", ev.RoomID).Str("media", ev.MediaID).Msg("new media")
		},
		OnMediaRemoved: func(ev protocol.MediaRemoved) {
			logging.Info().Str("room", ev.RoomID).Str("media", ev.MediaID).Msg("media removed")
		},
		OnProcessingComplete: func(ev protocol.ProcessingComplete) {
			logging.Info().Str("room", ev.RoomID).Str("media", ev.MediaID).Msg("processing complete")
		},
		OnUploadProgress: func(ev protocol.UploadProgress) {
			logging.Debug().
				Str("session", ev.SessionID).
				Str("file", ev.FileID).
				Str("stage", ev.Stage).
				Float64("pct", ev.Percentage).
				Msg("upload progress")
		},
		OnViewerCount: func(ev protocol.ViewerCount) {
			logging.Debug().Str("room", ev.RoomID).Int("viewers", ev.Count).Msg("viewer count")
		},
		OnSettingsUpdated: func(ev protocol.SettingsUpdated) {
			logging.Info().Str("room", ev.RoomID).Msg("room settings updated")
		},
		OnError: func(ev protocol.ErrorFrame) {
			logging.Warn().Str("code", ev.Code).Str("room", ev.RoomID).Msg(ev.Message)
		},
	}
}
