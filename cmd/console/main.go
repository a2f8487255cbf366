// cmd/console — 支持台主入口: 事件流 → 周期重建 → HTTP/SSE 服务。
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/it-agent/support-console/internal/agentapi"
	"github.com/it-agent/support-console/internal/config"
	"github.com/it-agent/support-console/internal/cycle"
	"github.com/it-agent/support-console/internal/dashboard"
	"github.com/it-agent/support-console/internal/metrics"
	"github.com/it-agent/support-console/internal/store"
	"github.com/it-agent/support-console/internal/stream"
	"github.com/it-agent/support-console/internal/tracker"
	"github.com/it-agent/support-console/pkg/logger"
	"github.com/it-agent/support-console/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Fatal("log file init failed", logger.Any(logger.FieldError, err))
		}
		defer logger.ShutdownFileHandler()
	}

	db, err := store.Open(cfg.CachePath)
	if err != nil {
		logger.Fatal("event cache init failed", logger.Any(logger.FieldError, err))
	}
	defer db.Close()
	logger.AttachStoreHandler(db)
	defer logger.ShutdownStoreHandler()

	met := metrics.New()
	agent := agentapi.New(cfg.AgentBaseURL, time.Duration(cfg.AgentTimeout)*time.Second)
	engine := cycle.NewEngine(time.Duration(cfg.LivenessWindowMin) * time.Minute)

	var srv *dashboard.Server
	trk := tracker.New(engine, store.NewEventStore(db), met,
		tracker.WithSnapshotHook(func(snap *tracker.Snapshot) {
			if srv != nil {
				srv.PublishSnapshot(snap)
			}
		}))
	if err := trk.Seed(ctx); err != nil {
		logger.Fatal("event cache rehydration failed", logger.Any(logger.FieldError, err))
	}

	ws := stream.New(stream.Config{
		URL:              cfg.AgentWSURL,
		MaxRetries:       cfg.StreamMaxRetries,
		BackoffBase:      time.Duration(cfg.StreamBackoffBaseMS) * time.Millisecond,
		BackoffMax:       time.Duration(cfg.StreamBackoffMaxMS) * time.Millisecond,
		BackoffFactor:    cfg.StreamBackoffFactor,
		HandshakeTimeout: time.Duration(cfg.StreamHandshakeTimeout) * time.Second,
	}, trk.HandleMessage, func(s stream.State, err error) {
		met.SetStreamState(string(s))
		if s == stream.StateReconnecting {
			met.StreamReconnects.Inc()
		}
		if s == stream.StateDown {
			logger.Error("stream permanently down, polling reconciler is the only source now",
				logger.Any(logger.FieldError, err))
		}
	})

	srv = dashboard.NewServer(&dashboard.Deps{
		Agent:          agent,
		Tracker:        trk,
		SystemLog:      store.NewSystemLogStore(db),
		Stream:         ws,
		Metrics:        met,
		SystemLogLimit: cfg.SystemLogLimit,
	})

	trk.Start(ctx)
	ws.Start()
	defer ws.Close()

	rec := tracker.NewReconciler(trk, agent, time.Duration(cfg.ReconcileIntervalSec)*time.Second)
	rec.Start(ctx)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Engine()}
	logger.Info("console starting", logger.FieldListen, cfg.ListenAddr)
	util.SafeGo(func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logger.FieldError, err)
	}
}
