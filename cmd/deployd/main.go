package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgeforge/deployd/internal/api"
	"github.com/edgeforge/deployd/internal/artifact"
	"github.com/edgeforge/deployd/internal/broker"
	"github.com/edgeforge/deployd/internal/config"
	"github.com/edgeforge/deployd/internal/engine"
	"github.com/edgeforge/deployd/internal/executor"
	"github.com/edgeforge/deployd/internal/gate"
	"github.com/edgeforge/deployd/internal/lifecycle"
	"github.com/edgeforge/deployd/internal/logger"
	"github.com/edgeforge/deployd/internal/registry"
	"github.com/edgeforge/deployd/internal/resolver"
	"github.com/edgeforge/deployd/internal/rollback"
	"github.com/edgeforge/deployd/internal/source"
	"github.com/edgeforge/deployd/internal/status"
	"github.com/edgeforge/deployd/internal/store"
	"github.com/edgeforge/deployd/internal/telemetry"
	"github.com/edgeforge/deployd/pkg/model"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading from system environment")
	}
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("deployd: %v", err)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	zl, err := logger.New(cfg.Env, "deployd", cfg.Log.File)
	if err != nil {
		return err
	}
	defer zl.Sync()

	shutdownTraces, err := telemetry.Init(ctx, "deployd", cfg.Telemetry.Exporter, cfg.Telemetry.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTraces(context.Background()); err != nil {
			zl.Warn("trace exporter shutdown failed", zap.Error(err))
		}
	}()

	st, err := store.Open(cfg.Store.Path, zl)
	if err != nil {
		return err
	}
	defer st.Close()

	recipes, err := registry.LoadDir(cfg.Recipes.Dir)
	if err != nil {
		return err
	}

	bus := lifecycle.NewMemoryBus()
	disp := status.NewDispatcher(zl)
	disp.Attach(&statusLogger{log: zl})

	// The broker is optional. Without NATS the daemon serves local
	// deployments with an in-process runtime; with it, components run
	// under the external supervisor and all sources are live.
	var bk *broker.Broker
	var notifier gate.Notifier = noopNotifier{log: zl}
	var runtime executor.Runtime = &localRuntime{bus: bus, log: zl}
	if cfg.NATS.URL != "" {
		bk, err = broker.Connect(cfg.NATS.URL, zl)
		if err != nil {
			return err
		}
		defer bk.Close()
		if _, err := bk.FeedLifecycle(bus); err != nil {
			return fmt.Errorf("subscribe to lifecycle events: %w", err)
		}
		disp.Attach(bk)
		notifier = bk
		runtime = bk.Runtime(cfg.Deployment.ComponentTimeout)
	} else {
		zl.Warn("nats url not configured, using the in-process runtime")
	}

	g := gate.New(notifier, zl)
	puller := artifact.NewPuller(cfg.Artifacts.Dir, recipes, cfg.Artifacts.Username, cfg.Artifacts.Password, zl)
	exec := executor.New(st, recipes, puller, runtime, g, bus, zl, executor.Config{
		ComponentTimeout:      cfg.Deployment.ComponentTimeout,
		FailFastOnConfigError: cfg.Deployment.FailFastOnConfigError,
	})
	rb := rollback.New(exec, zl)
	eng := engine.New(st, resolver.NewVersionResolver(recipes), exec, rb, g, disp, zl)

	if err := eng.Restore(); err != nil {
		return fmt.Errorf("restore queued deployments: %w", err)
	}

	if cfg.Inbox.Dir != "" {
		inbox := source.NewInbox(cfg.Inbox.Dir, eng, zl)
		if err := inbox.Start(); err != nil {
			return fmt.Errorf("start inbox watcher: %w", err)
		}
		defer inbox.Stop()
	}
	if cfg.GitOps.URL != "" {
		gitops := source.NewGitOps(source.GitOpsConfig{
			URL:      cfg.GitOps.URL,
			Branch:   cfg.GitOps.Branch,
			Token:    cfg.GitOps.Token,
			Dir:      cfg.GitOps.Dir,
			Path:     cfg.GitOps.Path,
			Interval: cfg.GitOps.Interval,
		}, eng, zl)
		if err := gitops.Start(); err != nil {
			return fmt.Errorf("start gitops source: %w", err)
		}
		defer gitops.Stop()
	}
	if bk != nil {
		if _, err := source.ListenJobs(bk, eng, zl); err != nil {
			return fmt.Errorf("subscribe to job notices: %w", err)
		}
		if _, err := source.ListenShadow(bk, eng, zl); err != nil {
			return fmt.Errorf("subscribe to shadow deltas: %w", err)
		}
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.NewServer(eng, disp)),
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return eng.Run(gctx) })
	grp.Go(func() error {
		zl.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Deployment.ShutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if bk != nil {
		grp.Go(func() error {
			heartbeats(gctx, bk, eng, zl)
			return nil
		})
	}

	zl.Info("deployd started",
		zap.String("store", cfg.Store.Path),
		zap.String("recipes", cfg.Recipes.Dir),
		zap.Int("known components", len(recipes.Components())))

	err = grp.Wait()
	zl.Info("deployd stopped")
	return err
}

// heartbeats announces liveness over NATS until the context ends.
func heartbeats(ctx context.Context, bk *broker.Broker, eng *engine.Engine, zl *zap.Logger) {
	host, _ := os.Hostname()
	started := time.Now()
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			hb := model.Heartbeat{
				DeviceID:          host,
				QueueDepth:        eng.QueueDepth(),
				CurrentDeployment: eng.CurrentID(),
				UptimeSec:         int64(time.Since(started).Seconds()),
				Timestamp:         time.Now().UnixMilli(),
			}
			if err := bk.PublishHeartbeat(hb); err != nil {
				zl.Warn("heartbeat not delivered", zap.Error(err))
			}
		}
	}
}

// statusLogger mirrors every status transition into the service log.
type statusLogger struct {
	log *zap.Logger
}

func (s *statusLogger) Report(up model.StatusUpdate) {
	s.log.Info("deployment status",
		zap.String("deployment", up.DeploymentID),
		zap.String("source", up.Source),
		zap.String("status", string(up.Status)),
		zap.String("detail", string(up.Detail)),
		zap.String("message", up.Message))
}
