package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/adminapi"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/health"
	"github.com/talkincode/wagate/internal/queue"
	"github.com/talkincode/wagate/internal/registry"
	"github.com/talkincode/wagate/internal/webserver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	confFile = flag.String("c", "/etc/wagate.yml", "config file path")
	initDB   = flag.Bool("initdb", false, "drop and recreate database tables, then exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*confFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init application: %v\n", err)
		os.Exit(1)
	}
	defer application.Release()

	if *initDB {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.New(ctx, application.DB(), application.Bus(), cfg.Database.Type)
	if err != nil {
		zap.L().Fatal("registry init failed", zap.Error(err))
	}

	healthEngine := health.New(cfg.Health, application.Redis(), application.DB(), reg)
	if err := application.Bus().Subscribe(registry.TopicDeviceActivity, healthEngine.OnDeviceActivity); err != nil {
		zap.L().Fatal("event bus subscribe failed", zap.Error(err))
	}

	deliveryQueue, err := queue.New(cfg.Queue, application.Redis(),
		app.NewRegistryDeviceProvider(reg), healthEngine, healthEngine, cfg.System.WorkerID)
	if err != nil {
		zap.L().Fatal("queue init failed", zap.Error(err))
	}

	healthEngine.Start(ctx)
	deliveryQueue.Start(ctx)

	ws := webserver.New(cfg.Web)
	adminapi.Register(ws, &adminapi.Handler{
		Queue:    deliveryQueue,
		Health:   healthEngine,
		Registry: reg,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reg.Start(gctx)
	})
	g.Go(func() error {
		return ws.Listen()
	})
	g.Go(func() error {
		<-gctx.Done()
		return ws.Shutdown(context.Background())
	})

	zap.L().Info("wagate started",
		zap.String("listen", fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)))

	if err := g.Wait(); err != nil && err != context.Canceled {
		zap.L().Error("service stopped with error", zap.Error(err))
	}

	deliveryQueue.Stop()
	healthEngine.Stop()
	zap.L().Info("wagate stopped")
}
