// Command orchestrator runs the mainloop control plane: the durable workflow
// engine workers, the HTTP facade, and the clients they share.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/mainloop-ai/mainloop/config"
	"github.com/mainloop-ai/mainloop/features/bus"
	redisbus "github.com/mainloop-ai/mainloop/features/bus/redis"
	"github.com/mainloop-ai/mainloop/features/forge/github"
	"github.com/mainloop-ai/mainloop/features/sandbox"
	k8ssandbox "github.com/mainloop-ai/mainloop/features/sandbox/kubernetes"
	"github.com/mainloop-ai/mainloop/features/store"
	memorystore "github.com/mainloop-ai/mainloop/features/store/memory"
	pgstore "github.com/mainloop-ai/mainloop/features/store/postgres"
	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
	"github.com/mainloop-ai/mainloop/runtime/engine/inmem"
	"github.com/mainloop-ai/mainloop/runtime/engine/temporal"
	"github.com/mainloop-ai/mainloop/runtime/orchestrator"
	"github.com/mainloop-ai/mainloop/runtime/telemetry"
	"github.com/mainloop-ai/mainloop/transport/httpapi"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := *configPath
	if path == "" {
		path = os.Getenv("MAINLOOP_CONFIG")
	}
	if err := run(ctx, path); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf(ctx, err, "orchestrator exited")
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	forgeClient, err := github.New(github.Options{
		Token:             cfg.Forge.Token,
		BaseURL:           cfg.Forge.BaseURL,
		RequestsPerSecond: cfg.Forge.RequestsPerSecond,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("forge client: %w", err)
	}

	launcher, err := buildSandbox(cfg, logger)
	if err != nil {
		return err
	}

	eventBus, closeBus, err := buildBus(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer closeBus()

	eng, closeEngine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	orch, err := orchestrator.New(orchestrator.Deps{
		Engine:  eng,
		Store:   st,
		Forge:   forgeClient,
		Sandbox: launcher,
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	}, orchestrator.Config{
		CallbackBaseURL: cfg.HTTP.CallbackBaseURL,
		AgentHandle:     cfg.Forge.AgentHandle,
	})
	if err != nil {
		return err
	}
	if err := orch.Register(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           log.HTTP(ctx)(httpapi.New(orch, logger).Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof(gctx, "http listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store.Kind == "memory" {
		return memorystore.New(), func() {}, nil
	}
	pg, err := pgstore.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, func() { pg.Close() }, nil
}

func buildSandbox(cfg *config.Config, logger telemetry.Logger) (sandbox.Launcher, error) {
	restCfg, err := kubeConfig(cfg.Sandbox.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	clients, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return k8ssandbox.New(clients, k8ssandbox.Options{
		SourceNamespace: cfg.Sandbox.SourceNamespace,
		Image:           cfg.Sandbox.Image,
		ServiceAccount:  cfg.Sandbox.ServiceAccount,
		SecretsToCopy:   cfg.Sandbox.SecretsToCopy,
		SecretName:      cfg.Sandbox.SecretName,
		Logger:          logger,
	})
}

func kubeConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

func buildBus(cfg *config.Config, logger telemetry.Logger, metrics telemetry.Metrics) (bus.Bus, func(), error) {
	if cfg.Bus.Kind == "redis" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Bus.RedisAddr})
		return redisbus.New(rdb, logger, metrics), func() { _ = rdb.Close() }, nil
	}
	return bus.NewInProcess(metrics), func() {}, nil
}

func buildEngine(cfg *config.Config, logger telemetry.Logger) (engine.Engine, func(), error) {
	if cfg.Engine.Kind == "inmem" {
		return inmem.New(inmem.Options{}), func() {}, nil
	}
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{
			HostPort:  cfg.Engine.HostPort,
			Namespace: cfg.Engine.Namespace,
		},
		AppVersion: cfg.AppVersion,
		Queues: []temporal.QueueConfig{
			{Name: api.QueueWorkerTasks},
			{Name: api.QueueMainThreads},
		},
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, func() { _ = eng.Close() }, nil
}
