// Command orbitd runs the agent session worker. It hosts the durable session
// workflow and its activities, the human-in-the-loop response consumer, the
// sandbox lifecycle service and the built-in tool registry.
//
// Backends are selected by the configuration file: Redis backs the event
// stream, distributed locks and the tool cache; Mongo backs the durable
// stores; Temporal backs the workflow engine. Any of the three can be left
// unset, in which case the worker substitutes its in-process implementation,
// which is how development environments run.
//
// The process serves /healthz and /livez on the configured HTTP address and,
// with -debug, the pprof and debug-log endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"goa.design/orbit/broker"
	brokerinmem "goa.design/orbit/broker/inmem"
	brokerredis "goa.design/orbit/broker/redis"
	"goa.design/orbit/checkpoint"
	checkpointinmem "goa.design/orbit/checkpoint/inmem"
	checkpointmongo "goa.design/orbit/checkpoint/mongo"
	"goa.design/orbit/engine"
	engineinmem "goa.design/orbit/engine/inmem"
	enginetemporal "goa.design/orbit/engine/temporal"
	"goa.design/orbit/eventlog"
	eventloginmem "goa.design/orbit/eventlog/inmem"
	eventlogmongo "goa.design/orbit/eventlog/mongo"
	"goa.design/orbit/hitl"
	hitlinmem "goa.design/orbit/hitl/inmem"
	hitlmongo "goa.design/orbit/hitl/mongo"
	"goa.design/orbit/kvcache"
	kvcacheinmem "goa.design/orbit/kvcache/inmem"
	kvcacheredis "goa.design/orbit/kvcache/redis"
	"goa.design/orbit/lock"
	lockinmem "goa.design/orbit/lock/inmem"
	lockredis "goa.design/orbit/lock/redis"
	"goa.design/orbit/model"
	modelanthropic "goa.design/orbit/model/anthropic"
	"goa.design/orbit/model/middleware"
	modelopenai "goa.design/orbit/model/openai"
	"goa.design/orbit/sandbox"
	sandboxdocker "goa.design/orbit/sandbox/docker"
	sandboxinmem "goa.design/orbit/sandbox/inmem"
	sandboxmongo "goa.design/orbit/sandbox/mongo"
	"goa.design/orbit/session"
	"goa.design/orbit/telemetry"
	"goa.design/orbit/tools"
	"goa.design/orbit/tools/builtin"
	toolsmongo "goa.design/orbit/tools/mongo"
	"goa.design/orbit/workflow"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		httpF   = flag.String("http", "", "Health endpoint address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Enable debug endpoints and debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *httpF != "" {
		cfg.HTTP.Addr = *httpF
	}

	if err := run(ctx, cfg, *dbgF); err != nil {
		log.Fatalf(ctx, err, "orbitd")
	}
}

func run(ctx context.Context, cfg *Config, dbg bool) error {
	logger := telemetry.NewClueLogger()

	var pingers []health.Pinger

	// Streams, locks and caches: Redis in production, in-process otherwise.
	var (
		bkr    broker.Broker
		locker lock.Locker
		cache  kvcache.Cache
		rdb    *goredis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pingers = append(pingers, redisPinger{client: rdb})
		var err error
		if bkr, err = brokerredis.New(brokerredis.Options{Client: rdb}); err != nil {
			return fmt.Errorf("redis broker: %w", err)
		}
		if locker, err = lockredis.New(rdb); err != nil {
			return fmt.Errorf("redis locker: %w", err)
		}
		if cache, err = kvcacheredis.New(rdb, "orbit"); err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
	} else {
		bkr = brokerinmem.New()
		locker = lockinmem.New()
		cache = kvcacheinmem.New()
	}

	// Durable stores: Mongo in production, in-memory otherwise.
	var (
		evlog        eventlog.Log
		checkpoints  checkpoint.Store
		pending      hitl.Store
		sandboxStore sandbox.Store
		recorder     tools.Recorder
	)
	if cfg.Mongo.URI != "" {
		cli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := cli.Disconnect(context.Background()); err != nil {
				log.Printf(ctx, "disconnect mongo: %v", err)
			}
		}()
		l, err := eventlogmongo.New(eventlogmongo.Options{Client: cli, Database: cfg.Mongo.Database})
		if err != nil {
			return fmt.Errorf("event log: %w", err)
		}
		evlog = l
		pingers = append(pingers, l)
		if checkpoints, err = checkpointmongo.New(checkpointmongo.Options{Client: cli, Database: cfg.Mongo.Database}); err != nil {
			return fmt.Errorf("checkpoint store: %w", err)
		}
		if pending, err = hitlmongo.New(hitlmongo.Options{Client: cli, Database: cfg.Mongo.Database}); err != nil {
			return fmt.Errorf("hitl store: %w", err)
		}
		st, err := sandboxmongo.New(sandboxmongo.Options{Client: cli, Database: cfg.Mongo.Database})
		if err != nil {
			return fmt.Errorf("sandbox store: %w", err)
		}
		sandboxStore = st
		pingers = append(pingers, st)
		rec, err := toolsmongo.New(toolsmongo.Options{Client: cli, Database: cfg.Mongo.Database})
		if err != nil {
			return fmt.Errorf("tool audit recorder: %w", err)
		}
		recorder = rec
	} else {
		evlog = eventloginmem.New()
		checkpoints = checkpointinmem.New()
		pending = hitlinmem.New()
		sandboxStore = sandboxinmem.New()
	}

	// Model client with adaptive rate limiting. When Redis is configured the
	// limiter coordinates its budget across worker processes.
	apiKey := os.Getenv(cfg.Model.APIKeyEnv)
	if apiKey == "" {
		return fmt.Errorf("model API key: %s is not set", cfg.Model.APIKeyEnv)
	}
	var (
		client model.Client
		err    error
	)
	switch cfg.Model.Provider {
	case "anthropic":
		client, err = modelanthropic.NewFromAPIKey(apiKey, cfg.Model.Name)
	case "openai":
		client, err = modelopenai.NewFromAPIKey(apiKey, cfg.Model.Name)
	}
	if err != nil {
		return fmt.Errorf("model client: %w", err)
	}
	var rateMap *rmap.Map
	if rdb != nil {
		if rateMap, err = rmap.Join(ctx, "orbit:model:rate", rdb); err != nil {
			return fmt.Errorf("join rate map: %w", err)
		}
		defer rateMap.Close()
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, rateMap, cfg.Model.Provider, cfg.Model.InitialTPM, cfg.Model.MaxTPM)
	client = limiter.Middleware()(client)

	// Human-in-the-loop request registry and its response consumer.
	requests, err := hitl.NewRegistry(hitl.RegistryOptions{
		Store:          pending,
		Broker:         bkr,
		Logger:         logger,
		DefaultTimeout: time.Duration(cfg.HITL.DefaultTimeout),
	})
	if err != nil {
		return fmt.Errorf("hitl registry: %w", err)
	}
	defer requests.Close()

	// Project sandboxes.
	var sandboxes *sandbox.Service
	if cfg.Sandbox.Enabled {
		adapter, err := sandboxdocker.New(sandboxdocker.Options{DefaultImage: cfg.Sandbox.Image})
		if err != nil {
			return fmt.Errorf("docker adapter: %w", err)
		}
		if sandboxes, err = sandbox.NewService(sandbox.ServiceOptions{
			Store:   sandboxStore,
			Adapter: adapter,
			Locker:  locker,
			Logger:  logger,
		}); err != nil {
			return fmt.Errorf("sandbox service: %w", err)
		}
		if err := sandboxes.Reconcile(ctx, sandbox.ReconcilePolicy{
			Adopt:        cfg.Sandbox.AdoptOrphans,
			MaxOrphanAge: time.Duration(cfg.Sandbox.MaxOrphanAge),
		}); err != nil {
			log.Printf(ctx, "sandbox reconcile: %v", err)
		}
	}

	// Tool registry and executor.
	registry := tools.NewRegistry()
	if err := builtin.RegisterTodo(registry); err != nil {
		return err
	}
	if err := builtin.RegisterHITL(registry, builtin.HITLOptions{
		Requests: requests,
		Log:      evlog,
		Broker:   bkr,
		Timeout:  time.Duration(cfg.HITL.DefaultTimeout),
		Logger:   logger,
	}); err != nil {
		return err
	}
	if sandboxes != nil {
		if err := builtin.RegisterSandbox(registry, builtin.SandboxOptions{Sandboxes: sandboxes}); err != nil {
			return err
		}
	}
	if cfg.Tools.WebScrape {
		if err := builtin.RegisterWeb(registry, builtin.WebOptions{
			Scraper: builtin.NewHTTPScraper(nil, 0),
			Cache:   cache,
			Logger:  logger,
		}); err != nil {
			return err
		}
	}

	execOpts := []tools.Option{
		tools.WithPolicy(tools.Policy{
			AllowCommandExecution: cfg.Tools.AllowCommandExecution,
			Denied:                cfg.Tools.Denied,
		}),
		tools.WithLogger(logger),
	}
	if recorder != nil {
		execOpts = append(execOpts, tools.WithRecorder(recorder))
	}
	if d := time.Duration(cfg.Tools.CallTimeout); d > 0 {
		execOpts = append(execOpts, tools.WithCallTimeout(d))
	}
	executor := tools.NewExecutor(registry, execOpts...)

	// Turn processor and session activities.
	processor, err := session.NewProcessor(session.Options{
		Model:               client,
		Executor:            executor,
		Log:                 evlog,
		Broker:              bkr,
		Checkpoints:         checkpoints,
		ModelName:           cfg.Model.Name,
		SystemPrompt:        cfg.Session.SystemPrompt,
		Temperature:         cfg.Session.Temperature,
		MaxTokens:           cfg.Session.MaxTokens,
		MaxSteps:            cfg.Session.MaxSteps,
		CompactTokenLimit:   cfg.Session.CompactTokenLimit,
		PersistDeltas:       cfg.Session.PersistDeltas,
		PromptTokenCost:     cfg.Session.PromptTokenCost,
		CompletionTokenCost: cfg.Session.CompletionTokenCost,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("turn processor: %w", err)
	}

	actOpts := workflow.ActivitiesOptions{
		Processor: processor,
		Registry:  registry,
		Broker:    bkr,
		Logger:    logger,
	}
	if sandboxes != nil {
		actOpts.Sandboxes = sandboxes
		actOpts.SandboxProfile = sandbox.Profile{
			Image:       cfg.Sandbox.Image,
			ProjectPath: cfg.Sandbox.ProjectRoot,
		}
	}
	acts, err := workflow.NewActivities(actOpts)
	if err != nil {
		return fmt.Errorf("session activities: %w", err)
	}

	// Workflow engine and registration.
	var eng engine.Engine
	if cfg.Temporal.HostPort != "" {
		te, err := enginetemporal.New(enginetemporal.Options{
			ClientOptions: &temporalclient.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
			},
			TaskQueue: cfg.Temporal.TaskQueue,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("temporal engine: %w", err)
		}
		eng = te
	} else {
		eng = engineinmem.New()
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Printf(ctx, "close engine: %v", err)
		}
	}()
	if err := workflow.Register(ctx, eng, cfg.Temporal.TaskQueue, acts); err != nil {
		return fmt.Errorf("register session workflow: %w", err)
	}
	if te, ok := eng.(*enginetemporal.Engine); ok {
		te.Start()
		log.Printf(ctx, "session workers polling queue %q", cfg.Temporal.TaskQueue)
	}

	// Health and debug endpoints.
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	if dbg {
		debug.MountPprofHandlers(mux)
		debug.MountDebugLogEnabler(mux)
	}
	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	// Stop on SIGINT/SIGTERM or on server failure.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "health endpoints listening on %q", cfg.HTTP.Addr)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// redisPinger reports Redis connectivity to the health checker.
type redisPinger struct {
	client *goredis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
