package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ajisaka/mantle"
	"github.com/ajisaka/mantle/ingest"
	"github.com/ajisaka/mantle/internal/config"
	"github.com/ajisaka/mantle/observer"
	"github.com/ajisaka/mantle/sandbox"
	"github.com/ajisaka/mantle/store/postgres"
	"github.com/ajisaka/mantle/store/sqlite"
	"github.com/ajisaka/mantle/tools/file"
	"github.com/ajisaka/mantle/tools/pythonexec"
	"github.com/ajisaka/mantle/tools/search"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("MANTLE_CONFIG"))

	// 2. Store
	var store platformStore
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		defer st.Close()
		store = st
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("init store", "error", err)
		os.Exit(1)
	}

	// 3. Observability
	pricing := make(map[string]mantle.ModelPricing, len(cfg.Tracing.Pricing))
	for model, p := range cfg.Tracing.Pricing {
		pricing[model] = mantle.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	backend := observer.Backend(cfg.Tracing.Backend)
	if !cfg.Tracing.Enabled {
		backend = observer.BackendNone
	}
	inst, shutdownObserver, err := observer.Init(ctx,
		observer.WithBackend(backend),
		observer.WithSampleRate(cfg.Tracing.SampleRate),
		observer.WithRedactPII(cfg.Tracing.RedactPII),
		observer.WithServiceName("mantle"),
		observer.WithPricing(pricing),
		observer.WithSpanStore(store),
	)
	if err != nil {
		logger.Error("init observability", "error", err)
		os.Exit(1)
	}
	tracer := observer.NewTracer(inst)

	// 4. Provider with retry and circuit breaking
	breakers := mantle.NewBreakerRegistry(logger)
	var llm mantle.Provider
	if cfg.LLM.APIKey != "" {
		llm = observer.WrapProvider(mantle.WithRetry(newChatClient(cfg.LLM.APIKey),
			mantle.ProviderBreaker(breakers.GetOrCreate("llm", mantle.DefaultBreakerConfig)),
			mantle.ProviderRetryLogger(logger),
		), inst)
	} else {
		logger.Warn("no LLM API key configured; planning will short-circuit")
	}

	// 5. Sandbox
	runner, err := sandbox.New(sandbox.Mode(strings.ToUpper(cfg.Sandbox.Mode)),
		sandbox.WithTimeout(time.Duration(cfg.Sandbox.TimeoutSec)*time.Second),
		sandbox.WithMemoryLimitMB(cfg.Sandbox.MemoryLimitMB),
		sandbox.WithImage(cfg.Sandbox.Image),
		sandbox.WithPythonBin(cfg.Sandbox.PythonBin),
		sandbox.WithDockerHost(cfg.Sandbox.DockerHost),
		sandbox.WithDockerTLS(cfg.Sandbox.TLSCAFile, cfg.Sandbox.TLSCertFile, cfg.Sandbox.TLSKeyFile),
		sandbox.WithLogger(logger),
	)
	if err != nil {
		logger.Error("init sandbox", "error", err)
		os.Exit(1)
	}

	// 6. Tool registry
	registry := mantle.NewToolRegistry()
	registry.MustRegister("file_read", file.Factory)
	registry.MustRegister("python_execute", func(mantle.ToolConfig) (mantle.Tool, error) {
		return observer.WrapTool(pythonexec.New(runner), inst), nil
	})
	if cfg.Search.APIKey != "" {
		registry.MustRegister("web_search", func(mantle.ToolConfig) (mantle.Tool, error) {
			return observer.WrapTool(search.New(newBraveClient(cfg.Search.APIKey)), inst), nil
		})
	}

	toolCfg := mantle.ToolConfig{}
	if len(cfg.Assistant.AllowedPaths) > 0 {
		toolCfg["allowed_paths"] = cfg.Assistant.AllowedPaths
	}
	tools := make(map[string]mantle.Tool)
	for _, name := range registry.Names() {
		if name == "file_read" && len(cfg.Assistant.AllowedPaths) == 0 {
			continue
		}
		t, err := registry.Create(name, toolCfg)
		if err != nil {
			logger.Warn("skipping tool", "tool", name, "error", err)
			continue
		}
		tools[name] = t
	}

	// 7. Permissions
	perms := mantle.NewPermissionChecker([]mantle.ToolPermission{
		{ToolName: "web_search", SecurityLevel: mantle.SecuritySafe},
		{ToolName: "knowledge_search", SecurityLevel: mantle.SecuritySafe},
		{ToolName: "file_read", SecurityLevel: mantle.SecurityModerate},
		{ToolName: "python_execute", SecurityLevel: mantle.SecurityDangerous, RequiresApproval: true},
	}, mantle.PermissionLogger(logger))
	user := mantle.User{ID: "local", Role: mantle.RoleAdmin}

	// 8. Graph builder
	estimator := mantle.NewCostEstimator(pricing)

	var checkpointer mantle.Checkpointer
	if cfg.Graph.CheckpointingEnabled {
		checkpointer = store
	}

	builder := func(spec mantle.SpecialistConfig, assistant mantle.AssistantConfig) *mantle.Graph {
		specTools := make([]mantle.Tool, 0, len(spec.AllowedTools))
		for _, name := range spec.AllowedTools {
			if t, ok := tools[name]; ok {
				specTools = append(specTools, t)
			}
		}
		planner := mantle.NewPlanner(llm, assistant.Model, specTools, estimator,
			mantle.PlannerTemperature(assistant.Temperature),
			mantle.PlannerLogger(logger))
		executor := mantle.NewToolExecutor(specTools,
			mantle.ExecutorMaxConcurrent(assistant.MaxParallelTools),
			mantle.ExecutorPermissions(perms, user),
			mantle.ExecutorTracer(tracer),
			mantle.ExecutorLogger(logger))
		var reflector *mantle.Reflector
		if assistant.EnableReflection {
			reflector = mantle.NewReflector(llm, assistant.Model, estimator,
				mantle.ReflectorThreshold(assistant.ReflectionThreshold),
				mantle.ReflectorLogger(logger))
		}
		responder := mantle.NewResponder(llm, assistant.Model, estimator,
			mantle.ResponderLogger(logger))
		budget := mantle.NewBudgetChecker(estimator,
			mantle.BudgetSummarizer(llm, assistant.Model),
			mantle.BudgetLogger(logger))

		opts := []mantle.GraphOption{
			mantle.GraphTracer(tracer),
			mantle.GraphLogger(logger),
		}
		if checkpointer != nil {
			opts = append(opts, mantle.GraphCheckpointer(checkpointer))
		}
		return mantle.NewGraph(budget, planner, executor, reflector, responder, opts...)
	}

	// 9. Router and orchestrator
	specialists := defaultSpecialists(registry.Names())
	routerOpts := []mantle.RouterOption{mantle.RouterLogger(logger)}
	if llm != nil {
		routerOpts = append(routerOpts, mantle.RouterLLM(llm, cfg.Assistant.Model))
	}
	router := mantle.NewRouter(specialists, routerOpts...)
	orch := mantle.NewOrchestrator(router, specialists, builder,
		mantle.OrchestratorTracer(tracer),
		mantle.OrchestratorLogger(logger))

	// 10. Ingestion queue
	pipeline := ingest.NewPipeline(&dirSink{dir: "chunks"}, ingest.PipelineLogger(logger))
	handler := persistingHandler(store, pipeline.Handler(), logger)
	var queue mantle.JobQueue
	if cfg.Queue.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		queue = mantle.NewRedisJobQueue(rdb, handler,
			mantle.RedisQueueMaxConcurrent(cfg.Queue.MaxConcurrent),
			mantle.RedisQueueRetries(cfg.Queue.MaxRetries, 0, 0, 0),
			mantle.RedisQueueLogger(logger))
	} else {
		queue = mantle.NewLocalJobQueue(handler,
			mantle.QueueMaxConcurrent(cfg.Queue.MaxConcurrent),
			mantle.QueueRetries(cfg.Queue.MaxRetries, 0, 0, 0),
			mantle.QueueLogger(logger))
	}

	// 11. Run
	assistants := assistantsFor(cfg.Assistant, specialists)
	logger.Info("mantle ready",
		"tools", registry.Names(),
		"sandbox", cfg.Sandbox.Mode,
		"tracing", string(backend),
		"queue", cfg.Queue.Backend)
	repl(ctx, os.Stdin, os.Stdout, orch, assistants, queue, logger)

	// 12. Drain and shut down
	if err := queue.Shutdown(context.Background(), 30*time.Second); err != nil {
		logger.Warn("queue shutdown", "error", err)
	}
	if err := shutdownObserver(context.Background()); err != nil {
		logger.Warn("observer shutdown", "error", err)
	}
}
