// Command loom runs the workflow orchestrator daemon. It wires persistence
// (MongoDB or in-memory), the Redis/Pulse event stream, the sidecar session
// manager, the plan sub-engine, and the lease coordinator around the
// execution service.
//
// Configuration is read from a YAML file (see the config package); the path
// defaults to loom.yaml in the working directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/weftworks/loom/config"
	mongostore "github.com/weftworks/loom/features/store/mongo"
	pulsestream "github.com/weftworks/loom/features/stream/pulse"
	pulseclient "github.com/weftworks/loom/features/stream/pulse/clients/pulse"
	"github.com/weftworks/loom/runtime/action"
	"github.com/weftworks/loom/runtime/agent"
	"github.com/weftworks/loom/runtime/consensus"
	"github.com/weftworks/loom/runtime/engine"
	"github.com/weftworks/loom/runtime/lease"
	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/rubric"
	"github.com/weftworks/loom/runtime/service"
	"github.com/weftworks/loom/runtime/sidecar"
	"github.com/weftworks/loom/runtime/store"
	"github.com/weftworks/loom/runtime/store/inmem"
	"github.com/weftworks/loom/runtime/stream"
	"github.com/weftworks/loom/runtime/telemetry"
	"github.com/weftworks/loom/runtime/template"
	"github.com/weftworks/loom/runtime/tools"
)

// defaultSidecarClient names the sidecar session agents and rubric judges are
// routed to until per-tenant routing is configured.
const defaultSidecarClient = "default"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "loom.yaml", "path to the YAML configuration file")
		debugF     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	format := log.FormatJSON
	if cfg.Log.Format == "text" && log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Log.Debug || *debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	serverNodeID, err := lease.LoadOrCreateNodeID(cfg.Server.NodeIDFile)
	if err != nil {
		return fmt.Errorf("server node id: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "starting orchestrator"}, log.KV{K: "server_node_id", V: serverNodeID})

	// Persistence: Mongo when configured, in-memory otherwise.
	var (
		workflows store.WorkflowRepository
		states    store.StateRepository
	)
	if cfg.Mongo.URI != "" {
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Error(ctx, "mongo disconnect failed", "err", err)
			}
		}()
		ms, err := mongostore.New(mongostore.Options{
			Client:   client,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			return fmt.Errorf("mongo store: %w", err)
		}
		workflows, states = ms.Workflows, ms.States
	} else {
		logger.Warn(ctx, "mongo.uri not set, using in-memory repositories")
		workflows = inmem.NewWorkflowRepository()
		states = inmem.NewStateRepository()
	}

	// Event stream: Pulse over Redis when configured.
	var sink stream.Sink
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error(ctx, "redis close failed", "err", err)
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("pulse client: %w", err)
		}
		sink, err = pulsestream.NewSink(pulsestream.Options{Client: pc})
		if err != nil {
			return fmt.Errorf("pulse sink: %w", err)
		}
		defer func() {
			if err := sink.Close(context.Background()); err != nil {
				logger.Error(ctx, "stream sink close failed", "err", err)
			}
		}()
	}

	// Sidecar sessions back agents, planning, and rubric judging.
	sidecars := sidecar.NewManager(
		sidecar.WithRequestTimeout(cfg.Sidecar.RequestTimeout),
		sidecar.WithQueueCapacity(cfg.Sidecar.QueueCapacity),
		sidecar.WithLogger(logger),
	)
	factory := sidecar.NewAgentFactory(sidecars, defaultSidecarClient)
	agents := agent.NewRegistry(factory)

	planner, err := factory("planner", nil)
	if err != nil {
		return fmt.Errorf("planner agent: %w", err)
	}
	judge, err := factory("rubric-judge", nil)
	if err != nil {
		return fmt.Errorf("rubric judge agent: %w", err)
	}

	resolver := template.NewResolver()
	plans := plan.NewEngine(plan.NewAgentPlanner(planner), tools.NewRegistry(), nil,
		plan.WithDefaults(cfg.Plan.MaxSteps, cfg.Plan.MaxReplans),
		plan.WithTelemetry(logger, metrics),
	)

	deps := &engine.Dependencies{
		Workflows:         workflows,
		States:            states,
		Agents:            agents,
		Rubrics:           rubric.NewAgentEvaluator(judge),
		Plans:             plans,
		Consensus:         consensus.NewEvaluator(agents),
		Actions:           action.NewExecutor(resolver),
		Resolver:          resolver,
		ServerNodeID:      serverNodeID,
		BranchConcurrency: cfg.Server.BranchConcurrency,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            tracer,
	}
	svc := service.New(deps, service.WithSink(sink))

	coordinator := lease.NewCoordinator(serverNodeID, states, lease.ResumerFunc(svc.ResumeSnapshot),
		lease.WithIntervals(cfg.Lease.HeartbeatInterval, cfg.Lease.RecoveryInterval, cfg.Lease.StaleThreshold),
		lease.WithTelemetry(logger, metrics),
	)
	coordinator.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: s.String()})

	coordinator.Stop()
	svc.Wait()
	return nil
}
