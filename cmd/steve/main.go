// Command steve runs the planning core: the task store, goal-binding
// protocol, autonomous executor and the planning HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"steve/internal/bot"
	"steve/internal/cognition"
	"steve/internal/config"
	"steve/internal/dashboard"
	"steve/internal/events"
	"steve/internal/eventstore"
	"steve/internal/executor"
	"steve/internal/goal"
	"steve/internal/guard"
	"steve/internal/logging"
	"steve/internal/observability"
	"steve/internal/prereq"
	"steve/internal/server"
	"steve/internal/sterling"
	"steve/internal/task"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "steve: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load(nil)
	logger := logging.NewComponentLogger("planning")
	logger.Info("planning core starting (mode=%s)", cfg.ExecutorMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	bus := events.NewBus(logging.NewComponentLogger("events"))

	// Persistence is optional; a disabled store is a nil *Store and no-ops.
	var store *eventstore.Store
	if cfg.EventStoreEnabled {
		var err error
		store, err = eventstore.Open(ctx, cfg.DatabaseURL, cfg.WorldSeed, logging.NewComponentLogger("eventstore"))
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer store.Close()
	}

	botClient := bot.NewClient(cfg.BotAPIURL, logging.NewComponentLogger("bot"))
	inventory := bot.NewInventoryProvider(botClient, logging.NewComponentLogger("bot"))

	solver := sterling.NewAdapter(cfg.SterlingURL, logging.NewComponentLogger("sterling"),
		sterling.WithBotContext(&botContext{bot: botClient, inventory: inventory}),
		sterling.WithJoinKeysCompat(cfg.JoinKeysCompat),
	)
	solver.Episodes().SetDebug(cfg.EpisodeDebug)
	if cfg.RigEEnabled {
		solver.SetMacroPlanner(sterling.NewMacroExpander(solver))
	}

	taskStore := task.NewStore(logging.NewComponentLogger("tasks"),
		task.WithPlanner(solver),
		task.WithEmitter(bus),
		task.WithPersister(store),
		task.WithStrictFinalize(cfg.StrictFinalize),
	)

	manager := goal.NewManager(taskStore, logging.NewComponentLogger("goals"))
	var resolver *goal.Resolver
	if cfg.GoalBinding {
		resolver = goal.NewResolver(taskStore, bus, logging.NewComponentLogger("goals"))
		taskStore.SetGoalRouter(resolver)
		taskStore.SetBindingHooks(goal.NewHooks(taskStore, logging.NewComponentLogger("goals")))
	}

	drain := goal.NewDrain(taskStore, &goalStatusLog{logger: logging.NewComponentLogger("goals")},
		logging.NewComponentLogger("drain"))
	taskStore.SetEffectScheduler(drain)
	drain.Start(ctx)
	defer drain.Stop()

	outbox := cognition.NewOutbox(cfg.CognitionURL, logging.NewComponentLogger("cognition"))
	outbox.Start()
	defer outbox.Stop()

	sink := dashboard.NewSink(cfg.DashboardURL, logging.NewComponentLogger("dashboard"))
	sink.Start()
	defer sink.Stop()

	injector := prereq.NewInjector(taskStore, solver, bus, logging.NewComponentLogger("prereq"))

	planner := executor.NewPlanner(cfg, executor.Deps{
		Store:     taskStore,
		Bot:       botClient,
		Inventory: inventory,
		Solver:    solver,
		Injector:  injector,
		Breaker:   guard.NewBreaker(cfg.BreakerOpenFor, logging.NewComponentLogger("breaker")),
		Limiter:   guard.NewStepLimiter(cfg.MaxStepsPerMin),
		Emitter:   bus,
		Metrics:   metrics,
		Threats:   &threatProbe{bot: botClient, logger: logging.NewComponentLogger("threat")},
		Logger:    logging.NewComponentLogger("executor"),
	})
	if cfg.ExecutorEnabled {
		planner.Start()
		defer planner.Shutdown()
	}

	api := server.New(server.Config{
		Addr:           cfg.ListenAddr,
		EmergencyToken: cfg.EmergencyToken,
		Store:          taskStore,
		Resolver:       resolver,
		Manager:        manager,
		Solver:         solver,
		Planner:        planner,
		Bot:            botClient,
		Cognition:      outbox,
		Bus:            bus,
		Gatherer:       registry,
		Logger:         logging.NewComponentLogger("api"),
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(api.ListenAndServe)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		watchTerminalTasks(groupCtx, bus, taskStore, solver, outbox, sink)
		return nil
	})

	return group.Wait()
}

// watchTerminalTasks fans lifecycle events out to the episode reporter, the
// cognition outbox and the dashboard.
func watchTerminalTasks(ctx context.Context, bus *events.Bus, store *task.Store,
	solver *sterling.Adapter, outbox *cognition.Outbox, sink *dashboard.Sink) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			sink.Emit(evt)
			switch evt.Type {
			case events.TypeTaskCompleted, events.TypeTaskFailed:
				t, err := store.Get(evt.TaskID)
				if err != nil {
					continue
				}
				solver.Episodes().ReportTerminal(ctx, store, bus, t)
				outbox.ReviewTask(t.ID, string(t.Status), t.Metadata.FailReason)
				sink.PushTaskUpdate(t.ID, string(t.Status), t.Progress)
			case events.TypeTaskUpdated, events.TypeTaskAdded:
				if evt.TaskID == "" {
					continue
				}
				if t, err := store.Get(evt.TaskID); err == nil {
					sink.PushTaskUpdate(t.ID, string(t.Status), t.Progress)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// botContext supplies world state for solver requests.
type botContext struct {
	bot       *bot.Client
	inventory *bot.InventoryProvider
}

func (b *botContext) FetchBotContext(ctx context.Context) map[string]any {
	out := make(map[string]any)
	if state, err := b.bot.State(ctx); err == nil {
		out["position"] = state.Position
		out["health"] = state.Health
		out["food"] = state.Food
	}
	if items, err := b.inventory.Snapshot(ctx); err == nil {
		out["inventory"] = bot.CountByName(items)
	}
	return out
}

// threatProbe bridges the bot's threat assessment into the executor. A
// failing probe reads as safe; the executor must not stall on a flaky
// assessment endpoint.
type threatProbe struct {
	bot    *bot.Client
	logger logging.Logger
}

func (t *threatProbe) Unsafe(ctx context.Context) (bool, string) {
	threat, err := t.bot.Threat(ctx)
	if err != nil {
		t.logger.Debug("threat probe: %v", err)
		return false, ""
	}
	return threat.Unsafe, threat.Detail
}

// goalStatusLog is the drain's goal-status sink. Goal state lives with the
// goal source service; the planning side records the transition.
type goalStatusLog struct {
	logger logging.Logger
}

func (g *goalStatusLog) UpdateGoalStatus(goalID, status, reason string) {
	if reason != "" {
		g.logger.Info("goal %s -> %s (%s)", goalID, status, reason)
		return
	}
	g.logger.Info("goal %s -> %s", goalID, status)
}
