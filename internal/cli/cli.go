package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stanchev/swarmflow/internal/config"
	internal_http "github.com/stanchev/swarmflow/internal/http"
	"github.com/stanchev/swarmflow/internal/log"
	"github.com/stanchev/swarmflow/internal/monitor"
	internal_storage "github.com/stanchev/swarmflow/internal/storage"
	"github.com/stanchev/swarmflow/pkg/events"
	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, heartbeat monitor and diagnostic loops",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustDBFlag(cmd)
			cfgPath, _ := cmd.Flags().GetString("config")
			if err := serve(dbConnStr, cfgPath); err != nil {
				log.GetLogger().Errorf("Server exited: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("config", "", "Path to a YAML config file (optional)")

	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			goal, _ := cmd.Flags().GetString("goal")
			phase, _ := cmd.Flags().GetString("phase")
			svc := service.NewWorkflowService(store, service.SystemClock(), log.GetLogger())
			id, err := svc.CreateWorkflow(context.Background(), args[0], goal, phase)
			if err != nil {
				log.GetLogger().Errorf("Failed to create workflow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to create workflow: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created workflow '%s' with ID %d\n", args[0], id)
		},
	}
	createCmd.Flags().String("goal", "", "Workflow goal text")
	createCmd.Flags().String("phase", "", "Initial phase of the workflow")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			svc := service.NewWorkflowService(store, service.SystemClock(), log.GetLogger())
			workflows, err := svc.ListWorkflows()
			if err != nil {
				log.GetLogger().Errorf("Failed to list workflows: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list workflows: %v\n", err)
				os.Exit(1)
			}
			if len(workflows) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Workflows:\n")
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Phase: %s, Status: %s, Created: %s\n",
					wf.ID, wf.Name, wf.PhaseID, wf.Status, wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update [id] [status]",
		Short: "Update a workflow's status",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing id as number: %v\n", err)
				os.Exit(1)
			}
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			svc := service.NewWorkflowService(store, service.SystemClock(), log.GetLogger())
			if err := svc.UpdateWorkflowStatus(context.Background(), id, args[1]); err != nil {
				log.GetLogger().Errorf("Failed to update workflow status: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to update workflow status: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Updated the status of the workflow with ID %d to '%s'\n", id, args[1])
		},
	}

	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			agents, err := store.ListAgents()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to list agents: %v\n", err)
				os.Exit(1)
			}
			if len(agents) == 0 {
				fmt.Fprintf(os.Stdout, "No agents registered.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Agents:\n")
			for _, a := range agents {
				fmt.Fprintf(os.Stdout, "- ID: %s, Phase: %s, Status: %s, Missed: %d, Capabilities: %v\n",
					a.ID, a.PhaseID, a.Status, a.MissedHeartbeats, []string(a.Capabilities))
			}
		},
	}

	transitionsCmd := &cobra.Command{
		Use:   "transitions [agent-id]",
		Short: "Show the status audit trail of an agent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			transitions, err := store.ListTransitions(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to list transitions: %v\n", err)
				os.Exit(1)
			}
			for _, tr := range transitions {
				fmt.Fprintf(os.Stdout, "- %s: %s -> %s (%s, by %s)\n",
					tr.CreatedAt.Format(time.RFC3339), tr.FromStatus, tr.ToStatus, tr.Reason, tr.Initiator)
			}
		},
	}

	rootCmd.AddCommand(serveCmd, createCmd, listCmd, updateCmd, agentsCmd, transitionsCmd)
}

// serve wires the full core and runs the HTTP server plus the tick loops
// under one cancellable group.
func serve(dbConnStr, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		return errors.Wrap(err, "failed to initialize store")
	}
	defer store.Close()

	logger := log.GetLogger()
	clock := service.SystemClock()
	bus := events.NewBus()
	defer bus.Close()
	sink := events.NewGuardedSink(events.LogSink{Logger: log.WithComponent("event-sink")}, log.WithComponent("event-sink"))
	publisher := events.Fanout{bus, sink}

	registry := service.NewAgentRegistry(store, clock, publisher, logger)
	scorer := service.NewTaskScorer(cfg.Scorer)
	scheduler := service.NewTaskScheduler(store, scorer, registry, clock, publisher, logger)
	heartbeats := service.NewHeartbeatMonitor(store, registry, scheduler, clock, publisher, logger, cfg.Monitor)
	// In-place restarts need a process supervisor, which this deployment
	// does not carry; every failure runs the ladder and escalates.
	spawner := service.SpawnerFunc(func(ctx context.Context, agent models.Agent) error {
		return errors.Errorf("no supervisor available to restart agent %s", agent.ID)
	})
	restarts := service.NewRestartOrchestrator(store, registry, spawner, publisher, logger, cfg.Restart)
	heartbeats.SetRestartHandler(restarts)
	diagnostic := service.NewStuckWorkflowDiagnostic(store, scheduler, clock, publisher, logger, cfg.Diagnostic)
	workflows := service.NewWorkflowService(store, clock, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return internal_http.NewServer(workflows, scheduler, registry, heartbeats, diagnostic).Start(ctx, cfg.Port)
	})
	g.Go(func() error {
		return monitor.NewRunner(heartbeats, diagnostic).Start(ctx,
			"@every "+cfg.MonitorInterval, "@every "+cfg.DiagnosticInterval)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func mustDBFlag(cmd *cobra.Command) string {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if dbConnStr == "" {
		dbConnStr, err = config.DBConnStr()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: --db flag or DB_* env vars required: %v\n", err)
			os.Exit(1)
		}
	}
	return dbConnStr
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
