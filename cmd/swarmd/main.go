// Package main provides the CLI entry point for swarmd, one node of the
// agent swarm orchestrator.
//
// Start a node:
//
//	swarmd serve --config swarmd.yaml --port 8000
//
// Environment variables used by the default config:
//
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / AWS credentials: model provider auth
//   - SWARMD_JWT_SIGNING_KEY: shared inter-node dispatch signing secret
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/internal/compaction"
	"github.com/agentmesh/swarmd/internal/config"
	"github.com/agentmesh/swarmd/internal/dispatch"
	"github.com/agentmesh/swarmd/internal/gateway"
	"github.com/agentmesh/swarmd/internal/observability"
	"github.com/agentmesh/swarmd/internal/providers/anthropic"
	"github.com/agentmesh/swarmd/internal/providers/bedrock"
	"github.com/agentmesh/swarmd/internal/providers/openai"
	"github.com/agentmesh/swarmd/internal/registry"
	"github.com/agentmesh/swarmd/internal/sessionstore"
	"github.com/agentmesh/swarmd/internal/skills"
)

// Build information, populated by ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	portFlag   int
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "swarmd",
		Short:        "swarmd runs one node of the agent swarm orchestrator",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "swarmd.yaml", "path to the node's YAML config file")
	root.AddCommand(buildServeCmd(), buildConfigCmd(), buildRegistryCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start this node: register with the swarm and serve the HTTP facade",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&portFlag, "port", 0, "override server.port from the config file")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "inspect node configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "print the node config's JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Println(string(schema))
			return nil
		},
	})
	return cmd
}

// buildRegistryCmd is a read-only inspection subcommand: it opens a node's
// registry database file directly (no running node required) and prints the
// nodes table, for operators debugging why a peer isn't showing up in
// dispatch_task's candidate list.
func buildRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "registry", Short: "inspect a node's peer registry database"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "print every row in the registry's nodes table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printRegistry(cfg.Registry.DSN)
		},
	})
	return cmd
}

func printRegistry(dsn string) error {
	store, err := registry.OpenSQLiteStore(dsn)
	if err != nil {
		return fmt.Errorf("swarmd: open registry store: %w", err)
	}
	defer store.Close()

	peers, err := store.List(context.Background())
	if err != nil {
		return fmt.Errorf("swarmd: list nodes: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tURL\tSTATUS\tLAST_SEEN")
	for _, p := range peers {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.Port, p.URL, p.Status, p.LastSeen.Format(time.RFC3339))
	}
	return w.Flush()
}

// node bundles every long-lived collaborator started by runServe, so
// shutdown can unwind them in reverse dependency order.
type node struct {
	cfg      *config.Config
	logger   *observability.Logger
	tracer   *observability.Tracer
	shutdown func(context.Context) error

	reg        *registry.Registry
	regStore   *registry.SQLiteStore
	sessStore  *sessionstore.SQLiteStore
	skillMgr   *skills.Manager
	gatewaySrv *gateway.Server
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	n, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	n.logger.Info(ctx, "shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	return n.close(shutdownCtx)
}

func bootstrap(ctx context.Context, cfg *config.Config) (*node, error) {
	logger := observability.MustNewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})
	metrics := observability.NewMetrics()

	// Export this node's own port into the process environment
	// so out-of-process tooling launched by skills can read it for
	// self-identification; in-process components get it via constructor
	// injection instead.
	_ = os.Setenv("SWARMD_NODE_PORT", strconv.Itoa(cfg.Server.Port))

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("swarmd: create data dir: %w", err)
	}

	regStore, err := registry.OpenSQLiteStore(cfg.Registry.DSN)
	if err != nil {
		return nil, fmt.Errorf("swarmd: open registry store: %w", err)
	}

	selfURL := cfg.Node.SelfHost
	if selfURL == "" {
		selfURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	reg := registry.New(regStore, cfg.Server.Port, selfURL, nil).WithMetrics(metrics)
	registerCtx, cancelRegister := context.WithTimeout(ctx, cfg.Registry.RegisterTimeout)
	defer cancelRegister()
	if err := reg.RegisterSelf(registerCtx); err != nil {
		logger.Warn(ctx, "registry self-registration failed, continuing standalone", "error", err)
	}

	sessPath := sessionstore.DBPathForPort(cfg.Session.DataDir, cfg.Server.Port)
	sessStore, err := sessionstore.OpenSQLiteStore(sessPath)
	if err != nil {
		return nil, fmt.Errorf("swarmd: open session store: %w", err)
	}

	skillMgr := skills.NewManager(cfg.Skills.Dir)
	if err := skillMgr.Discover(ctx); err != nil {
		logger.Warn(ctx, "skill discovery failed", "error", err)
	}
	if cfg.Skills.HotReload {
		if err := skillMgr.StartWatching(ctx); err != nil {
			logger.Warn(ctx, "skill hot-reload disabled", "error", err)
		}
	}

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("swarmd: build LLM provider: %w", err)
	}

	auxModel := cfg.LLM.AuxiliaryModel
	if auxModel == "" {
		auxModel = cfg.LLM.Model
	}
	summarizer := agent.NewProviderSummarizer(provider, auxModel)
	compactionCfg := compaction.Config{
		ContextWindowTokens:      cfg.LLM.ContextWindow,
		StructuralEventThreshold: cfg.Compaction.StructuralEventThreshold,
		MinEventsForCompaction:   cfg.Compaction.MinEventsForCompaction,
	}
	runtime := agent.NewRuntime(provider, sessStore, summarizer, compactionCfg, cfg.LLM.Model, defaultSystemPrompt).WithMetrics(metrics)

	signer := dispatch.NewSigner(cfg.Dispatch.JWTSigningKey, 30*time.Second)
	peerClient := dispatch.NewPeerClient(signer, cfg.Server.Port, cfg.Dispatch.ChatTimeout)

	nodeID := fmt.Sprintf("swarmd-%d", cfg.Server.Port)
	srv := gateway.NewServer(gateway.Deps{
		Config:       cfg,
		Runtime:      runtime,
		Store:        sessStore,
		Registry:     reg,
		Signer:       signer,
		Client:       peerClient,
		Skills:       skillMgr,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
		NodeID:       nodeID,
		SystemPrompt: defaultSystemPrompt,
	})
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}

	logger.Info(ctx, "node started", "port", cfg.Server.Port, "node_id", nodeID, "provider", provider.Name())

	return &node{
		cfg:        cfg,
		logger:     logger,
		tracer:     tracer,
		shutdown:   shutdownTracer,
		reg:        reg,
		regStore:   regStore,
		sessStore:  sessStore,
		skillMgr:   skillMgr,
		gatewaySrv: srv,
	}, nil
}

// close tears down every collaborator in reverse dependency order: stop
// accepting new HTTP requests, deregister from the shared registry, then close storage.
func (n *node) close(ctx context.Context) error {
	if err := n.gatewaySrv.Stop(ctx); err != nil {
		n.logger.Warn(ctx, "gateway shutdown error", "error", err)
	}
	if err := n.reg.DeregisterSelf(ctx); err != nil {
		n.logger.Warn(ctx, "registry deregistration failed", "error", err)
	}
	_ = n.skillMgr.Close()
	_ = n.sessStore.Close()
	_ = n.regStore.Close()
	if n.shutdown != nil {
		_ = n.shutdown(ctx)
	}
	return nil
}

// defaultSystemPrompt is the node's fixed system prompt. It has no
// skill-routing list baked in statically; the skill manager's phase-1
// snapshot is the model's menu of what it can skill_load.
const defaultSystemPrompt = "You are a node in a distributed agent swarm. " +
	"You can execute tasks directly, load additional skills with skill_load, " +
	"or delegate sub-tasks to peer nodes with dispatch_task/dispatch_batch " +
	"when a task decomposes into independent pieces."

func buildProvider(ctx context.Context, cfg *config.Config) (agent.LLMProvider, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:       cfg.LLM.Anthropic.APIKey,
			DefaultModel: cfg.LLM.Model,
		})
	case "openai":
		return openai.New(openai.Config{
			APIKey:       cfg.LLM.OpenAI.APIKey,
			DefaultModel: cfg.LLM.Model,
		})
	case "bedrock":
		return bedrock.New(ctx, bedrock.Config{
			Region:          cfg.LLM.Bedrock.Region,
			AccessKeyID:     cfg.LLM.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.LLM.Bedrock.SecretAccessKey,
			DefaultModel:    cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("swarmd: unknown llm.provider %q", cfg.LLM.Provider)
	}
}
