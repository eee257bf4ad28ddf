package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mnemos/internal/cache"
	"mnemos/internal/classify"
	"mnemos/internal/clients"
	"mnemos/internal/config"
	"mnemos/internal/embedding"
	"mnemos/internal/indexopt"
	"mnemos/internal/logging"
	"mnemos/internal/orchestrator"
	"mnemos/internal/process"
	"mnemos/internal/retrieval"
	"mnemos/internal/server"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/strategy"
	"mnemos/internal/stream"
)

const version = "1.0.0"

var (
	// Global flags
	cfgPath string
	verbose bool

	// Optimize flags
	optimizeTable string
	optimizeForce bool

	logger   *zap.Logger
	logLevel zap.AtomicLevel
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mnemos",
	Short: "mnemos - memory orchestration for conversational agents",
	Long: `mnemos keeps long-term memory for conversational agents: it classifies
utterances, decides what is worth keeping, spreads memories across the
cache, vector, and RAG tiers, and answers similarity queries over them.

serve runs the SSE tool server; analyze and optimize run single pipeline
stages from the command line.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// version needs neither config nor logger
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, logLevel, err = logging.NewDynamic(level, cfg.Logging.Development)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		warnings, err := cfg.Validate()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		for _, warning := range warnings {
			logger.Warn("config warning", zap.String("warning", warning))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory service",
	Long: `Starts the SSE tool server and the background maintenance loops.

Connects to the db, rag, and model peers, opens the local store, and
serves tool calls until SIGINT/SIGTERM.`,
	RunE: runServe,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [content...]",
	Short: "Classify and process content without storing it",
	Long: `Runs the classification and processing stages over the given content
and prints the analysis as JSON. No downstream services are contacted
and nothing is stored.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Optimize the vector index once and report",
	Long: `Connects to the vector store peer, evaluates the index strategy for
the collection, applies it when the row floor and interval allow, and
prints the report as JSON.`,
	RunE: runOptimize,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mnemos version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mnemos %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	optimizeCmd.Flags().StringVar(&optimizeTable, "table", "", "Table to optimize (default: configured collection)")
	optimizeCmd.Flags().BoolVar(&optimizeForce, "force", false, "Optimize even when the row floor or interval says skip")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("starting mnemos",
		zap.String("version", version),
		zap.String("agent_type", cfg.Agent.Type),
		zap.Int("port", cfg.Server.Port))

	set := clients.NewSet(cfg, logger)
	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err := set.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect downstream services: %w", err)
	}
	defer set.Close()

	local, err := store.Open(&store.Config{
		Path:           cfg.Local.Path,
		EventRetention: cfg.Local.EventRetention,
	}, logger)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer local.Close()

	events := stream.NewStream(nil, logger)
	tracker := session.NewTracker(&session.Config{BufferSize: cfg.Agent.ContextWindowSize}, logger)

	// The cache tier is optional: a dead Redis degrades cache-primary plans
	// to direct vector writes, so a failed ping only costs a warning.
	var cacheTier orchestrator.Cacher
	if cfg.Cache.Enabled {
		tier := cache.New(redis.NewClient(&redis.Options{
			Addr: cfg.Cache.Addr,
			DB:   cfg.Cache.DB,
		}), logger)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := tier.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.Warn("cache unreachable, continuing without it",
				zap.String("addr", cfg.Cache.Addr), zap.Error(err))
			_ = tier.Close()
		} else {
			cacheTier = tier
			defer tier.Close()
		}
	}

	resolver := embedding.NewResolver(set.RAG, logger)

	optCfg := indexopt.DefaultConfig()
	optCfg.Table = cfg.Memory.Collection
	optimizer := indexopt.NewOptimizer(set.DB, optCfg, logger)

	engine := retrieval.NewEngine(retrieval.Options{
		DB:               set.DB,
		Embedder:         set.RAG,
		Dimensions:       resolver,
		Rows:             optimizer,
		Indexer:          optimizer,
		Tracker:          local,
		Model:            cfg.Memory.EmbeddingModel,
		DefaultTable:     cfg.Memory.Collection,
		DefaultLimit:     cfg.Search.DefaultLimit,
		DefaultThreshold: cfg.Search.SimilarityThreshold,
	}, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Classifier: classify.New(),
		Processor:  process.New(),
		Planner:    strategy.New(),
		Vectors:    set.DB,
		Indexer:    set.RAG,
		Embedder:   set.RAG,
		Completer:  set.Model,
		Searcher:   engine,
		Cache:      cacheTier,
		Local:      local,
		Events:     events,
		Tracker:    tracker,
	}, orchestrator.ConfigFrom(cfg), logger)

	srv := server.New(server.Deps{
		Orchestrator: orch,
		Optimizer:    optimizer,
		Engine:       engine,
		Events:       events,
		Local:        local,
		Downstream:   set,
	}, server.ConfigFrom(cfg), logger)

	// Hot reload of the dynamic config subset: reasoning budget, importance
	// threshold, search defaults, log level.
	watcher, err := config.NewWatcher(cfgPath, cfg, func(next *config.Config) {
		if !verbose {
			if lvl, perr := zapcore.ParseLevel(next.Logging.Level); perr == nil {
				logLevel.SetLevel(lvl)
			}
		}
		orch.Retune(next.Agent.MaxReasoningSteps, next.Agent.ImportanceThreshold, next.Search.DefaultLimit)
		engine.Retune(next.Search.DefaultLimit, next.Search.SimilarityThreshold)
	}, logger)
	if err != nil {
		logger.Warn("config hot reload unavailable", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot reload unavailable", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	go orch.RunSweep(ctx, time.Hour)
	go optimizer.Run(ctx)

	return srv.Start(ctx)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	// Classification and processing are pure, so the pipeline runs with no
	// downstream wiring at all.
	orch := orchestrator.New(orchestrator.Deps{
		Classifier: classify.New(),
		Processor:  process.New(),
		Planner:    strategy.New(),
		Events:     stream.NewStream(nil, logger),
		Tracker:    session.NewTracker(nil, logger),
	}, orchestrator.ConfigFrom(cfg), logger)

	analysis, err := orch.AnalyzeContent(strings.Join(args, " "), nil)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	table := optimizeTable
	if table == "" {
		table = cfg.Memory.Collection
	}

	// Only the vector store peer is needed here.
	transport := clients.NewTransport("db", cfg.Downstream.DBURL, cfg.GetDBTimeout(), logger)
	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect vector store: %w", err)
	}
	defer transport.Close()

	optCfg := indexopt.DefaultConfig()
	optCfg.Table = table
	optimizer := indexopt.NewOptimizer(clients.NewDB(transport, logger), optCfg, logger)

	report, err := optimizer.Optimize(ctx, table, optimizeForce)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
