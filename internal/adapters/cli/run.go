package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ai4all/worker/internal/adapters/backends"
	"github.com/ai4all/worker/internal/adapters/coordinator"
	"github.com/ai4all/worker/internal/adapters/httppoll"
	"github.com/ai4all/worker/internal/adapters/mesh"
	"github.com/ai4all/worker/internal/adapters/metrics"
	"github.com/ai4all/worker/internal/adapters/persistence"
	"github.com/ai4all/worker/internal/application/executor"
	"github.com/ai4all/worker/internal/application/supervisor"
	"github.com/ai4all/worker/internal/domain/backend"
	"github.com/ai4all/worker/internal/domain/peer"
	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
	"github.com/ai4all/worker/internal/infrastructure/config"
	"github.com/ai4all/worker/internal/infrastructure/database"
	"github.com/ai4all/worker/internal/infrastructure/pidfile"
	"github.com/ai4all/worker/internal/infrastructure/signing"
	"github.com/ai4all/worker/internal/protocol"
)

func newRunCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker",
		Long: `Start the worker: connect to the coordinator, open the peer mesh
listener and begin accepting tasks.

Example:
  ai4all-worker run --config config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false,
		"Kill any existing worker instance and start a new one")
	return cmd
}

func runWorker(force bool) error {
	fmt.Printf("AI4ALL Worker v%s\n", Version)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// One worker per data directory
	pf := pidfile.New(filepath.Join(cfg.Storage.DataDir, "worker.pid"))
	if err := pf.Acquire(); err != nil {
		if !force {
			return errs.Wrap(errs.CodeConfigValidation,
				"another worker is running, use --force to replace it", err)
		}
		if err := pf.KillExisting(); err != nil {
			return errs.Wrap(errs.CodeInternal, "killing existing worker", err)
		}
		if err := pf.Acquire(); err != nil {
			return errs.Wrap(errs.CodeInternal, "acquiring pid file", err)
		}
	}
	defer func() {
		if err := pf.Release(); err != nil {
			log.Printf("warning: failed to release pid file: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		if err := metrics.Setup(); err != nil {
			return errs.Wrap(errs.CodeInternal, "registering metrics", err)
		}
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				log.Printf("metrics endpoint failed: %v", err)
			}
		}()
		fmt.Printf("Metrics exposed on %s/metrics\n", cfg.Metrics.ListenAddr)
	}

	// Crawl spool
	fmt.Printf("Opening %s spool database...\n", cfg.Database.Type)
	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return errs.Wrap(errs.CodeConfigValidation, "opening spool database", err)
	}
	defer database.Close(db)
	spool := persistence.NewCrawledPageRepository(db)

	// Backends, most capable first so the registry default is sensible
	registry := backend.NewRegistry()
	if cfg.OpenAI.Enabled {
		registry.Register(backends.NewOpenAI(backends.OpenAIConfig{
			BaseURL:      cfg.OpenAI.BaseURL,
			APIKey:       cfg.OpenAI.APIKey,
			DefaultModel: cfg.OpenAI.DefaultModel,
			Timeout:      cfg.OpenAI.Timeout(),
			MaxRetries:   cfg.OpenAI.MaxRetries,
		}))
		fmt.Printf("OpenAI-compatible backend enabled at %s\n", cfg.OpenAI.BaseURL)
	}
	registry.Register(backends.NewMock())
	if embedder, err := registry.FindForTask(task.TypeEmbeddings); err == nil {
		registry.Register(backends.NewCrawler(embedder))
	}

	workerID, err := loadOrCreateWorkerID(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Worker id: %s\n", workerID)

	tracker := task.NewTracker(int(cfg.Resources.MaxConcurrentTasks))
	exec := executor.New(registry, tracker)

	capabilities := buildCapabilities(cfg, registry)

	// Node identity key, used for HTTP API authentication
	keyPath := cfg.Worker.NodeKey
	if keyPath == "" {
		keyPath = filepath.Join(cfg.Storage.DataDir, "node.key")
	}
	signer, err := signing.LoadOrGenerate(keyPath)
	if err != nil {
		return err
	}

	peers := peer.NewRegistry()
	groups := peer.NewGroupManager(workerID)

	var meshManager *mesh.Manager
	if cfg.Peer.Enabled {
		meshManager = mesh.NewManager(workerID, capabilities, peers, cfg.Peer)
		if err := meshManager.Start(); err != nil {
			return err
		}
		fmt.Printf("Peer mesh listening on %s\n", meshManager.ListenAddr())
	}

	var poller *httppoll.Poller
	if cfg.API.Enabled && cfg.Worker.AccountID != "" {
		listenAddr := ""
		if meshManager != nil {
			listenAddr = meshManager.ListenAddr()
		}
		poller = httppoll.NewPoller(cfg.API, signer, cfg.Worker.AccountID, listenAddr, capabilities, spool)
		if err := poller.SelfRegister(ctx); err != nil {
			// Non-fatal: the coordinator session still delivers work
			log.Printf("http task polling disabled: %v", err)
		} else {
			fmt.Printf("Registered with the HTTP API as %s\n", poller.WorkerID())
		}
	}

	sup := supervisor.New(supervisor.Deps{
		Config:       cfg,
		Backends:     registry,
		Tracker:      tracker,
		Executor:     exec,
		Poller:       poller,
		Mesh:         meshManager,
		Peers:        peers,
		Groups:       groups,
		Spool:        spool,
		Capabilities: capabilities,
	})

	identity := coordinator.Identity{
		WorkerID: workerID,
		Name:     cfg.Worker.Name,
		Tags:     cfg.Worker.Tags,
	}
	session := coordinator.NewSession(cfg.Coordinator, identity, capabilities, sup)
	sup.SetSession(session)

	fmt.Printf("Connecting to coordinator at %s\n", cfg.Coordinator.URL)
	return sup.Run(ctx)
}

// loadOrCreateWorkerID resolves the stable worker identity. A generated
// id is persisted under the data dir so restarts keep it.
func loadOrCreateWorkerID(cfg *config.Config) (string, error) {
	if cfg.Worker.ID != "" {
		return cfg.Worker.ID, nil
	}

	idPath := filepath.Join(cfg.Storage.DataDir, "worker.id")
	if raw, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}

	id := "worker-" + uuid.NewString()[:8]
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return "", errs.Wrap(errs.CodeIOWrite, "creating data directory", err)
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0o644); err != nil {
		return "", errs.Wrap(errs.CodeIOWrite, "persisting worker id", err)
	}
	return id, nil
}

func buildCapabilities(cfg *config.Config, registry *backend.Registry) protocol.WorkerCapabilities {
	maxContext := uint32(0)
	if def, ok := registry.Default(); ok {
		maxContext = def.Capabilities().MaxContextLength
	}
	return protocol.WorkerCapabilities{
		SupportedTasks:     registry.SupportedTasks(),
		MaxConcurrentTasks: cfg.Resources.MaxConcurrentTasks,
		AvailableMemoryMB:  cfg.Resources.MaxMemoryMB,
		GPUAvailable:       cfg.Resources.EnableGPU,
		MaxContextLength:   maxContext,
		WorkerVersion:      Version,
	}
}
