package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorci/conveyor/internal/approval"
	"github.com/conveyorci/conveyor/internal/artifact"
	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/db"
	"github.com/conveyorci/conveyor/internal/environment"
	"github.com/conveyorci/conveyor/internal/envlock"
	"github.com/conveyorci/conveyor/internal/orchestrator"
	"github.com/conveyorci/conveyor/internal/run"
	"github.com/conveyorci/conveyor/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	Long: `Start the orchestrator: the worker pool that executes runs and the HTTP
API for triggers, approvals, and inspection. Unfinished runs from a
previous process are resumed on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadOrchestratorConfig(cmd)
		if err != nil {
			return err
		}
		if errs := config.Validate(&config.Config{Orchestrator: *cfg}); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "config: %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}

		stateDir, err := resolveStateDir(cfg)
		if err != nil {
			return err
		}

		dbPath, err := db.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("db path: %w", err)
		}
		database, err := db.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		store := run.NewStore(filepath.Join(stateDir, "runs"))
		artifacts, err := artifact.NewRegistry(filepath.Join(stateDir, "artifacts.json"))
		if err != nil {
			return err
		}
		envs, err := environment.NewRegistry(filepath.Join(stateDir, "environments.json"), cfg.Environments)
		if err != nil {
			return err
		}

		gate := approval.NewGate()
		collab := orchestrator.NewCommandCollaborators(cfg, nil)
		orc, err := orchestrator.NewOrchestrator(cfg, store, artifacts, envs, envlock.NewManager(), gate, database, orchestrator.Collaborators{
			Builder:  collab,
			Tester:   collab,
			Planner:  collab,
			Deployer: collab,
			Verifier: collab,
			Notifier: collab,
		})
		if err != nil {
			return err
		}
		orc.SetProgress(cmd.ErrOrStderr())

		driver := orchestrator.NewDriver(orc, cfg.Workers)
		resumed, err := driver.Resume()
		if err != nil {
			return err
		}
		if resumed > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "resumed %d unfinished run(s)\n", resumed)
		}

		server := web.NewServer(driver, orc, store, gate, envs, artifacts, database, cfg.ListenAddr)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(cmd.ErrOrStderr(), "conveyor %q listening on %s\n", cfg.Name, cfg.ListenAddr)
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return driver.Run(ctx) })
		g.Go(func() error { return server.Run(ctx) })
		return g.Wait()
	},
}

var configPath string

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to conveyor.yaml (default: ./conveyor.yaml, ~/.conveyor/config.yaml)")
}

func loadOrchestratorConfig(cmd *cobra.Command) (*config.Orchestrator, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	return &cfg.Orchestrator, nil
}

func resolveStateDir(cfg *config.Orchestrator) (string, error) {
	dir := cfg.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".conveyor")
	}
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}
