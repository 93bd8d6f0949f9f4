// Package cli implements the conveyor command line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conveyor-ci/conveyor/pkg/artifact"
	"github.com/conveyor-ci/conveyor/pkg/config"
	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/deploy"
	"github.com/conveyor-ci/conveyor/pkg/infra/docker"
	"github.com/conveyor-ci/conveyor/pkg/infra/logger"
	"github.com/conveyor-ci/conveyor/pkg/infra/store"
	"github.com/conveyor-ci/conveyor/pkg/pipeline"
	"github.com/conveyor-ci/conveyor/pkg/stage"
)

// Exit codes. A malformed spec is a user error and distinguishable from a
// pipeline that ran and failed.
const (
	ExitOK          = 0
	ExitRunFailed   = 1
	ExitInvalidSpec = 2
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

type RootCommand struct {
	cmd       *cobra.Command
	cfg       *config.Config
	opts      *OutputOptions
	formatStr string
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{
		opts: NewOutputOptions(),
	}

	cmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Conveyor - pipeline execution engine",
		Long: `Conveyor runs declarative build-and-deploy pipelines: it parses a
pipeline spec into a stage graph, executes independent stages
concurrently, publishes artifacts under the run's commit, and rolls
deployment targets with health-checked switchover and rollback.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: root.persistentPreRunE,
	}

	pflags := cmd.PersistentFlags()

	pflags.StringVarP(&root.formatStr, "output", "o", "table", "Output format (table, json, yaml)")
	pflags.BoolVarP(&root.opts.Quiet, "quiet", "q", false, "Suppress output")
	pflags.String("config", "", "Config file path (default: ~/.conveyor/config.toml)")

	viper.BindPFlag("output", pflags.Lookup("output"))
	viper.BindPFlag("quiet", pflags.Lookup("quiet"))
	viper.BindPFlag("config", pflags.Lookup("config"))

	root.cmd = cmd

	root.addSubCommands()

	return root
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	r.opts.Format = OutputFormat(r.formatStr)

	// Local overrides from .env, if present.
	_ = godotenv.Load()

	cfgPath := viper.GetString("config")
	var err error
	r.cfg, err = config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logger.Config{
		Level:  r.cfg.Logging.Level,
		Format: r.cfg.Logging.Format,
	}
	if r.cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(r.cfg.Logging.File), 0o755); err == nil {
			if f, err := os.OpenFile(r.cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				logCfg.Output = f
			}
		}
	}
	logger.Init(logCfg)

	return nil
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewRunCommand(r))
	r.cmd.AddCommand(NewStatusCommand(r))
	r.cmd.AddCommand(NewCancelCommand(r))
	r.cmd.AddCommand(NewValidateCommand(r))
	r.cmd.AddCommand(NewVersionCommand(r))
}

func (r *RootCommand) Command() *cobra.Command {
	return r.cmd
}

func (r *RootCommand) Config() *config.Config {
	return r.cfg
}

func (r *RootCommand) OutputOptions() *OutputOptions {
	return r.opts
}

func (r *RootCommand) SetOutputWriter(w interface{ Write([]byte) (int, error) }) {
	r.opts.Writer = w
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

// stageRegistry assembles the stage registry with all collaborators the
// built-in runners need, per the effective config.
func (r *RootCommand) stageRegistry() (*pipeline.Registry, func(), error) {
	cfg := r.cfg

	artifacts, err := newArtifactStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	// Publish promotes into the HTTP repository when one is configured,
	// otherwise artifacts stay in the primary store.
	repo := artifacts
	if cfg.Artifacts.Backend != "http" && cfg.Artifacts.RepoURL != "" {
		repo, err = artifact.NewRepoStore(artifact.RepoConfig{
			BaseURL:  cfg.Artifacts.RepoURL,
			Username: cfg.Artifacts.RepoUsername,
			Password: cfg.Artifacts.RepoPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("artifact repository: %w", err)
		}
	}

	runtime, err := docker.NewSDKClient()
	if err != nil {
		return nil, nil, fmt.Errorf("container runtime: %w", err)
	}

	targets := deploy.NewRegistry()
	for _, t := range cfg.Deploy.Targets {
		healthPath := t.HealthPath
		if healthPath == "" {
			healthPath = cfg.Deploy.HealthPath
		}
		if err := targets.Register(deploy.Target{
			Name:          t.Name,
			BluePort:      t.BluePort,
			GreenPort:     t.GreenPort,
			ContainerPort: t.ContainerPort,
			HealthPath:    healthPath,
		}); err != nil {
			return nil, nil, fmt.Errorf("deploy target %s: %w", t.Name, err)
		}
	}

	controller := deploy.NewController(targets, runtime, deploy.Options{
		LockWait:        deploy.LockWait(cfg.Deploy.LockWait),
		HealthInterval:  cfg.Deploy.HealthIntervalD,
		HealthMaxChecks: cfg.Deploy.HealthMaxChecks,
		StopTimeoutSec:  cfg.Deploy.StopTimeoutSec,
	})

	registry := pipeline.NewRegistry()
	stage.Register(registry, stage.Deps{
		Artifacts: artifacts,
		Repo:      repo,
		Runtime:   runtime,
		Deployer:  controller,
	})

	return registry, func() {}, nil
}

func newArtifactStore(cfg *config.Config) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case "memory":
		return artifact.NewMemoryStore(), nil
	case "fs":
		return artifact.NewFSStore(cfg.Artifacts.Dir)
	case "minio":
		return artifact.NewObjectStore(artifact.ObjectStoreConfig{
			Endpoint:  cfg.Artifacts.MinioEndpoint,
			AccessKey: cfg.Artifacts.MinioAccessKey,
			SecretKey: cfg.Artifacts.MinioSecretKey,
			Region:    cfg.Artifacts.MinioRegion,
			UseSSL:    cfg.Artifacts.MinioUseSSL,
			Bucket:    cfg.Artifacts.MinioBucket,
		})
	case "http":
		return artifact.NewRepoStore(artifact.RepoConfig{
			BaseURL:  cfg.Artifacts.RepoURL,
			Username: cfg.Artifacts.RepoUsername,
			Password: cfg.Artifacts.RepoPassword,
		})
	default:
		return nil, fmt.Errorf("unknown artifacts backend: %s", cfg.Artifacts.Backend)
	}
}

// runStore opens the persistent run store, falling back to memory when the
// database cannot be opened.
func (r *RootCommand) runStore() (pipeline.RunStore, func()) {
	dataDir := r.cfg.General.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Warn("cannot create data dir, using in-memory run store", "error", err.Error())
		return pipeline.NewMemoryRunStore(), func() {}
	}

	dbPath := filepath.Join(dataDir, "conveyor.db")
	sqliteStore, err := store.NewSQLiteRunStore(dbPath)
	if err != nil {
		logger.Warn("cannot open run database, using in-memory run store", "error", err.Error())
		return pipeline.NewMemoryRunStore(), func() {}
	}
	return sqliteStore, func() { sqliteStore.Close() }
}

func Execute() {
	root := NewRootCommand()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		// A second signal kills the process without waiting for cleanup.
		<-sigCh
		os.Exit(ExitRunFailed)
	}()

	if err := root.ExecuteContext(ctx); err != nil {
		PrintError(err, root.OutputOptions())
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the process exit code: spec errors are
// user mistakes (2), anything else is a run failure (1).
func exitCodeFor(err error) int {
	if core.IsSpecError(err) {
		return ExitInvalidSpec
	}
	return ExitRunFailed
}

func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}

// shortDuration trims a duration for table output.
func shortDuration(d time.Duration) string {
	return d.Round(time.Millisecond * 10).String()
}
