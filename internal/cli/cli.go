package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/internal/builtin"
	"github.com/alexchuang650730/aicore0707-sub001/internal/config"
	internal_http "github.com/alexchuang650730/aicore0707-sub001/internal/http"
	"github.com/alexchuang650730/aicore0707-sub001/internal/log"
	internal_storage "github.com/alexchuang650730/aicore0707-sub001/internal/storage"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: autocore.yaml in ., ./configs or /etc/autocore)")
	rootCmd.SilenceUsage = true

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the automation core and its HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().StringP("definitions", "d", "", "Workflow/task definitions file loaded at startup")
	serveCmd.Flags().Bool("migrate", false, "Apply postgres migrations before starting")

	runCmd := &cobra.Command{
		Use:   "run [workflow.yaml]",
		Short: "Execute a workflow file once and print the execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowFile,
	}
	runCmd.Flags().StringArrayP("input", "i", nil, "Input variable as key=value (repeatable)")
	runCmd.Flags().Duration("timeout", 10*time.Minute, "Give up waiting after this long")

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a workflow or definitions file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := LoadDefinitions(args[0])
			if err != nil {
				return err
			}
			if err := defs.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d workflow(s), %d task(s)\n",
				args[0], len(defs.Workflows), len(defs.Tasks))
			return nil
		},
	}

	cronCmd := &cobra.Command{
		Use:   "cron-next [expression]",
		Short: "Print the next occurrences of a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			if count <= 0 {
				return errors.New("--count must be positive")
			}
			next := time.Now()
			for i := 0; i < count; i++ {
				var err error
				next, err = service.NextCronTime(args[0], next)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), next.Format(time.RFC3339))
			}
			return nil
		},
	}
	cronCmd.Flags().IntP("count", "n", 5, "Number of occurrences")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autocore %s\n", Version)
		},
	}

	rootCmd.AddCommand(serveCmd, runCmd, validateCmd, cronCmd, versionCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Configure(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// newCore opens the configured store and starts a core with the built-in
// and configured MCPs registered. The returned cleanup stops both.
func newCore(ctx context.Context, cfg *config.Config, store storage.Store) (*service.AutomationCore, func(), error) {
	core := service.NewAutomationCore(cfg.CoreConfig(), store, log.GetLogger(),
		service.WithHostMetricsProvider(service.NewHostMetricsProvider(cfg.Resources.DiskPath)))
	if err := core.Start(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "start automation core")
	}
	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := core.Stop(stopCtx); err != nil {
			log.GetLogger().Errorf("Failed to stop automation core: %v", err)
		}
	}

	if cfg.MCP.Builtin {
		if err := builtin.Register(ctx, core); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	for _, entry := range cfg.MCPs {
		if err := core.RegisterMCP(ctx, entry.Info()); err != nil {
			cleanup()
			return nil, nil, errors.Wrapf(err, "register MCP %s", entry.ID)
		}
	}
	return core, cleanup, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if migrateFirst, _ := cmd.Flags().GetBool("migrate"); migrateFirst && cfg.Storage.Driver == "postgres" {
		changed, err := internal_storage.Migrate(cfg.Storage.Postgres.MigrationsPath, cfg.Storage.Postgres.ConnString())
		if err != nil {
			return err
		}
		logger.Infof("Migrations checked (changed: %t)", changed)
	}

	store, err := internal_storage.InitStore(ctx, cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "initialize store")
	}
	defer store.Close()

	core, cleanup, err := newCore(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer cleanup()

	if path, _ := cmd.Flags().GetString("definitions"); path != "" {
		defs, err := LoadDefinitions(path)
		if err != nil {
			return err
		}
		if err := defs.Apply(ctx, core); err != nil {
			return err
		}
	}

	err = internal_http.StartServer(ctx, cfg.Server, core)
	logger.Info("Autocore stopped")
	return err
}

func runWorkflowFile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defs, err := LoadDefinitions(args[0])
	if err != nil {
		return err
	}
	if len(defs.Workflows) != 1 {
		return errors.Errorf("%s must define exactly one workflow, found %d", args[0], len(defs.Workflows))
	}
	rawInputs, _ := cmd.Flags().GetStringArray("input")
	input, err := parseInputs(rawInputs)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// one-shot runs never touch the configured store
	core, cleanup, err := newCore(ctx, cfg, storage.NewMemoryStore())
	if err != nil {
		return err
	}
	defer cleanup()

	wfID, err := core.CreateWorkflow(ctx, defs.Workflows[0])
	if err != nil {
		return err
	}
	execID, err := core.ExecuteWorkflow(ctx, wfID, input)
	if err != nil {
		return err
	}
	exec, err := core.WaitExecution(ctx, execID)
	if err != nil {
		_ = core.CancelExecution(execID)
		return errors.Wrapf(err, "wait for execution %s", execID)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(exec); err != nil {
		return err
	}
	if exec.Status != models.CompletedExecutionStatus {
		return errors.Errorf("execution %s finished %s: %s", execID, exec.Status, exec.ErrorMessage)
	}
	return nil
}

// parseInputs turns key=value pairs into workflow input. Values that parse as
// JSON (numbers, booleans, objects) keep their type; anything else is a string.
func parseInputs(pairs []string) (map[string]interface{}, error) {
	input := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("input %q is not key=value", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		input[key] = v
	}
	return input, nil
}
