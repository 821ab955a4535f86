package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	_ "sheetwatch/cmd/scan-service/docs"
	"sheetwatch/internal/config"
	"sheetwatch/internal/logger"
	"sheetwatch/pkg/logging"
)

// @title           Sheetwatch Scan Service API
// @version         1.0
// @description     Change notifications and source administration for the sheet scan scheduler

// @host      localhost:8080
// @BasePath  /api/v1

// @schemes   http https

const configEnv = "CONFIG_FILE"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		cfg        *config.Config
	)
	earlyLog := logging.NewEarlyLog(serviceName)

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Sheet scan scheduler",
		Long:          "Scan Service watches spreadsheet pages, debounces change notifications and publishes guarded diffs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				configFile = os.Getenv(configEnv)
			}
			if configFile == "" {
				earlyLog.Error("Config file is required. Use --config flag or %s environment variable", configEnv)
				return errors.New("config file is required")
			}

			loaded, err := config.Load(configFile)
			if err != nil {
				earlyLog.Error("Failed to load config: %v", err)
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scan service",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, serviceName)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), cfg, log)
		},
	}
	root.RunE = serveCmd.RunE

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then list the sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := printSources(cmd, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration %s is valid\n", configFile)
			return nil
		},
	}

	root.AddCommand(serveCmd, validateCmd)
	return root
}

func serve(parent context.Context, cfg *config.Config, log logger.Logger) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.InfowCtx(ctx, "Starting Scan Service", "sources", len(cfg.Sources))

	app := NewApp(cfg, log)
	if err := app.Initialize(ctx); err != nil {
		log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
		if shutdownErr := app.Shutdown(context.Background()); shutdownErr != nil {
			log.ErrorwCtx(ctx, "Cleanup after failed start", "error", shutdownErr)
		}
		return err
	}

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.ErrorwCtx(ctx, "Service stopped with error", "error", err)
		return err
	}
	log.InfowCtx(ctx, "Service shutdown complete")
	return nil
}

func printSources(cmd *cobra.Command, cfg *config.Config) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVARIANT\tPAGE\tDEBOUNCE\tTTL\tDEFER\tMAX_DROP")
	for _, src := range cfg.Sources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			src.ID, src.Variant, src.PageName, src.DebounceDelay, src.TTL,
			src.DeferMissingThreshold, src.MaxDropThreshold)
	}
	return w.Flush()
}
