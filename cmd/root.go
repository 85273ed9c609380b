package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/sentinel-fog/internal/config"
	"github.com/andresmejia3/sentinel-fog/internal/logging"
	"github.com/andresmejia3/sentinel-fog/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Ledger requirements per command, stored in cobra annotations.
const (
	ledgerAnnotation = "ledger"
	ledgerRequired   = "required"
	ledgerOptional   = "optional"
)

const defaultDBURL = "postgres://localhost:5432/sentinel"

var (
	// DB is the evidence ledger shared by subcommands. Nil when the command runs without one.
	DB *store.Store
	// Cfg is the resolved node configuration.
	Cfg config.Config
	// Log is the process logger.
	Log *logrus.Logger

	configPath string
	dbURL      string
	logLevel   string
	noColor    bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "sentinel-fog",
	Short:   "Edge video surveillance node: motion, presence, face and liveness gated evidence capture",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := config.ApplyFlags(cmd.Flags(), &Cfg); err != nil {
			return err
		}
		if logLevel != "" {
			Cfg.Log.Level = logLevel
		}

		Log, err = logging.New(logging.Options{Level: Cfg.Log.Level, File: Cfg.Log.File, NoColor: noColor})
		if err != nil {
			return err
		}

		need := cmd.Annotations[ledgerAnnotation]
		if need == "" {
			return nil
		}
		url := resolveDBURL(dbURL, Cfg.Database.URL, os.Getenv)
		if url == "" {
			if need == ledgerOptional {
				Log.Info("No database configured, evidence ledger disabled")
				return nil
			}
			// Fallback to local default if nothing is configured
			url = defaultDBURL
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			if need == ledgerOptional {
				Log.WithError(err).Warn("Evidence ledger unavailable, continuing without it")
				DB = nil
				return nil
			}
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

// resolveDBURL picks the ledger connection string: flag, then config, then POSTGRES_* environment.
func resolveDBURL(flag, configured string, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	if env := getenv("DATABASE_URL"); env != "" {
		return env
	}
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the evidence ledger")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored log output")
}
