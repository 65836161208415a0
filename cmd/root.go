package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the merged configuration (file, environment, defaults) shared by subcommands
	Cfg *config.Config
	// DB is the optional database connection; nil when no database is configured
	DB *store.Store

	cfgFile   string
	dbURL     string
	logLevel  string
	logCloser io.Closer
)

// errNoDatabase is returned by commands that need Postgres when none is configured.
var errNoDatabase = errors.New("no database configured (set --db, DATABASE_URL or POSTGRES_HOST)")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face-recognition attendance from a live video stream",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			Cfg.Database.URL = dbURL
		}
		if cmd.Flags().Changed("log-level") {
			Cfg.Log.Level = logLevel
		}
		logCloser = logger.Init(Cfg.Log)

		if !Cfg.Database.Enabled() {
			log.Debug("No database configured, attendance stays file-only")
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), Cfg.Database.ConnString())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (optional; mirrors attendance and the gallery)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func requireDB() error {
	if DB == nil {
		return errNoDatabase
	}
	return nil
}
