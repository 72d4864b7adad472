package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/onkernel/nodelab/cmd/api/config"
	"github.com/onkernel/nodelab/lib/db"
	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/logger"
	"github.com/onkernel/nodelab/lib/nodes"
	"github.com/onkernel/nodelab/lib/output"
	"github.com/onkernel/nodelab/lib/paths"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	outputFormat string
	noHeaders    bool
	logLevel     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "labctl",
	Short: "labctl - nodelab catalog administration",
	Long: `labctl administers the nodelab image catalog and inspects node records.

It reads the same environment configuration as the API server
(DATABASE_DRIVER, DATABASE_URL, DATA_DIR, IMAGE_DIR, ...) and talks to the
database directly. Node lifecycle operations go through the API server.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(outputFormat); err != nil {
			return err
		}
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logger.ParseLevel(logLevel, slog.LevelWarn),
		}))
		cmd.SetContext(logger.AddToContext(cmd.Context(), log))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml, json")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false, "Omit table headers")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(migrateCmd)
}

// store bundles the catalog and registry opened from the environment.
type store struct {
	db       *gorm.DB
	images   images.Manager
	registry nodes.Registry
}

func openStore(ctx context.Context) (*store, error) {
	cfg := config.Load()
	p := paths.New(cfg.DataDir, cfg.ImageDir, cfg.OverlayDir)

	dsn := cfg.DatabaseURL
	if cfg.DatabaseDriver == db.DriverSQLite {
		path := cfg.SQLitePath
		if path == "" {
			path = p.SQLiteDB()
		}
		dsn = db.SQLiteDSN(path)
	}

	gdb, err := db.Open(ctx, db.Config{Driver: cfg.DatabaseDriver, DSN: dsn})
	if err != nil {
		return nil, err
	}
	imageMgr, err := images.NewManager(gdb, p.ImageDir(), nil)
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}
	return &store{db: gdb, images: imageMgr, registry: nodes.NewRegistry(gdb)}, nil
}

func (s *store) Close() {
	if err := db.Close(s.db); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

func newFormatter() (output.Formatter, error) {
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}
