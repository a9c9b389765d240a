package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/config"
	"github.com/lazypower/factlog/internal/engine"
	"github.com/lazypower/factlog/internal/logging"
	"github.com/lazypower/factlog/internal/store"
)

var (
	configPath string
	dbFlag     string
	logLevel   string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "factlog",
	Short: "Fact lifecycle and relevance engine",
	Long: "factlog turns extracted actions, decisions and risks into deduplicated facts, " +
		"tracks their lifecycle with an append-only history, and ranks their deliveries per recipient.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.factlog/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(reduceCmd)
	rootCmd.AddCommand(rankCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(factCmd)
	rootCmd.AddCommand(deliveriesCmd)
	rootCmd.AddCommand(configCmd)
}

// setup loads configuration and builds the logger before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	return nil
}

// openDB opens the database for CLI commands. Precedence: --db, FACTLOG_DB,
// database.path, ~/.factlog/factlog.db.
func openDB() (*store.DB, error) {
	dbPath := dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("FACTLOG_DB")
	}
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// openEngine opens the database and wraps it in an engine. The caller closes
// the returned database.
func openEngine() (*engine.Engine, *store.DB, error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	return engine.New(db, cfg, logger), db, nil
}
