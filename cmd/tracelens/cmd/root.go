package cmd

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/abramin/tracelens/internal/cache"
	"github.com/abramin/tracelens/internal/config"
	"github.com/abramin/tracelens/internal/logging"
	"github.com/abramin/tracelens/internal/store"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tracelens",
	Short: "TraceLens - Browse callgrind profiles through a compiled index",
	Long: `TraceLens compiles callgrind-format profiler traces (as written by
xdebug) into a compact binary index and answers questions about them:
which functions are expensive, who calls them, and what they call.

Traces are compiled once and cached next to their source; later queries
read the index directly without parsing the trace again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tracelens.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
}

func GetConfig() *config.Config {
	return cfg
}

// openManager opens the catalog and a cache manager over it, refreshed from
// the trace directory. The returned func releases both.
func openManager(reg prometheus.Registerer) (*cache.Manager, func(), error) {
	st, err := store.Open(cfg.StorageDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening catalog: %w", err)
	}
	mgr, err := cache.New(cfg, st, logger, reg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	closeAll := func() {
		mgr.Close()
		st.Close()
	}
	if err := mgr.Refresh(); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("refreshing traces: %w", err)
	}
	return mgr, closeAll, nil
}
