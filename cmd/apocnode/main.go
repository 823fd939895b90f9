package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	pkgconfig "apocnode/pkg/config"
)

var (
	node       *apocNode
	appLogger  = logrus.StandardLogger()
	configEnv  string
	rootConfig *pkgconfig.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "apocnode",
		Short:             "Run and operate an Adaptive Proof of Contribution node",
		PersistentPreRunE: initRootMiddleware,
	}
	rootCmd.PersistentFlags().StringVar(&configEnv, "env", "", "configuration overlay name (e.g. bootstrap)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(genesisCmd())
	rootCmd.AddCommand(snapshotCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initRootMiddleware loads .env, configuration, and the logging level once
// per process, mirroring the consensus CLI's PersistentPreRunE middleware.
func initRootMiddleware(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := pkgconfig.Load(configEnv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rootConfig = cfg

	lvlStr := cfg.Logging.Level
	if lvlStr == "" {
		lvlStr = "info"
	}
	lvl, err := logrus.ParseLevel(lvlStr)
	if err != nil {
		return fmt.Errorf("invalid logging.level %s: %w", lvlStr, err)
	}
	appLogger.SetLevel(lvl)

	return nil
}
