package main

import (
	"fmt"
	"os"

	"github.com/molpadia/molpadrive/internal/config"
	"github.com/molpadia/molpadrive/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "api",
	Short: "Molpadrive upload API server and maintenance jobs",
	Long: `Serve the upload session API and the resumable transfer gateway, or run
the garbage collection jobs once.

Configuration is read from the file given with --config and from
MOLPADRIVE_* environment variables, which take precedence:

  MOLPADRIVE_AUTH_JWT_SECRET=... MOLPADRIVE_AWS_BUCKET=uploads api serve`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", env("MOLPADRIVE_CONFIG", ""), "path of the YAML configuration file")
	rootCmd.AddCommand(serveCmd, sweepCmd, reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Load the configuration and build the process logger from it.
func setup(load func(path string) (*config.Config, error)) (*config.Config, *logrus.Logger, error) {
	cfg, err := load(configFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// Get the value of environment variables.
func env(key string, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
