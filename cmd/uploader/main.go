package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/molpadia/molpadrive/internal/client"
	"github.com/molpadia/molpadrive/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
	stateDir  string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "uploader",
	Short: "Upload files to molpadrive in resumable parts",
	Long: `Upload files to molpadrive. Interrupted uploads resume from the last
finished part when the same file is put again.

  MOLPADRIVE_TOKEN=... uploader put --folder personal --path videos movie.mp4`,
	SilenceUsage: true,
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", env("MOLPADRIVE_SERVER", "http://localhost:4443"), "base URL of the upload API")
	rootCmd.PersistentFlags().StringVar(&token, "token", env("MOLPADRIVE_TOKEN", ""), "bearer token")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", env("MOLPADRIVE_STATE_DIR", filepath.Join(home, ".molpadrive", "resume")), "directory of the resume records")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	rootCmd.AddCommand(putCmd, listCmd, forgetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Open the resume store and the API client shared by every command.
func setup() (*client.APIClient, *client.BadgerResumeStore, *logrus.Logger, error) {
	log, err := logging.New(logging.Config{Level: logLevel, Output: "stderr"})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := client.OpenBadgerResumeStore(stateDir)
	if err != nil {
		return nil, nil, nil, err
	}
	return client.NewAPIClient(serverURL, token), store, log, nil
}

// Get the value of environment variables.
func env(key string, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
