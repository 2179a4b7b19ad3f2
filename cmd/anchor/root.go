package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	serverURL  string

	rootCmd = &cobra.Command{
		Use:   "anchor",
		Short: "Declarative infrastructure convergence engine",
		Long: `Anchor - declarative infrastructure convergence

Anchor stores the desired state of infrastructure resources and keeps
converging the real world towards it. Every change to a resource, and a
periodic sweep over all of them, compares desired with observed state and
submits corrective tasks to the orchestration service.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Anchor {{.Version}} - declarative infrastructure convergence
`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to the TOML config file")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	flags.StringVarP(&serverURL, "server", "s", envOr("ANCHOR_SERVER", defaultServer), "Anchor API address")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
