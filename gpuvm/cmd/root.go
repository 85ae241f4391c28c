// Package cmd provides the command-line interface of gpuvm.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/gpuvm/config"
)

// Environment variables read by the CLI. They may also come from a .env file
// in the working directory.
const (
	envConfig   = "GPUVM_CONFIG"
	envLogLevel = "GPUVM_LOG_LEVEL"
	envRecord   = "GPUVM_RECORD"
)

var (
	cfg *config.Config
	log = logrus.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gpuvm",
	Short: "gpuvm exercises a simulated GPU virtual memory manager.",
	Long: `gpuvm builds a simulated GPU with its memory manager and runs ` +
		`workloads that map and unmap buffers in its address spaces. ` +
		`Runs can be monitored over HTTP and recorded into SQLite.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().String("config", "",
		"TOML configuration file (env "+envConfig+")")
	rootCmd.PersistentFlags().String("log-level", "",
		"log level, overrides the configuration (env "+envLogLevel+")")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv(envConfig)
	}

	if path == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = os.Getenv(envLogLevel)
	}

	if level != "" {
		cfg.LogLevel = level
	}

	if path := os.Getenv(envRecord); path != "" {
		cfg.Record.Enabled = true
		cfg.Record.Path = path
	}

	err = cfg.Validate()
	if err != nil {
		return err
	}

	log.SetLevel(cfg.Level())

	return nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
