// Package main provides the graphkb-load command-line tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitUsage   = 2
)

// Version information (set at build time)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const configName = ".graphkb-load"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// credentials may live in a .env file next to the working directory
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if isUsageError(err) {
			return ExitUsage
		}
		return ExitError
	}
	return ExitSuccess
}

type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func isUsageError(err error) bool {
	var ue usageError
	return errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") ||
		strings.HasPrefix(err.Error(), "unknown flag") || strings.Contains(err.Error(), "arg(s)")
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graphkb-load",
		Short: "Normalize variant names and load them into GraphKB",
		Long: `graphkb-load normalizes the variant notations of cancer knowledgebases
(CIViC, OncoKB, CGI, MOA, COSMIC) and loads them as GraphKB records.

Without --kb-url records are written to a local store, in memory or in the
DuckDB file given by --db.`,
		Version:       fmt.Sprintf("%s (%s) built %s", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := readConfig(cmd); err != nil {
				return err
			}
			return bindFlags(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Config file (default: ~/"+configName+".yaml)")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Write logs as JSON")
	flags.String("kb-url", "", "GraphKB API base URL (default: local store)")
	flags.String("kb-username", "", "GraphKB username")
	flags.String("kb-password", "", "GraphKB password")
	flags.String("db", "", "DuckDB file for the local store and normalization results")
	flags.String("entrez-url", "", "NCBI E-utilities base URL")
	flags.String("entrez-api-key", "", "NCBI API key")
	flags.String("error-log", "", "Append failed records to this JSON lines file")
	flags.Int("workers", 1, "Concurrent records")
	flags.Int("max-records", 0, "Stop after this many records (0: all)")

	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newNormalizeCmd())
	cmd.AddCommand(newCivicCmd())
	cmd.AddCommand(newOncoKBCmd())
	cmd.AddCommand(newCGICmd())
	cmd.AddCommand(newMOACmd())
	cmd.AddCommand(newCosmicCmd())
	cmd.AddCommand(newVariantListCmd())

	return cmd
}

// configKeys maps flags to their config file keys.
var configKeys = map[string]string{
	"log-level":      "log.level",
	"log-json":       "log.json",
	"kb-url":         "kb.url",
	"kb-username":    "kb.username",
	"kb-password":    "kb.password",
	"db":             "db",
	"entrez-url":     "entrez.url",
	"entrez-api-key": "entrez.apikey",
	"error-log":      "errorlog",
	"workers":        "workers",
	"max-records":    "maxrecords",
}

// readConfig reads the config file and GRAPHKB_* environment variables
// (GRAPHKB_KB_URL for kb.url).
func readConfig(cmd *cobra.Command) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("GRAPHKB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// bindFlags layers the command line flags over the config values.
func bindFlags(cmd *cobra.Command) error {
	for name, key := range configKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := viper.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}
	return nil
}

// newLogger builds the process logger from log.level and log.json.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, usageError{fmt.Errorf("invalid log level: %w", err)}
	}
	cfg := zap.NewDevelopmentConfig()
	if viper.GetBool("log.json") {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// defaultConfigFile is where config set writes when no file was read.
func defaultConfigFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, configName+".yaml"), nil
}
