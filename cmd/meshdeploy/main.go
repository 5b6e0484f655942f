package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"meshdeploy/pkg/config"
	"meshdeploy/pkg/seal"
	"meshdeploy/pkg/types"
)

var version = "0.1.0"

var (
	configFile string
	verbose    bool
	outputJSON bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshdeploy",
		Short: "Peer-to-peer artifact deployment",
		Long: `Discover peers on a network range, push versioned artifacts to them over
an encrypted channel, drive activation and capability expansion, and keep a
small replicated knowledge store in sync.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		serveCmd(),
		discoverCmd(),
		deployCmd(),
		pingCmd(),
		healthCmd(),
		activateCmd(),
		expandCmd(),
		optimizeCmd(),
		knowledgeCmd(),
		initCmd(),
		keygenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, types.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// loadConfig reads --config, or the default config file when it exists,
// then applies the environment and validates.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		if _, err := os.Stat(config.GetConfigPath()); err == nil {
			path = config.GetConfigPath()
		}
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parsePlan turns ["compute=10", "memory=20"] into a capability plan.
func parsePlan(items []string) (map[string]float64, error) {
	if len(items) == 0 {
		return nil, nil
	}
	plan := make(map[string]float64, len(items))
	for _, item := range items {
		name, value, ok := strings.Cut(item, "=")
		if !ok || name == "" {
			return nil, types.ConfigErrorf("invalid plan entry %q (expected capability=percent)", item)
		}
		pct, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, types.ConfigErrorf("invalid percent in %q: %v", item, err)
		}
		plan[strings.TrimSpace(name)] = pct
	}
	return plan, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshdeploy v%s\n", version)
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random shared channel key",
		Long:  `Print a base64 key suitable for the shared_key config field. Every peer in a fleet must use the same key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := seal.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(seal.EncodeKey(key))
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var (
		path  string
		force bool
		base  string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config with a fresh shared key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = config.GetConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			key, err := seal.GenerateKey()
			if err != nil {
				return err
			}
			cfg := config.Default()
			cfg.SharedKey = seal.EncodeKey(key)
			cfg.Discovery.Base = base
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Config written to " + path))
			fmt.Println(mutedStyle.Render("  Copy shared_key to every peer in the fleet."))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "config file to write (default "+config.GetConfigPath()+")")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&base, "range-base", "", "discovery range base, e.g. 192.168.1")
	return cmd
}
