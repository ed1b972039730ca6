// cmd/pbmapper/root.go
// Root command for the `pbmapper` CLI. It wires common flags, global
// initialisation (logger, env file, config) and adds top-level sub-commands
// located in sibling files (broker.go, agent.go, gateway.go, status.go,
// version.go).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quaybridge/pbmapper/internal/envconfig"
	"github.com/quaybridge/pbmapper/internal/logging"
	"github.com/quaybridge/pbmapper/pkg/version"
)

// brokerAddrEnv is the fallback broker address consulted when a command's
// --pb-mapper-server flag is omitted.
const brokerAddrEnv = "PB_MAPPER_SERVER"

// keepAliveEnv enables TCP keepalive on all control and forwarded sockets
// when set to any value.
const keepAliveEnv = "PB_MAPPER_KEEP_ALIVE"

var (
	cfgFile string
	envFile string
	logJSON bool
	rootCmd = &cobra.Command{
		Use:   "pbmapper",
		Short: "pbmapper – NAT-traversal reverse tunnel",
		Long:  `pbmapper exposes services behind firewalls through a publicly reachable rendezvous broker. One binary covers all three roles: broker, service agent and gateway agent.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := envconfig.LoadFile(envFile); err != nil {
					return err
				}
			}
			// Initialise logger exactly once (idempotent).
			if logging.Initialised() {
				return nil
			}
			return initLogger()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (YAML/TOML/JSON)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a KEY=VALUE file merged into the environment before startup")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Enable JSON log output (default is human-friendly console)")

	// Add sub-commands (defined in other files).
	rootCmd.AddCommand(newBrokerCmd())
	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newGatewayCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Default search: $HOME/.config/pbmapper/config.{yaml,toml,json}
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "pbmapper"))
		}
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("PBMAPPER")
	viper.AutomaticEnv() // read in environment variables that match

	// Load config file if present.
	if err := viper.ReadInConfig(); err == nil {
		logging.Sugar().Infof("Using config file: %s", viper.ConfigFileUsed())
	}
}

func initLogger() error {
	cfg := zap.NewProductionConfig()
	if !logJSON {
		cfg = zap.NewDevelopmentConfig()
	}
	// Add timestamp in RFC3339 for easy copy-paste.
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	logging.Set(logger)
	logging.Sugar().Infow("pbmapper starting", "go_version", runtime.Version(), "version", version.String())
	return nil
}

// brokerAddr resolves the broker address from a flag value, falling back to
// the PB_MAPPER_SERVER environment variable when the flag is empty.
func brokerAddr(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(brokerAddrEnv); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no broker address: pass --pb-mapper-server or set %s", brokerAddrEnv)
}

// keepAliveEnabled reports whether TCP keepalive was requested via flag or
// environment.
func keepAliveEnabled(flagValue bool) bool {
	if flagValue {
		return true
	}
	_, set := os.LookupEnv(keepAliveEnv)
	return set
}
