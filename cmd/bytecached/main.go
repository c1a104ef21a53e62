package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bytecache/pkg/config"
	"bytecache/pkg/image"
	"bytecache/pkg/logging"
	"bytecache/pkg/metrics"
	"bytecache/pkg/registry"
	"bytecache/pkg/state"
	"bytecache/pkg/verify"
)

var version = "dev"

var (
	cfg      *config.Config
	logLevel string
	logFmt   string
)

var rootCmd = &cobra.Command{
	Use:   "bytecached",
	Short: "A verified cache for program bytecode images",
	Long:  `bytecached pulls signed bytecode images from OCI registries, verifies them and keeps them in a local store so the bytecode can be read back without fetching it again.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = logFmt
		}
		return logging.Configure(cfg.LogLevel, cfg.LogFormat)
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// newVerifier builds the configured signature verifier. In keyless mode this
// fetches the Sigstore trust roots.
func newVerifier(ctx context.Context) (verify.Verifier, error) {
	verifier, err := verify.NewCosignVerifier(ctx, verify.Options{
		AllowUnsigned:  cfg.Signing.AllowUnsigned,
		PublicKeyPath:  cfg.Signing.PublicKey,
		IdentityRegexp: cfg.Signing.IdentityRegexp,
		IssuerRegexp:   cfg.Signing.IssuerRegexp,
	}, logging.Component("bytecached"))
	if err != nil {
		return nil, fmt.Errorf("failed to create signature verifier: %w", err)
	}
	return verifier, nil
}

// registryOptions maps the registry section of the config to client options.
func registryOptions() ([]registry.Option, error) {
	var opts []registry.Option
	if cfg.Registry.Insecure {
		opts = append(opts, registry.WithInsecure())
	}
	platform, err := cfg.Registry.ParsedPlatform()
	if err != nil {
		return nil, err
	}
	if platform != nil {
		opts = append(opts, registry.WithPlatform(*platform))
	}
	return opts, nil
}

// newImageManager opens the store and builds a manager around verifier. The
// caller owns the returned store.
func newImageManager(reg prometheus.Registerer, verifier verify.Verifier) (*image.Manager, *state.Store, error) {
	log := logging.Component("bytecached")

	opts, err := registryOptions()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid registry configuration: %w", err)
	}

	if err := cfg.EnsureStateDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := state.Open(cfg.GetStorePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image store: %w", err)
	}

	mgr := image.NewManager(store, registry.NewRemoteClient(log, opts...), verifier, image.Options{
		QueueSize: cfg.Manager.QueueSize,
		Metrics:   metrics.NewMetrics(reg, log),
		Logger:    log,
	})
	return mgr, store, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFmt, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
