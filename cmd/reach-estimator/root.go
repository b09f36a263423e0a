package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/audience-reach/pkg/config"
	"github.com/Sternrassler/audience-reach/pkg/logging"
)

type rootFlags struct {
	profile  string
	logLevel string
	pretty   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "reach-estimator",
		Short:         "Audience reach estimation for postal codes",
		Long:          "Resolve postal codes and estimate baseline and targeted audience reach under client-side rate limits.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&flags.profile, "profile", "", "Rate-limit profile (overrides REACH_ENV)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "Human-readable log output")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newProfilesCmd())
	return root
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.profile != "" {
		if err := cfg.SelectProfile(flags.profile); err != nil {
			return nil, err
		}
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.pretty {
		cfg.LogPretty = true
	}
	return cfg, nil
}

// setupLogging configures the global logger from cfg.
func setupLogging(cfg *config.Config, out io.Writer) {
	lc := logging.FromEnv(cfg.LogLevel, cfg.LogPretty)
	lc.Output = out
	logging.Setup(lc)
}
