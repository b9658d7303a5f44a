package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags and the resolved configuration.
type rootOptions struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
	LogFormat  string
	Output     string

	cfg Config
}

var validOutputs = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "attendflow",
		Short:         "attendflow - attendance intervention and playbook automation",
		Long:          "Evaluates attendance rules, walks students through intervention ladders and runs guardian outreach playbooks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(validOutputs, opts.Output) {
				return fmt.Errorf("invalid output %q: must be one of %v", opts.Output, validOutputs)
			}
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.cfg = applyFlags(cmd, cfg, opts)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigPath, "config", settingsPath(), "settings file")
	pf.StringVar(&opts.DBPath, "db", "", "database path (overrides config)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error (overrides config)")
	pf.StringVar(&opts.LogFormat, "log-format", "", "text|json (overrides config)")
	pf.StringVarP(&opts.Output, "output", "o", "text", "output format (text|json)")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newLoadCommand(opts),
		newSimulateCommand(opts),
		newIntakeCommand(opts),
		newRunOnceCommand(opts),
		newDeadLettersCommand(opts),
		newInstancesCommand(opts),
		newMCPCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// applyFlags layers explicitly set persistent flags over cfg.
func applyFlags(cmd *cobra.Command, cfg Config, opts *rootOptions) Config {
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath = opts.DBPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = opts.LogFormat
	}
	return cfg
}
