package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360/semtree/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Element tree with event subscriptions and push delivery",
		Long: `semtree hosts a tree of addressable elements (devices, structures,
data points, services and events). Clients subscribe to events and are
notified over HTTP, WebSocket or NATS when an event is emitted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (json, yaml or yml)")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().String("tree", "", "tree file override")

	root.AddCommand(newServeCmd(), newValidateCmd(), newVersionCmd())
	return root
}

// loadConfig builds the configuration from the persistent flags, the file
// they name and the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	v := loader.Viper()
	flags := cmd.Flags()
	if err := v.BindPFlag("log.level", flags.Lookup("log-level")); err != nil {
		return nil, fmt.Errorf("bind log-level: %w", err)
	}
	if err := v.BindPFlag("tree_file", flags.Lookup("tree")); err != nil {
		return nil, fmt.Errorf("bind tree: %w", err)
	}

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s version %s (built %s)\n", appName, Version, BuildTime)
		},
	}
}
