package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360/semtree/registry"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and tree file without starting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if cfg.TreeFile != "" {
				tf, err := readTreeFile(cfg.TreeFile)
				if err != nil {
					return err
				}
				cmd.Printf("tree file %s: %d root elements, %d links, %d subscriptions\n",
					cfg.TreeFile, len(tf.Elements), len(tf.Links), len(tf.Subscriptions))
			}
			cmd.Println("Configuration is valid")
			return nil
		},
	}
}

func readTreeFile(path string) (*registry.TreeFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tree file: %w", err)
	}
	defer f.Close()

	tf, err := registry.ParseTreeFile(f)
	if err != nil {
		return nil, fmt.Errorf("parse tree file %s: %w", path, err)
	}
	return tf, nil
}
