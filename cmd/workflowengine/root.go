// Command workflowengine is the operator/demo CLI for the workflow
// execution engine. Grounded on the teacher's cmd/main.go flag-based
// entrypoint and cklxx-elephant.ai's cobra_cli.go command-tree shape
// (root command, PersistentFlags for global options, one file per
// subcommand).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "workflowengine",
		Short: "DAG-based workflow orchestration engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newDemoCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("workflowengine %s (built %s, commit %s)\n", version, buildTime, gitCommit)
			return nil
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
