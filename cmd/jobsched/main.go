package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobsched",
		Short:         "Programmatic job scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "./jobsched.json", "path to config (json, yaml or toml)")

	root.AddCommand(
		newServeCommand(),
		newTriggerCommand(),
		newHistoryCommand(),
	)
	return root
}
