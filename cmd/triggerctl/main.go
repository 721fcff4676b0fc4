// Command triggerctl is the operator CLI for the trigger queue.
//
// Subcommands:
//
//	enqueue   enqueue one trigger command
//	get       show one job
//	counts    show job counts by state
//	recover   run one maintenance pass now
//	migrate   apply Postgres migrations
//	token     issue an API bearer token
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "triggerctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "triggerctl",
		Short:         "Operate the trigger queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		enqueueCmd(),
		getCmd(),
		countsCmd(),
		recoverCmd(),
		migrateCmd(),
		tokenCmd(),
	)
	return root
}
