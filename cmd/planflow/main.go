// Package main provides the planflow binary entry point.
// Planflow is an event-driven orchestration engine that runs plans as
// state machines and correlates asynchronous results back to the plan
// or task that issued them, all over NATS.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "planflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Event-driven plan orchestration engine",
		Long: `Planflow runs goal-driven plans as state machines over NATS.

Each plan is defined declaratively in YAML: states, the actions they
emit, and the result events that advance them. Workers consume goal,
request and result topics, delegate sub-work, and correlate every
response back to the waiting plan or task through a durable store.`,
	}

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}
