package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/c360studio/planflow/plan"
)

func validateCmd() *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "validate <dir-or-file>...",
		Short: "Validate plan definition files",
		Long: `Validate statically checks plan definitions without connecting to
NATS: YAML syntax, exactly one initial state, no dangling transition
targets, and no action-less auto-transition cycles.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(args, pattern)
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "**/*.yaml", "Glob pattern for directory arguments")

	return cmd
}

func validate(paths []string, pattern string) error {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(p), pattern)
		if err != nil {
			return fmt.Errorf("glob %s: %w", p, err)
		}
		for _, m := range matches {
			files = append(files, filepath.Join(p, m))
		}
	}

	if len(files) == 0 {
		return fmt.Errorf("no definition files matched")
	}

	failed := 0
	for _, f := range files {
		def, err := plan.LoadDefinition(f)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", f, err)
			continue
		}
		fmt.Printf("OK    %s (%s, goal=%s, states=%d)\n", f, def.Name, def.GoalEvent, len(def.States))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d definition(s) invalid", failed, len(files))
	}
	fmt.Printf("%d definition(s) valid\n", len(files))
	return nil
}
