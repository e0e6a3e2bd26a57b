package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/johnwikman/id2202-autograder/pkg/testspec"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and test tree",
	Long: `Load the configuration and resolve the complete test tree, then print
the effective configuration and the resolved grading plan. Exits non-zero if
either is broken.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	fmt.Println("# Effective configuration")
	fmt.Print(string(out))

	if cfg.Runner.TestRoot == "" {
		log.Warn("No test root configured, skipping test tree validation")

		return nil
	}

	tags, err := testspec.AllTags(cfg.Runner.TestRoot)
	if err != nil {
		return fmt.Errorf("collecting test tags: %w", err)
	}

	plan, err := testspec.Resolve(cfg.Runner.TestRoot, tags)
	if err != nil {
		return fmt.Errorf("resolving test tree: %w", err)
	}

	fmt.Println()
	fmt.Printf("# Test tree: %s\n", plan.Title)
	fmt.Printf("tags: %v\n", tags)
	fmt.Printf("total timeout: %s\n", plan.TimeoutTotal)

	if plan.Build.HasBuild() {
		fmt.Printf("build: %v (timeout %s)\n", plan.Build.Cmd, plan.Build.Timeout)
	}

	fmt.Printf("cases: %d\n", len(plan.Cases))

	for _, c := range plan.Cases {
		fmt.Printf("  %-50s %s (timeout %s)\n", c.FullName(), c.Kind, c.Timeout)
	}

	log.Info("Configuration and test tree are valid")

	return nil
}
