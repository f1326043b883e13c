package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-mblock"
)

var (
	runScripts  []string
	runDump     bool
	runChecksum bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().StringArrayVar(&runScripts, "script", nil, "Run a TOML scenario script (repeatable)")
	cmd.Flags().BoolVar(&runDump, "dump", false, "Print maps and statistics at scenario checkpoints")
	cmd.Flags().BoolVar(&runChecksum, "checksum", false, "Print the map checksum before and after each scenario")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run allocation scenarios",
		Long: `The run command runs the named built-in scenarios and any scenario
scripts, each against a fresh allocator. Without arguments or scripts every
built-in scenario is run.

Example:
  mbtest run
  mbtest run gaps --dump
  mbtest run fill --checksum
  mbtest run --script testdata/mixed.toml --small-k 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
	}
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	config := mblock.DefaultConfig()
	config.SmallCapacityK = smallK
	config.BigCapacityK = bigK

	var scenarios []Scenario
	for _, name := range args {
		s, ok := findScenario(name)
		if !ok {
			return fmt.Errorf("unknown scenario %q", name)
		}
		scenarios = append(scenarios, s)
	}
	for _, path := range runScripts {
		script, err := loadScript(path)
		if err != nil {
			return err
		}
		scenarios = append(scenarios, script.Scenario(config))
	}
	if len(scenarios) == 0 {
		scenarios = builtinScenarios
	}

	w := output(cmd)
	opts := runOptions{
		logger:   newLogger(),
		dump:     runDump,
		checksum: runChecksum,
	}
	for _, s := range scenarios {
		fmt.Fprintf(w, "Running %s...\n", s.Name)
		if err := runScenario(s, config, opts, w); err != nil {
			return err
		}
		fmt.Fprintf(w, "PASS %s\n", s.Name)
	}
	return nil
}
