package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-mblock"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	smallK  int
	bigK    int
)

var rootCmd = &cobra.Command{
	Use:   "mbtest",
	Short: "Exercise the static block allocator",
	Long: `mbtest runs allocation scenarios against a freshly reserved block
allocator. Every block is filled with a known pattern that is verified before
the block is freed, and every scenario must leave both pools empty.`,
	SilenceUsage: true,
}

func init() {
	defaults := mblock.DefaultConfig()
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().
		IntVar(&smallK, "small-k", defaults.SmallCapacityK, "Small pool capacity in thousands of 16 byte blocks")
	rootCmd.PersistentFlags().
		IntVar(&bigK, "big-k", defaults.BigCapacityK, "Big pool capacity in thousands of 256 byte blocks")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger returns a stderr logger at debug level in verbose mode.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// output returns the writer for progress output, which is discarded in quiet mode.
func output(cmd *cobra.Command) io.Writer {
	if quiet {
		return io.Discard
	}
	return cmd.OutOrStdout()
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(w io.Writer, format string, args ...any) {
	if verbose {
		fmt.Fprintf(w, format, args...)
	}
}
