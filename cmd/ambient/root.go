package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ambient",
	Short: "Background learning daemon for the assistant",
	Long: `ambient mines completed chat sessions for durable facts about the user
while the assistant is idle, without contending with foreground inference.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the CLI and maps errors to exit codes. The supervisor exit
// codes are part of its contract: 0 clean, 2 restart budget exhausted,
// 3 launch failure.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var coded *exitError
		if errors.As(err, &coded) {
			return coded.code
		}
		return 1
	}
	return 0
}

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
