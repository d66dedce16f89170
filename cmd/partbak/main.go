// Package main is the entry point for the partbak CLI.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/thoreinstein/partbak/cmd/partbak/commands"
	"github.com/thoreinstein/partbak/internal/errors"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)

		var exitErr *errors.ExitError
		if errors.As(err, &exitErr) && exitErr.Suggestion != "" {
			fmt.Fprintln(os.Stderr, exitErr.Suggestion)
		}

		os.Exit(errors.ExitCode(err))
	}
}
