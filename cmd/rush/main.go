package main

import (
	"fmt"
	"os"

	"github.com/codeswarm/rush/internal/cmd"
	"github.com/codeswarm/rush/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rush: %v\n", err)
		os.Exit(errors.ExitCode(err))
	}
}
