package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
)

const (
	exitSuccess   = 0
	exitError     = 1
	exitCancelled = 130
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			if logLevel == "debug" {
				fmt.Fprintf(os.Stderr, "Stack trace:\n%s\n", debug.Stack())
			}
			os.Exit(exitError)
		}
	}()

	if err := Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(exitCancelled)
		}
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
