// Package main is the entry point for the authmux CLI.
package main

import (
	"os"

	"github.com/authmux/authmux/cmd/authmux/app"
	"github.com/authmux/authmux/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
