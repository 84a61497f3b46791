// training-service runs fine-tuning jobs on a remote compute provider and
// tracks them from creation to a terminal outcome.
package main

import (
	"log/slog"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}
