package main

import (
	"log/slog"
	"os"

	"github.com/securethecloud/ebs-encryptor/cmd/ebs-encryptor/commands"
)

func main() {
	// Initialize structured logger with text format for readability.
	// Commands replace it with a per-run logger once the profile is known.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
