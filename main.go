package main

import (
	"ezserve/cmd"
	"ezserve/internal/orchestrator"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Spawned service and child processes never reach the CLI.
	if orchestrator.Reexec() {
		return
	}
	cmd.SetVersion(version)
	cmd.Execute()
}
