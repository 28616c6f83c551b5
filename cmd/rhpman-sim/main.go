package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o rhpman-sim ./cmd/rhpman-sim
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
		return
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "free-space":
		runFreeSpace(os.Args[2:])
	case "save":
		runSave(os.Args[2:])
	case "lookup":
		runLookup(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("rhpman-sim %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: rhpman-sim <command> [options]")
	fmt.Println()
	fmt.Println("Node lifecycle:")
	fmt.Println("  init   [--config path] [--role replicating|non-replicating] [--listen addr] [--force]")
	fmt.Println("  serve  [--config path]                   Start the node (P2P routing + control API)")
	fmt.Println()
	fmt.Println("Control API (talks to a running `serve`):")
	fmt.Println("  status     [--config path] [--json]      Show role, lifecycle state, and occupancy")
	fmt.Println("  free-space [--config path] [--json]      Show remaining Storage capacity")
	fmt.Println("  save <id> <payload-file|-> [--config path]   Save and disseminate a data item")
	fmt.Println("  lookup <id> [--config path] [--json]     Resolve a DataID")
	fmt.Println("  shutdown   [--config path]                Request graceful shutdown")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  config validate [--config path]          Validate config")
	fmt.Println("  config show     [--config path]          Show resolved config")
	fmt.Println("  config rollback [--config path]          Restore last-known-good config")
	fmt.Println("  config apply <new> [--confirm-timeout]   Apply with auto-revert")
	fmt.Println("  config confirm  [--config path]          Confirm applied config")
	fmt.Println()
	fmt.Println("  version                                  Show version information")
	fmt.Println()
	fmt.Println("All commands support --config <path> to specify a config file.")
	fmt.Println("Without --config, rhpman-sim searches: ./rhpman.yaml, ~/.config/rhpman-sim/config.yaml, /etc/rhpman-sim/config.yaml")
	fmt.Println()
	fmt.Println("Get started:  rhpman-sim init")
}
