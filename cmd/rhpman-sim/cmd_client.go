package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rhpman/rhpman-sim/internal/daemon"
	"github.com/rhpman/rhpman-sim/internal/rhpconfig"
	"github.com/rhpman/rhpman-sim/internal/termcolor"
)

// clientForConfig resolves the config file and connects to its
// running daemon's control socket.
func clientForConfig(configFlag string) (*daemon.Client, error) {
	cfgFile, err := rhpconfig.FindConfigFile(configFlag)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	socketPath, cookiePath := daemonPaths(cfgFile)
	return daemon.NewClient(socketPath, cookiePath)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configFlag := fs.String("config", "", "path to config file")
	jsonFlag := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		osExit(1)
		return
	}

	c, err := clientForConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	resp, err := c.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
		return
	}

	fmt.Printf("node:      %s\n", resp.NodeID)
	fmt.Printf("version:   %s\n", resp.Version)
	fmt.Printf("uptime:    %ds\n", resp.UptimeSeconds)
	if resp.Role == "replicating" {
		termcolor.Green("role:      %s", resp.Role)
	} else {
		fmt.Printf("role:      %s\n", resp.Role)
	}
	fmt.Printf("state:     %s\n", resp.State)
	fmt.Printf("storage:   %d\n", resp.StorageLen)
	fmt.Printf("buffer:    %d\n", resp.BufferLen)
	fmt.Printf("replicas:  %d\n", resp.ReplicaCount)
	fmt.Printf("neighbors: %d\n", resp.NeighborCount)
}

func runFreeSpace(args []string) {
	fs := flag.NewFlagSet("free-space", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configFlag := fs.String("config", "", "path to config file")
	jsonFlag := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		osExit(1)
		return
	}

	c, err := clientForConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	resp, err := c.FreeSpace()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
		return
	}
	fmt.Printf("free: %d\n", resp.Free)
}

func runSave(args []string) {
	args = reorderArgs(args, nil)
	fs := flag.NewFlagSet("save", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		osExit(1)
		return
	}

	remaining := fs.Args()
	if len(remaining) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: rhpman-sim save <id> <payload-file> [--config path]")
		osExit(1)
		return
	}

	id, err := strconv.ParseUint(remaining[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid id %q: %v\n", remaining[0], err)
		osExit(1)
		return
	}

	payload, err := readPayload(remaining[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	c, err := clientForConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	resp, err := c.Save(id, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	if resp.StoredLocally {
		termcolor.Green("saved %d locally and disseminated to the neighborhood", id)
	} else {
		fmt.Printf("no local storage slot for %d; disseminated to the neighborhood\n", id)
	}
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func runLookup(args []string) {
	args = reorderArgs(args, map[string]bool{"json": true})
	fs :=flag.NewFlagSet("lookup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configFlag := fs.String("config", "", "path to config file")
	jsonFlag := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		osExit(1)
		return
	}

	remaining := fs.Args()
	if len(remaining) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: rhpman-sim lookup <id> [--config path] [--json]")
		osExit(1)
		return
	}

	id, err := strconv.ParseUint(remaining[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid id %q: %v\n", remaining[0], err)
		osExit(1)
		return
	}

	c, err := clientForConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	resp, err := c.Lookup(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
		return
	}

	if !resp.Found {
		termcolor.Red("not found: %d", id)
		osExit(1)
		return
	}
	fmt.Printf("%s\n", resp.Payload)
}

func runShutdown(args []string) {
	fs := flag.NewFlagSet("shutdown", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		osExit(1)
		return
	}

	c, err := clientForConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	if err := c.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	fmt.Println("Shutdown requested.")
}
