package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rhpman/rhpman-sim/internal/identity"
	"github.com/rhpman/rhpman-sim/internal/rhpconfig"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to write the config file")
	role := fs.String("role", "non-replicating", `node role: "replicating" or "non-replicating"`)
	listen := fs.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		dir, err := rhpconfig.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		cfgPath = filepath.Join(dir, "config.yaml")
	}

	if _, err := os.Stat(cfgPath); err == nil && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
	}

	if _, err := rhpconfig.ParseRole(*role); err != nil {
		return err
	}

	cfgDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(cfgDir, 0700); err != nil {
		return fmt.Errorf("init: create config dir: %w", err)
	}

	keyFile := filepath.Join(cfgDir, "identity.key")
	if _, _, err := identity.NodeIDFromKeyFile(keyFile); err != nil {
		return fmt.Errorf("init: generate identity: %w", err)
	}

	cfg := rhpconfig.DefaultConfig()
	cfg.Identity.KeyFile = "identity.key"
	cfg.Network.ListenAddresses = []string{*listen}
	cfg.Engine.Role = *role

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("init: marshal config: %w", err)
	}
	if err := os.WriteFile(cfgPath, out, 0600); err != nil {
		return fmt.Errorf("init: write config: %w", err)
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", cfgPath)
	fmt.Fprintf(stdout, "Identity key at %s\n", keyFile)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Start the node with:")
	fmt.Fprintf(stdout, "  rhpman-sim serve --config %s\n", cfgPath)
	return nil
}
