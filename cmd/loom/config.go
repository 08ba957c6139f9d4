// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/tailscale/hujson"

	"loom.build/pkg/storepath"
)

// globalConfig is the CLI's merged configuration: built-in defaults,
// overridden by a HuJSON config file (if present), overridden in turn
// by LOOM_STORE_DIR/LOOM_STORE_SOCKET and command-line flags — the
// same layering the teacher's own globalConfig.mergeEnvironment plus
// mergeFiles perform, simplified here to a single config file location
// resolved through xdg (the teacher resolves its own config/cache
// directories by hand in dirs_unix.go/dirs_windows.go).
type globalConfig struct {
	Debug        bool                 `json:"debug"`
	Directory    storepath.Directory  `json:"storeDirectory"`
	StoreSocket  string               `json:"storeSocket"`
	GCRootsDir   string               `json:"gcRootsDir"`
	DBPath       string               `json:"dbPath"`
	Substituters []string             `json:"substituters"`
}

func defaultGlobalConfig() *globalConfig {
	varDir := filepath.Join(filepath.Dir(string(storepath.DefaultDirectory)), "var", "loom")
	return &globalConfig{
		Directory:   storepath.DefaultDirectory,
		StoreSocket: filepath.Join(varDir, "daemon.sock"),
		GCRootsDir:  filepath.Join(varDir, "gcroots"),
		DBPath:      filepath.Join(varDir, "db.sqlite"),
	}
}

// mergeConfigFile reads the user's loom/config.json (HuJSON: comments
// and trailing commas allowed, per [hujson.Standardize]) if it exists,
// merging any fields it sets into g. A missing file is not an error.
func (g *globalConfig) mergeConfigFile() error {
	path, err := xdg.ConfigFile(filepath.Join("loom", "config.json"))
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(standardized, g); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// mergeEnvironment applies LOOM_STORE_DIR and LOOM_STORE_SOCKET on top
// of whatever the config file set, matching the teacher's own
// environment-beats-config-file precedence.
func (g *globalConfig) mergeEnvironment() error {
	dir, err := storepath.DirectoryFromEnvironment(os.LookupEnv)
	if err != nil {
		return err
	}
	if _, ok := os.LookupEnv(storepath.EnvVar); ok {
		g.Directory = dir
	}
	if sock := os.Getenv("LOOM_STORE_SOCKET"); sock != "" {
		g.StoreSocket = sock
	}
	return nil
}

func (g *globalConfig) validate() error {
	if g.Directory == "" {
		return fmt.Errorf("store directory not set")
	}
	if g.StoreSocket == "" {
		return fmt.Errorf("store socket path not set")
	}
	return nil
}
