// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adrg/xdg"
)

func TestDefaultGlobalConfig(t *testing.T) {
	got := defaultGlobalConfig()
	if got.Directory == "" {
		t.Error("defaultGlobalConfig().Directory is empty")
	}
	if got.StoreSocket == "" {
		t.Error("defaultGlobalConfig().StoreSocket is empty")
	}
	if got.GCRootsDir == "" {
		t.Error("defaultGlobalConfig().GCRootsDir is empty")
	}
	if got.DBPath == "" {
		t.Error("defaultGlobalConfig().DBPath is empty")
	}
}

func TestGlobalConfigMergeConfigFileMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	t.Cleanup(xdg.Reload)

	g := defaultGlobalConfig()
	want := *defaultGlobalConfig()
	if err := g.mergeConfigFile(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*g, want) {
		t.Errorf("mergeConfigFile changed config despite no file present: got %+v, want %+v", *g, want)
	}
}

func TestGlobalConfigMergeConfigFile(t *testing.T) {
	xdgHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdgHome)
	xdg.Reload()
	t.Cleanup(xdg.Reload)

	configDir := filepath.Join(xdgHome, "loom")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `{
		// a HuJSON comment, allowed because config.json is parsed as JWCC
		"debug": true,
		"storeDirectory": "/tmp/store",
	}`
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	g := defaultGlobalConfig()
	if err := g.mergeConfigFile(); err != nil {
		t.Fatal(err)
	}
	if !g.Debug {
		t.Error("Debug = false, want true after merging config file")
	}
	if g.Directory != "/tmp/store" {
		t.Errorf("Directory = %q, want /tmp/store", g.Directory)
	}
}

func TestGlobalConfigMergeEnvironment(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOOM_STORE_DIR", storeDir)
	t.Setenv("LOOM_STORE_SOCKET", filepath.Join(dir, "daemon.sock"))

	g := defaultGlobalConfig()
	if err := g.mergeEnvironment(); err != nil {
		t.Fatal(err)
	}
	if string(g.Directory) != storeDir {
		t.Errorf("Directory = %q, want %q", g.Directory, storeDir)
	}
	if g.StoreSocket != filepath.Join(dir, "daemon.sock") {
		t.Errorf("StoreSocket = %q, want %q", g.StoreSocket, filepath.Join(dir, "daemon.sock"))
	}
}

func TestGlobalConfigValidate(t *testing.T) {
	g := defaultGlobalConfig()
	if err := g.validate(); err != nil {
		t.Errorf("validate() on default config: %v", err)
	}

	empty := new(globalConfig)
	if err := empty.validate(); err == nil {
		t.Error("validate() on zero-value config returned nil error, want a complaint about missing fields")
	}
}
