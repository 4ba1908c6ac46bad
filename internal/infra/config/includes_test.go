package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncludesSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "ops.yaml", `
ops:
  sink: redis
  redis:
    addr: "redis:6379"
`)
	path := writeConfigFile(t, dir, "switchboard.yaml", `
includes:
  - "ops.yaml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Ops.Sink)
	assert.Equal(t, "redis:6379", cfg.Ops.Redis.Addr)
	assert.Nil(t, cfg.Includes)
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeConfigFile(t, sub, "logger.yaml", "logger:\n  level: debug\n")
	writeConfigFile(t, sub, "spawn.yaml", "spawn:\n  role_card_dir: /cards\n")
	path := writeConfigFile(t, dir, "switchboard.yaml", "includes:\n  - \"conf.d/*.yaml\"\n  - \"nothing/*.yaml\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "/cards", cfg.Spawn.RoleCardDir)
}

func TestIncludesMainPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", `
routing:
  max_attempts: 5
  gateway_url: "http://gateway.internal:8080"
`)
	path := writeConfigFile(t, dir, "switchboard.yaml", `
includes:
  - "base.yaml"
routing:
  max_attempts: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Routing.MaxAttempts, "main file wins")
	assert.Equal(t, "http://gateway.internal:8080", cfg.Routing.GatewayURL, "include fills the rest")
}

func TestIncludesCircularDetection(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", "includes:\n  - \"b.yaml\"\n")
	writeConfigFile(t, dir, "b.yaml", "includes:\n  - \"a.yaml\"\n")
	path := writeConfigFile(t, dir, "switchboard.yaml", "includes:\n  - \"a.yaml\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular include")
}

func TestIncludesSelfReference(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "switchboard.yaml", "includes:\n  - \"switchboard.yaml\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular include")
}

func TestIncludesPathTraversal(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "switchboard.yaml", "includes:\n  - \"../../../etc/passwd\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestIncludesFileNotFound(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "switchboard.yaml", "includes:\n  - \"missing.yaml\"\n")
	_, err := Load(path)
	require.Error(t, err)
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Contains(t, err.Error(), "read")
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestIncludesNested(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "leaf.yaml", "registry:\n  self_id: nested-router\n")
	writeConfigFile(t, dir, "mid.yaml", "includes:\n  - \"leaf.yaml\"\n")
	path := writeConfigFile(t, dir, "switchboard.yaml", "includes:\n  - \"mid.yaml\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nested-router", cfg.Registry.SelfID)
}

func TestIncludesMaxDepth(t *testing.T) {
	dir := t.TempDir()
	for i := range maxIncludeDepth + 2 {
		writeConfigFile(t, dir, fmt.Sprintf("l%d.yaml", i), fmt.Sprintf("includes:\n  - \"l%d.yaml\"\n", i+1))
	}
	writeConfigFile(t, dir, fmt.Sprintf("l%d.yaml", maxIncludeDepth+2), "")
	path := writeConfigFile(t, dir, "switchboard.yaml", "includes:\n  - \"l0.yaml\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max depth")
}

func TestIncludesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "empty.yaml", "")
	path := writeConfigFile(t, dir, "switchboard.yaml", "includes:\n  - \"empty.yaml\"\n")

	_, err := Load(path)
	assert.NoError(t, err)
}
