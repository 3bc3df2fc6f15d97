// ABOUTME: Tests for CLI helpers: config path resolution, init and logging
// ABOUTME: Runs commands in-process against temp directories

package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/netra-gateway/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("explicit env var", func(t *testing.T) {
		t.Setenv("NETRA_CONFIG", "/etc/netra.yaml")
		assert.Equal(t, "/etc/netra.yaml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("NETRA_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, filepath.Join("/xdg", "netra", "gateway.yaml"), getConfigPath())
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv("NETRA_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/test")
		assert.Equal(t, filepath.Join("/home/test", ".config", "netra", "gateway.yaml"), getConfigPath())
	})
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	logger := slog.New(newColorHandler(&out, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "registry").WithGroup("conn").Info("registered", "id", "c1")

	line := out.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "INF registered")
	assert.Contains(t, line, "component=registry")
	assert.Contains(t, line, "conn.id=c1")
	assert.Equal(t, 1, strings.Count(line, "\n"))
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netra", "gateway.yaml")
	t.Setenv("NETRA_CONFIG", path)
	t.Setenv("XDG_DATA_HOME", dir)

	// Accept every default.
	require.NoError(t, runInit(strings.NewReader(strings.Repeat("\n", 10))))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, filepath.Join(dir, "netra", "gateway.db"), cfg.Store.Path)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, config.Development, config.Classify(cfg.Environment))
}

func TestRunToken_RequiresUser(t *testing.T) {
	err := runToken([]string{"--perms", "realtime"})
	assert.ErrorContains(t, err, "--user is required")
}
