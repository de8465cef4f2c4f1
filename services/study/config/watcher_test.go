// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/essaylab/services/revision"
)

const reloadedYAML = `
server:
  port: 9999
prompts:
  proofreader: "Proofread: {{.Essay}}"
`

func startWatcher(t *testing.T) (*Watcher, string, chan *Config) {
	t.Helper()
	path := writeFile(t, t.TempDir(), "server:\n  port: 9000\n")
	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	changed := make(chan *Config, 4)
	w.OnChange(func(c *Config) { changed <- c })
	require.NoError(t, w.Start(context.Background()))
	return w, path, changed
}

func TestWatcher_ReloadsPrompts(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, path, changed := startWatcher(t)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(reloadedYAML), 0644))

	select {
	case cfg := <-changed:
		assert.Equal(t, "Proofread: {{.Essay}}", cfg.Prompts["proofreader"])
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	out, err := w.ToolPrompt(revision.ToolProofreader, "An essay.")
	require.NoError(t, err)
	assert.Equal(t, "Proofread: An essay.", out)

	// Server settings are fixed at startup.
	assert.Equal(t, 9000, w.Current().Server.Port)
}

func TestWatcher_KeepsConfigOnInvalidFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, path, changed := startWatcher(t)
	defer w.Stop()
	before := w.Current()

	require.NoError(t, os.WriteFile(path, []byte("prompts:\n  clarity: \"{{.Essay\"\n"), 0644))

	select {
	case <-changed:
		t.Fatal("invalid config must not be applied")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Same(t, before, w.Current())
}

func TestWatcher_ReloadDirect(t *testing.T) {
	path := writeFile(t, t.TempDir(), "")
	initial, err := Load(path)
	require.NoError(t, err)
	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(reloadedYAML), 0644))
	require.NoError(t, w.Reload())
	assert.Equal(t, "Proofread: {{.Essay}}", w.Current().Prompts["proofreader"])
	assert.NoError(t, w.Stop())
}

func TestWatcher_KeepsConfigWhenFileMoved(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := writeFile(t, t.TempDir(), reloadedYAML)
	initial, err := Load(path)
	require.NoError(t, err)
	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	changed := make(chan *Config, 4)
	w.OnChange(func(c *Config) { changed <- c })
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	before := w.Current()

	require.NoError(t, os.Rename(path, path+".bak"))

	select {
	case <-changed:
		t.Fatal("moving the config file must not reload defaults")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Same(t, before, w.Current())
	assert.Equal(t, "Proofread: {{.Essay}}", w.Current().Prompts["proofreader"])
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, fs.ErrNotExist, "config file must not be recreated")

	assert.ErrorIs(t, w.Reload(), fs.ErrNotExist)
	assert.Same(t, before, w.Current())
}

func TestNewWatcher_RejectsBrokenPrompts(t *testing.T) {
	cfg := Default()
	cfg.Prompts["clarity"] = "{{"
	_, err := NewWatcher("x.yaml", cfg, nil)
	assert.Error(t, err)
}
