package preflight

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/popper/internal/locator"
)

func TestCheckSidecarFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	bin := filepath.Join(dir, "bin", "popper")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	var out bytes.Buffer
	status := CheckSidecar(&out, locator.New(dir, "", ""), "popper")

	assert.True(t, status.Found)
	assert.Equal(t, bin, status.Path)
	assert.Contains(t, out.String(), "✓ popper found")
}

func TestCheckSidecarMissing(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	status := CheckSidecar(&out, locator.New(dir, dir, ""), "nosuchsidecar")

	assert.False(t, status.Found)
	assert.NotEmpty(t, status.Tried)
	assert.Contains(t, status.Tried, filepath.Join(dir, "bin", "nosuchsidecar"))
	assert.Contains(t, out.String(), "⚠ nosuchsidecar sidecar not found. Tried: ")
}
