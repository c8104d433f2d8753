package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReturnsStartupErrors(t *testing.T) {
	t.Setenv("LIFEHUB_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}
