package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleMustMatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: coordinator\nnetworks:\n  - name: prod\n"), 0o600))

	cmd := rootCmd()
	cmd.SetArgs([]string{"cluster", "--config", path})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a coordinator config")
}

func TestMissingConfigFails(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"coordinator", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, cmd.Execute())
}
