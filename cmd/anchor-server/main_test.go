package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRejectsMissingPoolPath(t *testing.T) {
	var out, errOut bytes.Buffer

	code := run(&out, &errOut, []string{"--container", "hashmap_tx"}, nil)
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "--pool-path is required")
}

func TestRunRejectsUnknownContainer(t *testing.T) {
	var out, errOut bytes.Buffer

	dir := t.TempDir()

	code := run(&out, &errOut, []string{"--pool-path", dir, "--container", "graph_db"}, nil)
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "unknown container")
}

func TestRunCreatesPoolAndShutsDownOnSignal(t *testing.T) {
	var out, errOut bytes.Buffer

	dir := filepath.Join(t.TempDir(), "pool")
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt

	code := run(&out, &errOut, []string{"--pool-path", dir}, sigCh)
	require.Equal(t, 0, code)
	require.Contains(t, out.String(), "ready")
	require.Contains(t, out.String(), "clean shutdown")
}
