package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunPrintsCSVRow(t *testing.T) {
	var out, errOut bytes.Buffer

	dir := t.TempDir()

	code := run(&out, &errOut, []string{
		"--pool-path", dir,
		"--data-structure", "hashmap_tx",
		"--read-ratio", "0.5",
		"--value-size", "32",
		"--keys", "4",
		"--ops", "20",
		"--seed", "1",
	})
	require.Equal(t, 0, code, errOut.String())
	require.Contains(t, out.String(), "hashmap_tx;4;20;0.50;8;32;")
}
