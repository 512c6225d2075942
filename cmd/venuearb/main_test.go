package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMissingConfig(t *testing.T) {
	assert.Equal(t, 1, run([]string{"-config", filepath.Join(t.TempDir(), "absent.toml")}))
	assert.Equal(t, 2, run([]string{"-nope"}))
}

func TestRunInvalidConfigFlushesLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "venuearb.log")
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_output = "+`"`+filepath.ToSlash(logPath)+`"`+"\n"), 0o600))

	assert.Equal(t, 1, run([]string{"-config", cfgPath}))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "invalid configuration")
}

func TestLogOutputFileCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	w, closeOut := logOutput(path, 1)
	_, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	closeOut()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))

	w, closeOut = logOutput("stderr", 1)
	assert.Equal(t, os.Stderr, w)
	closeOut()
}
