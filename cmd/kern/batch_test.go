package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBatchFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	content := `
tasks:
  - name: first
    brain: first.kast
  - name: second
    brain: second.kast
    config: second.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	bf, err := loadBatchFile(path)
	require.NoError(t, err)
	require.Len(t, bf.Tasks, 2)
	require.Equal(t, "first", bf.Tasks[0].Name)
	require.Equal(t, "first.kast", bf.Tasks[0].Brain)
	require.Equal(t, "", bf.Tasks[0].ConfigPath)
	require.Equal(t, "second", bf.Tasks[1].Name)
	require.Equal(t, "second.yaml", bf.Tasks[1].ConfigPath)
}

func TestLoadBatchFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.json")
	content := `{"tasks": [{"name": "only", "brain": "only.kast"}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	bf, err := loadBatchFile(path)
	require.NoError(t, err)
	require.Len(t, bf.Tasks, 1)
	require.Equal(t, "only", bf.Tasks[0].Name)
	require.Equal(t, "only.kast", bf.Tasks[0].Brain)
}

func TestLoadBatchFileMissing(t *testing.T) {
	_, err := loadBatchFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRunBatchStopsAtFirstFailure(t *testing.T) {
	bf := &batchFile{Tasks: []batchTask{
		{Name: "bad", Brain: filepath.Join(t.TempDir(), "missing.kast")},
		{Name: "never-reached", Brain: filepath.Join(t.TempDir(), "also-missing.kast")},
	}}

	err := runBatch(bf, nil, false, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad")
}
