package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunInteractiveUnknownBrainReportsErrorAndContinues(t *testing.T) {
	in := strings.NewReader("load " + filepath.Join(t.TempDir(), "missing.kast") + "\nquit\n")
	var out bytes.Buffer

	err := runInteractive(in, &out, nil, false)
	require.NoError(t, err)
	require.Contains(t, out.String(), "error:")
}

func TestRunInteractiveExplainWithoutRun(t *testing.T) {
	in := strings.NewReader("explain\nquit\n")
	var out bytes.Buffer

	err := runInteractive(in, &out, nil, false)
	require.NoError(t, err)
	require.Contains(t, out.String(), "no run yet")
}

func TestRunInteractiveUnknownCommand(t *testing.T) {
	in := strings.NewReader("frobnicate\nquit\n")
	var out bytes.Buffer

	err := runInteractive(in, &out, nil, false)
	require.NoError(t, err)
	require.Contains(t, out.String(), `unknown command "frobnicate"`)
}

func TestRunInteractiveLoadUsage(t *testing.T) {
	in := strings.NewReader("load\nquit\n")
	var out bytes.Buffer

	err := runInteractive(in, &out, nil, false)
	require.NoError(t, err)
	require.Contains(t, out.String(), "usage: load <brain>")
}
