package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/drpcorg/sharedtree"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func golden(version string) string {
	return filepath.Join("..", "..", "testdata", "summaries", version+".json")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestInspect(t *testing.T) {
	for _, version := range sharedtree.SupportedSummaryVersions {
		out, err := run(t, "inspect", "--tree", "--history", golden(version))
		require.Nil(t, err, version)
		assert.Contains(t, out, "version     "+version+"\n")
		assert.Contains(t, out, "revision    2\n")
		assert.Contains(t, out, "edits       2 (applied 2, invalid 0, malformed 0)\n")
		assert.Contains(t, out, "nodes       4\n")
		assert.Contains(t, out, "48e38bb4 applied")
		assert.Contains(t, out, "a6fed5e0-7a3d-4b2f-9c64-3f4b1e8d2c71 (node) 42\n")
	}

	_, err := run(t, "inspect", filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = run(t, "inspect")
	assert.Error(t, err)
}

func TestUpgrade(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "up.json")
	out, err := run(t, "upgrade", golden(sharedtree.SummaryVersion001), target)
	require.Nil(t, err)
	assert.Contains(t, out, "0.0.1 -> ")

	raw, err := os.ReadFile(target)
	require.Nil(t, err)
	summary, err := sharedtree.Deserialize(raw)
	require.Nil(t, err)
	assert.Equal(t, sharedtree.CurrentSummaryVersion, summary.Version)
	assert.Len(t, summary.Edits, 2)

	// back down to the oldest format, through stdout
	out, err = run(t, "upgrade", "--to", sharedtree.SummaryVersion001, target, "-")
	require.Nil(t, err)
	summary, err = sharedtree.Deserialize([]byte(out))
	require.Nil(t, err)
	assert.Equal(t, sharedtree.SummaryVersion001, summary.Version)

	out, err = run(t, "upgrade", "--tail", "1", target, "-")
	require.Nil(t, err)
	summary, err = sharedtree.Deserialize([]byte(out))
	require.Nil(t, err)
	assert.True(t, summary.Compacted())
	assert.Equal(t, 2, summary.Revision())

	_, err = run(t, "upgrade", "--to", "9.9.9", target, "-")
	assert.ErrorIs(t, err, sharedtree.ErrUnsupportedSummaryVersion)
	_, err = run(t, "upgrade", "--to", sharedtree.SummaryVersion002, "--tail", "1", target, "-")
	assert.ErrorIs(t, err, sharedtree.ErrHistoryUnavailable)
}

func TestRoot_BadLogLevel(t *testing.T) {
	_, err := run(t, "--log-level", "shout", "inspect", golden(sharedtree.SummaryVersion010))
	assert.Error(t, err)
}
