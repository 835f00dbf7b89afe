package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const memoryYAML = `
database:
  type: memory
storage:
  type: memory
statistics:
  enabled: false
logging:
  level: error
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(memoryYAML), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootListsSubcommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"serve", "crawl", "migrate"} {
		require.Contains(t, out, name)
	}
}

func TestMigrateWithMemoryDatabase(t *testing.T) {
	_, err := execute(t, "migrate", "--config", writeConfig(t))
	require.NoError(t, err)
}

func TestCrawlRunsOneCycle(t *testing.T) {
	out, err := execute(t, "crawl", "--config", writeConfig(t))
	require.NoError(t, err)
	require.Contains(t, out, "crawled 0 boards")
	require.Contains(t, out, "(0 of 0 watchers failed)")
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := execute(t, "crawl", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "load config")
}
