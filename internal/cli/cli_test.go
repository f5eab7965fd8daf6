package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `deployment:
  mode: standalone
logging:
  console:
    enabled: false
  file:
    enabled: false
primary:
  driver: sqlite
  dsn: ":memory:"
search:
  backend: memory
queue:
  backend: memory
pubsub:
  backend: memory
render:
  base_url: http://127.0.0.1:1
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "listen", "worker", "purge-queue", "reindex"}, names)

	for _, flag := range []string{"config", "metrics-addr", "format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(t, "run", "--format", "xml", "--config", writeConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRunCommand_Flags(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{})
	require.NoError(t, cmd.ParseFlags([]string{"--record", "--dry-run", "--last-xmin", "42", "--types", "Experiment,Biosample"}))

	record, _ := cmd.Flags().GetBool("record")
	assert.True(t, record)
	last, _ := cmd.Flags().GetInt64("last-xmin")
	assert.Equal(t, int64(42), last)
	types, _ := cmd.Flags().GetStringSlice("types")
	assert.Equal(t, []string{"Experiment", "Biosample"}, types)
	assert.True(t, cmd.Flags().Changed("last-xmin"))
}

func TestRunCommand_JSON(t *testing.T) {
	out, err := execute(t, "run", "--format", "json", "--config", writeConfig(t))
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "noop", res["outcome"])
	assert.Equal(t, "primary", res["title"])
}

func TestRunCommand_MissingConfig(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestPurgeQueueCommand(t *testing.T) {
	out, err := execute(t, "purge-queue", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "outcome=reset_queue")
}

func TestReindexCommand(t *testing.T) {
	_, err := execute(t, "reindex", "--config", writeConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one key")

	out, err := execute(t, "reindex", "--config", writeConfig(t), "k1", "k2")
	require.NoError(t, err)
	assert.Contains(t, out, "requested reindex of 2 keys (all=false) for primary")
}

func TestRunCommand_InvalidMetricsAddr(t *testing.T) {
	_, err := execute(t, "run", "--metrics-addr", "nope", "--config", writeConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--metrics-addr")
}
