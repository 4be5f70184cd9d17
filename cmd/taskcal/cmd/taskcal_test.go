package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpmoo/tasknotes-sub007/internal/config"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewTaskcal(&stdout, &stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestExpandSecondMonday(t *testing.T) {
	out, _, err := run(t, "expand", "FREQ=MONTHLY;BYDAY=2MO", "--anchor", "2025-01-13", "--to", "2025-04-30")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-13\n2025-02-10\n2025-03-10\n2025-04-14\n", out)
}

func TestExpandWithExceptionsJSON(t *testing.T) {
	out, _, err := run(t, "expand", "DTSTART:20250106;FREQ=WEEKLY;BYDAY=MO",
		"--to", "2025-01-27", "--completed", "2025-01-13", "--skipped", "2025-01-20", "--json")
	require.NoError(t, err)

	var got struct {
		Rule      string `json:"rule"`
		Instances []struct {
			Date      string `json:"date"`
			Completed bool   `json:"completed"`
		} `json:"instances"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Instances, 3)
	assert.Equal(t, "2025-01-06", got.Instances[0].Date)
	assert.Equal(t, "2025-01-13", got.Instances[1].Date)
	assert.True(t, got.Instances[1].Completed)
	assert.Equal(t, "2025-01-27", got.Instances[2].Date)
	assert.Empty(t, got.Error)
}

func TestExpandInvalidRuleShowsAnchor(t *testing.T) {
	out, _, err := run(t, "expand", "FREQ=HOURLY", "--anchor", "2025-01-13", "--days", "3")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-13\n", out)
}

func TestExpandNeedsWindowStart(t *testing.T) {
	_, _, err := run(t, "expand", "FREQ=DAILY")
	assert.Error(t, err)
}

func writeVault(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault")
	require.NoError(t, os.MkdirAll(vault, 0o755))
	notes := map[string]string{
		"Review.md": "---\ntitle: Review\ntags: [task]\ndue: 2025-02-03\nrecurrence: FREQ=WEEKLY;BYDAY=MO\nskipped_instances: [2025-02-17]\n---\n",
		"Ping.md":   "---\ntitle: Ping\ntags: [task]\ndue: 2025-02-03\nrecurrence: FREQ=HOURLY\n---\n",
	}
	for name, body := range notes {
		require.NoError(t, os.WriteFile(filepath.Join(vault, name), []byte(body), 0o644))
	}

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.VaultDir = vault
	cfg.CacheDir = filepath.Join(dir, "cache")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(path, cfg))
	return path
}

func TestAgenda(t *testing.T) {
	cfgPath := writeVault(t)
	out, _, err := run(t, "--config", cfgPath, "agenda", "--from", "2025-02-03", "--to", "2025-02-23")
	require.NoError(t, err)
	assert.Contains(t, out, "2025-02-03 Mon")
	assert.Contains(t, out, "2025-02-10 Mon")
	assert.NotContains(t, out, "2025-02-17")
	assert.Contains(t, out, "RECURRING_INSTANCE")
	assert.Contains(t, out, "Review")
}

func TestAgendaRejectsBadColorBy(t *testing.T) {
	cfgPath := writeVault(t)
	_, _, err := run(t, "--config", cfgPath, "agenda", "--from", "2025-02-03", "--color-by", "mood")
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	cfgPath := writeVault(t)

	out, _, err := run(t, "--config", cfgPath, "export")
	require.NoError(t, err)
	var items []struct {
		Path       string   `json:"path"`
		Recurrence []string `json:"recurrence"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "Review.md", items[0].Path)
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;BYDAY=MO", "EXDATE;VALUE=DATE:20250217"}, items[0].Recurrence)

	_, _, err = run(t, "--config", cfgPath, "export", "--strict")
	assert.Error(t, err)

	_, _, err = run(t, "--config", cfgPath, "export", "--task", "Ping.md")
	assert.Error(t, err)

	out, _, err = run(t, "--config", cfgPath, "export", "--ics")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR"))
	assert.Contains(t, out, "RRULE:FREQ=WEEKLY;BYDAY=MO")
}

func TestLoadWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	_, _, err := run(t, "--config", path, "export")
	// The default config has no vault directory.
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}
