package setup

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-prescreen-server/internal/config"
)

func testConfig(t *testing.T) *config.LiteConfig {
	t.Helper()
	return &config.LiteConfig{
		DataDir:      filepath.Join(t.TempDir(), "prescreen"),
		CriteriaFile: "criteria.json",
		TurnTimeout:  30 * time.Second,
	}
}

func TestWriteSampleCriteria(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "criteria.json")

	require.NoError(t, WriteSampleCriteria(path, false))
	err := WriteSampleCriteria(path, false)
	assert.ErrorIs(t, err, ErrCriteriaExists)
	require.NoError(t, WriteSampleCriteria(path, true))

	trials, err := LoadTrials(path)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, SampleTrialID, trials[0].TrialID)
	assert.Equal(t, 5, trials[0].Inclusions)
	assert.Equal(t, 3, trials[0].Exclusions)
}

func TestValidate(t *testing.T) {
	cfg := testConfig(t)

	valid, issues := Validate(cfg)
	assert.False(t, valid)
	assert.NotEmpty(t, issues)

	require.NoError(t, WriteSampleCriteria(cfg.CriteriaPath(), false))
	valid, issues = Validate(cfg)
	assert.True(t, valid, "missing API key is only a warning: %v", issues)
	require.Len(t, issues, 1)
	assert.True(t, strings.HasPrefix(issues[0], "warning:"))

	cfg.NLAPIKey = "sk-test"
	valid, issues = Validate(cfg)
	assert.True(t, valid)
	assert.Empty(t, issues)
}

func TestValidate_BadCriteriaFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.NLAPIKey = "sk-test"
	require.NoError(t, cfg.EnsureDataDir())
	require.NoError(t, os.WriteFile(cfg.CriteriaPath(), []byte(`[{"id":"x","trial_id":"t","kind":"maybe"}]`), 0644))

	valid, issues := Validate(cfg)
	assert.False(t, valid)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "invalid criterion kind")
}

func TestGetStatus(t *testing.T) {
	cfg := testConfig(t)

	status := GetStatus(cfg)
	assert.False(t, status.DataDirExists)
	assert.False(t, status.SessionDBExists)
	assert.Len(t, status.Issues, 2)

	require.NoError(t, cfg.EnsureDataDir())
	require.NoError(t, WriteSampleCriteria(cfg.CriteriaPath(), false))
	status = GetStatus(cfg)
	assert.True(t, status.DataDirExists)
	assert.Empty(t, status.Issues)
	require.Len(t, status.Trials, 1)
}

func TestCLI_Init(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer

	cli := NewCLI(cfg, strings.NewReader(""), &out)
	require.NoError(t, cli.Run([]string{"init"}))
	assert.Contains(t, out.String(), SampleTrialID)
	_, err := os.Stat(cfg.CriteriaPath())
	require.NoError(t, err)

	// Declining keeps the existing file.
	require.NoError(t, os.WriteFile(cfg.CriteriaPath(), []byte("[]"), 0644))
	out.Reset()
	cli = NewCLI(cfg, strings.NewReader("n\n"), &out)
	require.NoError(t, cli.Run([]string{"init"}))
	assert.Contains(t, out.String(), "Keeping the existing criteria file")
	data, err := os.ReadFile(cfg.CriteriaPath())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	out.Reset()
	cli = NewCLI(cfg, strings.NewReader("y\n"), &out)
	require.NoError(t, cli.Run([]string{"init"}))
	trials, err := LoadTrials(cfg.CriteriaPath())
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}

func TestCLI_StatusAndValidate(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	cli := NewCLI(cfg, strings.NewReader(""), &out)

	assert.Error(t, cli.Run([]string{"validate"}))
	assert.Contains(t, out.String(), "Configuration has issues")

	require.NoError(t, cli.Run([]string{"init"}))
	out.Reset()
	require.NoError(t, cli.Run([]string{"status"}))
	assert.Contains(t, out.String(), SampleTrialID+": 5 inclusion, 3 exclusion")
	assert.Contains(t, out.String(), "Rules only")

	out.Reset()
	require.NoError(t, cli.Run([]string{"bogus"}))
	assert.Contains(t, out.String(), "Unknown command: bogus")
}
