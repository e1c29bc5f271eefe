package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liminal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultPassesValidate(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeTemp(t, `
router:
  limits:
    queue_hard_max: 42
territory:
  sweep_interval: 1s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Router.Limits.QueueHardMax)
	assert.Equal(t, time.Second, cfg.Territory.SweepInterval)
	// Untouched defaults survive the overlay.
	assert.Equal(t, 5*time.Minute, cfg.Territory.DefaultLeaseDuration)
	assert.Equal(t, "<LIMINAL_EVENT>", cfg.Pty.BeginTag)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAMLReturnsError(t *testing.T) {
	path := writeTemp(t, "router: [this is not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsZeroSweepInterval(t *testing.T) {
	cfg := Default()
	cfg.Territory.SweepInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyPtyTags(t *testing.T) {
	cfg := Default()
	cfg.Pty.BeginTag = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEnabledLedgerWithoutPath(t *testing.T) {
	cfg := Default()
	cfg.Ledger.Enabled = true
	cfg.Ledger.Path = ""
	assert.Error(t, cfg.Validate())
}

func TestTokenBucketCapacityKeyedByPriority(t *testing.T) {
	cfg := Default()
	capacity := cfg.TokenBucketCapacity()
	assert.Equal(t, float64(50), capacity[types.Info])
	assert.Equal(t, float64(8), capacity[types.Critical])
}
