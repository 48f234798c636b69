package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8899", cfg.RPCURL)
	assert.Equal(t, 10, cfg.ThreadCount)
	assert.Equal(t, "direct_with_fallback", cfg.SubmissionMode)
	assert.Equal(t, uint64(12), cfg.FanoutSlots)
	assert.Equal(t, int64(30_000), cfg.ReplayDelayMs)
	assert.False(t, cfg.EnableReplay)
	assert.Zero(t, cfg.DeadLetterRetentionHours, "dead letters are never auto-evicted by default")
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.InDelta(t, 0.1, cfg.Retry.JitterFactor, 0.001)
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "antegen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc_url: https://file.example:8899
thread_count: 4
retry:
  max_retries: 9
  initial_delay_ms: 50
  max_delay_ms: 1000
  backoff_multiplier: 3
  jitter_factor: 0.2
`), 0o644))

	t.Setenv("ANTEGEN_THREAD_COUNT", "7")
	t.Setenv("ANTEGEN_RETRY_MAX_RETRIES", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://file.example:8899", cfg.RPCURL, "file overrides default")
	assert.Equal(t, 7, cfg.ThreadCount, "environment wins over file")
	assert.Equal(t, 2, cfg.Retry.MaxRetries, "nested keys map to ANTEGEN_RETRY_*")
	assert.Equal(t, int64(50), cfg.Retry.InitialDelayMs)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero workers", map[string]string{"ANTEGEN_THREAD_COUNT": "0"}},
		{"replay without nats", map[string]string{"ANTEGEN_ENABLE_REPLAY": "true"}},
		{"bad submission mode", map[string]string{"ANTEGEN_SUBMISSION_MODE": "tpu"}},
		{"jitter out of range", map[string]string{"ANTEGEN_RETRY_JITTER_FACTOR": "1.5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, cfg.TransactionTimeout().Seconds(), float64(cfg.TransactionTimeoutSeconds))
	assert.Equal(t, int64(2000), cfg.PollInterval().Milliseconds())
	assert.Equal(t, int64(30_000), cfg.ReplayDelay().Milliseconds())
	assert.Zero(t, cfg.DeadLetterRetention())
}

func TestLoadIdentity_Missing(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.LoadIdentity()
	assert.Error(t, err)

	cfg.IdentityPath = filepath.Join(t.TempDir(), "missing.json")
	_, err = cfg.LoadIdentity()
	assert.Error(t, err)
}

func TestLoadIdentity_Valid(t *testing.T) {
	// solana-keygen writes the 64-byte secret as a JSON array.
	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, []byte(
		"[4,91,157,36,103,190,85,135,115,162,137,61,96,243,173,21,82,131,49,19,"+
			"123,110,96,121,162,43,8,204,81,36,235,76,11,31,155,244,112,58,240,255,"+
			"69,155,207,57,196,103,231,58,22,92,100,74,223,211,77,102,55,40,99,16,"+
			"37,113,106,147]"), 0o600))

	cfg := &Config{IdentityPath: path}
	key, err := cfg.LoadIdentity()
	require.NoError(t, err)
	assert.Len(t, []byte(key), 64)
}
