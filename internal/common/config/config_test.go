package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PARLEY_CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Vectorize.MinThreshold)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, cfg.Embedding.Dimensions, cfg.IndexDimensions())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
vectorize:
  min_threshold: 50
  timeout: 30s
index:
  backend: badger
  dimensions: 1536
retrieval:
  top_k: 8
`), 0o600))

	t.Setenv("PARLEY_CONFIG_FILE", path)
	t.Setenv("RETRIEVAL_TOP_K", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Vectorize.MinThreshold)
	assert.Equal(t, 30*time.Second, cfg.Vectorize.Timeout)
	assert.Equal(t, "badger", cfg.Index.Backend)
	assert.Equal(t, 1536, cfg.IndexDimensions())
	assert.Equal(t, 3, cfg.Retrieval.TopK)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad cron", mutate: func(c *Config) { c.Vectorize.Schedule = "every minute" }, wantErr: true},
		{name: "empty schedule disables", mutate: func(c *Config) { c.Vectorize.Schedule = "" }},
		{name: "index smaller than embedding", mutate: func(c *Config) { c.Index.Dimensions = 10 }, wantErr: true},
		{name: "unknown index", mutate: func(c *Config) { c.Index.Backend = "faiss" }, wantErr: true},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Backend = "kafka" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
