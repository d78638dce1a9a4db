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
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "recalld.db", cfg.Store.Path)
	assert.Equal(t, "chromem", cfg.Index.Backend)
	assert.Equal(t, "recalld.index", cfg.Index.Chromem.Path)
	assert.Equal(t, "localhost", cfg.Index.Qdrant.Host)
	assert.Equal(t, 6334, cfg.Index.Qdrant.Port)
	assert.Equal(t, "BAAI/bge-small-en-v1.5", cfg.Embeddings.Model)
	assert.Equal(t, "gpt-4o-mini", cfg.Answer.Model)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadYAML(t *testing.T) {
	yaml := []byte(`
store:
  path: /var/lib/recalld/records.db
index:
  backend: qdrant
  qdrant:
    host: qdrant.internal
    vector_size: 1536
embeddings:
  base_url: https://api.openai.com/v1
  model: text-embedding-3-small
retrieval:
  embed_timeout: 3s
logging:
  level: debug
  format: console
`)

	cfg, err := Load(yaml)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/recalld/records.db", cfg.Store.Path)
	assert.Equal(t, "qdrant", cfg.Index.Backend)
	assert.Equal(t, "qdrant.internal", cfg.Index.Qdrant.Host)
	assert.Equal(t, 1536, cfg.Index.Qdrant.VectorSize)
	assert.Equal(t, "text-embedding-3-small", cfg.Embeddings.Model)
	assert.Equal(t, 3*time.Second, cfg.Retrieval.EmbedTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	t.Setenv("RECALLD_STORE_PATH", "/tmp/env.db")
	t.Setenv("RECALLD_LOGGING_LEVEL", "warn")

	cfg, err := Load([]byte("store:\n  path: /tmp/yaml.db\n"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", cfg.Store.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := Load([]byte("index:\n  backend: pinecone\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	_, err := Load([]byte("logging:\n  level: loud\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: /tmp/file.db\n"), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/file.db", cfg.Store.Path)
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "recalld.db", cfg.Store.Path)
}
