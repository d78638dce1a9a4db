// Package config provides configuration loading for recalld.
//
// Configuration precedence, highest first: environment variables with
// the RECALLD_ prefix, then the YAML file, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

const (
	envPrefix         = "RECALLD_"
	maxConfigFileSize = 1024 * 1024
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// IndexConfig selects and configures the semantic index backend.
type IndexConfig struct {
	// Backend is chromem or qdrant. Default: chromem.
	Backend string `koanf:"backend"`

	Chromem index.ChromemConfig `koanf:"chromem"`
	Qdrant  index.QdrantConfig  `koanf:"qdrant"`
}

// AnswerConfig configures the answer generator endpoint.
type AnswerConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// RetrievalConfig configures the retrieval engine.
type RetrievalConfig struct {
	EmbedTimeout  time.Duration `koanf:"embed_timeout"`
	SearchTimeout time.Duration `koanf:"search_timeout"`
}

// Config is the full recalld configuration.
type Config struct {
	Store      store.Config      `koanf:"store"`
	Index      IndexConfig       `koanf:"index"`
	Embeddings embeddings.Config `koanf:"embeddings"`
	Answer     AnswerConfig      `koanf:"answer"`
	Retrieval  RetrievalConfig   `koanf:"retrieval"`
	Logging    logging.Config    `koanf:"logging"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	c.Store.ApplyDefaults()
	if c.Index.Backend == "" {
		c.Index.Backend = "chromem"
	}
	if c.Index.Chromem.Path == "" {
		c.Index.Chromem.Path = "recalld.index"
	}
	c.Index.Qdrant.ApplyDefaults()
	c.Embeddings.ApplyDefaults()
	if c.Answer.BaseURL == "" {
		c.Answer.BaseURL = "http://localhost:8080/v1"
	}
	if c.Answer.Model == "" {
		c.Answer.Model = "gpt-4o-mini"
	}
	c.Logging.ApplyDefaults()
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Index.Backend != "chromem" && c.Index.Backend != "qdrant" {
		return fmt.Errorf("%w: index backend %q (want chromem or qdrant)", ErrInvalidConfig, c.Index.Backend)
	}
	if c.Index.Backend == "qdrant" {
		if err := c.Index.Qdrant.Validate(); err != nil {
			return fmt.Errorf("%w: qdrant: %v", ErrInvalidConfig, err)
		}
	}
	if err := c.Embeddings.Validate(); err != nil {
		return fmt.Errorf("%w: embeddings: %v", ErrInvalidConfig, err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Load parses configuration from YAML bytes plus environment overrides.
func Load(yamlBytes []byte) (*Config, error) {
	k := koanf.New(".")

	if len(yamlBytes) > 0 {
		if err := k.Load(rawbytes.Provider(yamlBytes), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing yaml config: %w", err)
		}
	}

	// RECALLD_STORE_PATH -> store.path, RECALLD_INDEX_BACKEND -> index.backend
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads configuration from a YAML file plus environment
// overrides. A missing file is not an error; env and defaults apply.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load(nil)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Load(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("stating config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes", ErrInvalidConfig, info.Size())
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Load(content)
}
