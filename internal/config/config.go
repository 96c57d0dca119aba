package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	LogFile  string `mapstructure:"LOG_FILE"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	Store string `mapstructure:"STORE"`

	VocabularySource  string `mapstructure:"VOCABULARY_SOURCE"`
	VocabularyPath    string `mapstructure:"VOCABULARY_PATH"`
	AbbreviationsPath string `mapstructure:"ABBREVIATIONS_PATH"`
	VocabularyWatch   bool   `mapstructure:"VOCABULARY_WATCH"`

	ContextWindow int `mapstructure:"CONTEXT_WINDOW"`

	MapperLimit    int           `mapstructure:"MAPPER_LIMIT"`
	MapperCacheTTL time.Duration `mapstructure:"MAPPER_CACHE_TTL"`
	FuzzyThreshold float64       `mapstructure:"FUZZY_THRESHOLD"`

	SemanticEnabled   bool    `mapstructure:"SEMANTIC_ENABLED"`
	SemanticThreshold float64 `mapstructure:"SEMANTIC_THRESHOLD"`
	SemanticBackend   string  `mapstructure:"SEMANTIC_BACKEND"`

	EmbeddingProvider    string `mapstructure:"EMBEDDING_PROVIDER"`
	EmbeddingDim         int    `mapstructure:"EMBEDDING_DIM"`
	OpenAIAPIKey         string `mapstructure:"OPENAI_API_KEY"`
	OpenAIEmbeddingModel string `mapstructure:"OPENAI_EMBEDDING_MODEL"`

	Neo4jURI      string `mapstructure:"NEO4J_URI"`
	Neo4jUsername string `mapstructure:"NEO4J_USERNAME"`
	Neo4jPassword string `mapstructure:"NEO4J_PASSWORD"`
	Neo4jDatabase string `mapstructure:"NEO4J_DATABASE"`

	Workers int `mapstructure:"WORKERS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FILE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"STORE",
	"VOCABULARY_SOURCE", "VOCABULARY_PATH", "ABBREVIATIONS_PATH", "VOCABULARY_WATCH",
	"CONTEXT_WINDOW",
	"MAPPER_LIMIT", "MAPPER_CACHE_TTL", "FUZZY_THRESHOLD",
	"SEMANTIC_ENABLED", "SEMANTIC_THRESHOLD", "SEMANTIC_BACKEND",
	"EMBEDDING_PROVIDER", "EMBEDDING_DIM", "OPENAI_API_KEY", "OPENAI_EMBEDDING_MODEL",
	"NEO4J_URI", "NEO4J_USERNAME", "NEO4J_PASSWORD", "NEO4J_DATABASE",
	"WORKERS",
}

// Load reads the environment and an optional .env file. It does not
// validate; callers run Validate once flags have been applied.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE", "memory")
	v.SetDefault("VOCABULARY_SOURCE", "file")
	v.SetDefault("VOCABULARY_PATH", "data/omop_vocabulary.json")
	v.SetDefault("ABBREVIATIONS_PATH", "data/clinical_abbreviations.json")
	v.SetDefault("VOCABULARY_WATCH", false)
	v.SetDefault("CONTEXT_WINDOW", 5)
	v.SetDefault("MAPPER_LIMIT", 5)
	v.SetDefault("MAPPER_CACHE_TTL", 10*time.Minute)
	v.SetDefault("FUZZY_THRESHOLD", 0.3)
	v.SetDefault("SEMANTIC_ENABLED", false)
	v.SetDefault("SEMANTIC_THRESHOLD", 0.6)
	v.SetDefault("SEMANTIC_BACKEND", "memory")
	v.SetDefault("EMBEDDING_PROVIDER", "hash")
	v.SetDefault("EMBEDDING_DIM", 384)
	v.SetDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("NEO4J_DATABASE", "neo4j")
	v.SetDefault("WORKERS", 4)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) NeedsDatabase() bool {
	return c.Store == "postgres" || c.VocabularySource == "postgres" ||
		(c.SemanticEnabled && c.SemanticBackend == "pgvector")
}

func (c *Config) Neo4jEnabled() bool {
	return c.Neo4jURI != ""
}

// Validate checks the cross-field rules.
func (c *Config) Validate() error {
	switch c.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("STORE must be \"memory\" or \"postgres\", got %q", c.Store)
	}
	switch c.VocabularySource {
	case "file":
		if c.VocabularyPath == "" {
			return fmt.Errorf("VOCABULARY_PATH is required when VOCABULARY_SOURCE is \"file\"")
		}
	case "postgres":
	default:
		return fmt.Errorf("VOCABULARY_SOURCE must be \"file\" or \"postgres\", got %q", c.VocabularySource)
	}
	switch c.SemanticBackend {
	case "memory", "pgvector":
	default:
		return fmt.Errorf("SEMANTIC_BACKEND must be \"memory\" or \"pgvector\", got %q", c.SemanticBackend)
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for STORE=%s VOCABULARY_SOURCE=%s SEMANTIC_BACKEND=%s",
			c.Store, c.VocabularySource, c.SemanticBackend)
	}

	switch c.EmbeddingProvider {
	case "hash":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when EMBEDDING_PROVIDER is \"openai\"")
		}
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be \"hash\" or \"openai\", got %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}

	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("FUZZY_THRESHOLD must be in [0,1], got %v", c.FuzzyThreshold)
	}
	if c.SemanticThreshold < 0 || c.SemanticThreshold > 1 {
		return fmt.Errorf("SEMANTIC_THRESHOLD must be in [0,1], got %v", c.SemanticThreshold)
	}
	if c.ContextWindow <= 0 {
		return fmt.Errorf("CONTEXT_WINDOW must be positive, got %d", c.ContextWindow)
	}
	if c.MapperLimit <= 0 {
		return fmt.Errorf("MAPPER_LIMIT must be positive, got %d", c.MapperLimit)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
