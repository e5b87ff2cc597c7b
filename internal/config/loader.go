package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. A missing file is not an
// error: defaults plus environment overrides are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Info("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			defer f.Close()
			if err := decodeInto(cfg, f); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Environment overrides are not applied. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg fields from the process environment. Unparseable
// numeric values are logged and skipped rather than failing startup.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString(&cfg.RPC.Host, "GRPC_HOST")
	setInt(&cfg.RPC.Port, "GRPC_PORT")
	setBool(&cfg.RPC.Enabled, "GRPC_ENABLED")

	setString(&cfg.Index.PostgresDSN, "DATABASE_URL")

	setString(&cfg.Model.Provider, "MODEL_PROVIDER")
	setString(&cfg.Model.Model, "MODEL_PATH")
	setString(&cfg.Model.BaseURL, "MODEL_BASE_URL")
	setString(&cfg.Model.APIKey, "MODEL_API_KEY")
	setInt(&cfg.Model.MaxTokens, "MAX_TOKENS")

	setString(&cfg.Embeddings.Model, "EMBEDDING_MODEL")
	setString(&cfg.Embeddings.BaseURL, "EMBEDDING_BASE_URL")
	setInt(&cfg.Embeddings.Dimensions, "EMBEDDING_DIMENSIONS")

	setInt(&cfg.Retrieval.TopK, "MAX_RETRIEVAL_RESULTS")
	setFloat(&cfg.Retrieval.SimilarityThreshold, "SIMILARITY_THRESHOLD")
	setInt(&cfg.Retrieval.MaxContextLength, "MAX_CONTEXT_LENGTH")

	setBool(&cfg.Cache.Enabled, "ENABLE_CACHING")
	setInt(&cfg.Cache.MaxEntries, "MAX_CACHE_SIZE")
	if v, ok := os.LookupEnv("CACHE_TTL"); ok {
		// Accepted for compatibility; eviction is recency-based.
		slog.Info("CACHE_TTL is set but entries are evicted by recency, not age", "value", v)
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.TTLSeconds = n
		}
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring unparseable numeric environment variable", "key", key, "value", v)
		return
	}
	*dst = n
}

func setFloat(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring unparseable numeric environment variable", "key", key, "value", v)
		return
	}
	*dst = f
}

func setBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring unparseable boolean environment variable", "key", key, "value", v)
		return
	}
	*dst = b
}

// knownModelProviders lists recognised model backends. Unknown names warn
// rather than fail so new any-llm backends can be tried without a release.
var knownModelProviders = []string{"ollama", "llamacpp", "llamafile", "openai"}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.RPC.Enabled && (cfg.RPC.Port <= 0 || cfg.RPC.Port > 65535) {
		errs = append(errs, fmt.Errorf("rpc.port %d is out of range [1, 65535]", cfg.RPC.Port))
	}
	if cfg.RPC.Enabled && cfg.RPC.Port == cfg.Server.Port {
		errs = append(errs, fmt.Errorf("rpc.port and server.port are both %d", cfg.RPC.Port))
	}

	if cfg.Model.Model == "" {
		errs = append(errs, errors.New("model.model is required"))
	}
	known := false
	for _, p := range knownModelProviders {
		if cfg.Model.Provider == p {
			known = true
			break
		}
	}
	if !known {
		slog.Warn("unknown model provider — may be a typo or a new backend",
			"provider", cfg.Model.Provider,
			"known", knownModelProviders,
		)
	}
	if cfg.Model.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("model.max_tokens %d must be positive", cfg.Model.MaxTokens))
	}

	if cfg.Index.PostgresDSN == "" {
		slog.Warn("index.postgres_dsn is empty; retrieval will be unavailable until a database is configured")
	}
	if cfg.Embeddings.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimensions %d must not be negative", cfg.Embeddings.Dimensions))
	}

	if cfg.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k %d must be positive", cfg.Retrieval.TopK))
	}
	if cfg.Retrieval.SimilarityThreshold < 0 || cfg.Retrieval.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("retrieval.similarity_threshold %.2f is out of range [0, 1]", cfg.Retrieval.SimilarityThreshold))
	}
	if cfg.Retrieval.MaxContextLength <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.max_context_length %d must be positive", cfg.Retrieval.MaxContextLength))
	}

	if cfg.Cache.Enabled && cfg.Cache.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries %d must be positive when caching is enabled", cfg.Cache.MaxEntries))
	}

	return errors.Join(errs...)
}
