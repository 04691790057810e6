// Package config loads llmquery settings from defaults, an optional YAML
// file, environment variables and command-line flags, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/connector"
	"github.com/tordrt/llmquery/internal/schema"
)

// DefaultFile is read when no config file is given and it exists
const DefaultFile = "llmquery.yaml"

// EnvPrefix prefixes every environment variable without a legacy name
const EnvPrefix = "LLMQUERY_"

// Config holds all settings
type Config struct {
	DB     DBConfig     `koanf:"db"`
	LLM    LLMConfig    `koanf:"llm"`
	Schema SchemaConfig `koanf:"schema"`
	Query  QueryConfig  `koanf:"query"`
	Log    LogConfig    `koanf:"log"`
}

// DBConfig describes the data source, either as a URL or as separate fields
type DBConfig struct {
	Type     string            `koanf:"type"`
	URL      string            `koanf:"url"`
	Host     string            `koanf:"host"`
	Port     int               `koanf:"port" validate:"gte=0,lte=65535"`
	User     string            `koanf:"user"`
	Password string            `koanf:"password"`
	Name     string            `koanf:"name"`
	Options  map[string]string `koanf:"options"`
}

// LLMConfig configures the natural-language translator
type LLMConfig struct {
	APIKey        string  `koanf:"api_key"`
	Model         string  `koanf:"model" validate:"required"`
	APIURL        string  `koanf:"api_url" validate:"required,url"`
	Temperature   float64 `koanf:"temperature" validate:"gte=0,lte=2"`
	MaxTokens     int     `koanf:"max_tokens" validate:"gt=0"`
	RatePerSecond float64 `koanf:"rate_per_second" validate:"gte=0"`
}

// SchemaConfig configures discovery and the schema cache
type SchemaConfig struct {
	Dir           string `koanf:"dir" validate:"required"`
	MemoryEntries int    `koanf:"memory_entries" validate:"gte=0"`
	SampleSize    int    `koanf:"sample_size" validate:"gt=0"`
	Inference     string `koanf:"inference" validate:"oneof=strict lenient"`
	Format        string `koanf:"format" validate:"oneof=text markdown"`
}

// QueryConfig bounds query execution
type QueryConfig struct {
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRows int           `koanf:"max_rows" validate:"gt=0"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

func defaults() map[string]any {
	return map[string]any{
		"llm.model":             "gpt-3.5-turbo",
		"llm.api_url":           "https://api.openai.com/v1",
		"llm.temperature":       0.1,
		"llm.max_tokens":        500,
		"llm.rate_per_second":   0,
		"schema.dir":            "./schema_cache",
		"schema.memory_entries": 16,
		"schema.sample_size":    100,
		"schema.inference":      "lenient",
		"schema.format":         "text",
		"query.timeout":         "30s",
		"query.max_rows":        10000,
		"log.level":             "warn",
		"log.format":            "text",
	}
}

// legacyEnv maps the environment variable names used by earlier releases
var legacyEnv = map[string]string{
	"DB_TYPE":     "db.type",
	"DB_URL":      "db.url",
	"DB_HOST":     "db.host",
	"DB_PORT":     "db.port",
	"DB_USER":     "db.user",
	"DB_PASSWORD": "db.password",
	"DB_NAME":     "db.name",
	"LLM_API_KEY": "llm.api_key",
	"LLM_MODEL":   "llm.model",
	"LLM_API_URL": "llm.api_url",
	"SCHEMA_DIR":  "schema.dir",
}

// FlagKeys maps command-line flag names to config keys. Flags not listed
// here are not configuration.
var FlagKeys = map[string]string{
	"db":         "db.url",
	"db-type":    "db.type",
	"schema-dir": "schema.dir",
	"format":     "schema.format",
	"inference":  "schema.inference",
	"timeout":    "query.timeout",
	"max-rows":   "query.max_rows",
	"model":      "llm.model",
	"log-level":  "log.level",
	"log-format": "log.format",
}

// envKey turns an environment variable name into a config key, or "" to skip it
func envKey(name string) string {
	if key, ok := legacyEnv[name]; ok {
		return key
	}
	rest, ok := strings.CutPrefix(name, EnvPrefix)
	if !ok || rest == "" {
		return ""
	}
	// LLMQUERY_QUERY_MAX_ROWS -> query.max_rows
	section, field, ok := strings.Cut(strings.ToLower(rest), "_")
	if !ok {
		return ""
	}
	return section + "." + field
}

// Load reads the configuration. path may be empty, in which case DefaultFile
// is used if present. flags may be nil; only flags that were set are applied.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, apperr.New(apperr.KindConfig, "config", fmt.Errorf("error reading config file %s: %w", path, err))
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(name, value string) (string, any) {
		if value == "" {
			return "", nil
		}
		return envKey(name), value
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := FlagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, apperr.New(apperr.KindConfig, "config", fmt.Errorf("unable to decode config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that a data source is described
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", configKey(fe.Namespace()), fe.Tag()))
			}
			return apperr.Errorf(apperr.KindConfig, "config", "invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return apperr.New(apperr.KindConfig, "config", err)
	}

	if c.DB.URL == "" && c.DB.Type == "" {
		return apperr.Errorf(apperr.KindConfig, "config", "database not configured: set DB_URL or DB_TYPE")
	}
	if c.DB.URL == "" {
		if _, err := schema.ParseFamily(c.DB.Type); err != nil {
			return apperr.New(apperr.KindConfig, "config", err)
		}
	}
	return nil
}

// configKey turns a validator namespace such as Config.Query.MaxRows into query.MaxRows
func configKey(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	section, field, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return strings.ToLower(section) + "." + field
}

// Descriptor builds the connector descriptor. A URL is parsed first; the
// separate fields then fill in or override its parts.
func (c *Config) Descriptor() (connector.Descriptor, error) {
	var d connector.Descriptor
	if c.DB.URL != "" {
		parsed, err := connector.ParseURL(c.DB.URL)
		if err != nil {
			return connector.Descriptor{}, apperr.New(apperr.KindConfig, "config", err)
		}
		d = parsed
	}

	if c.DB.Type != "" {
		family, err := schema.ParseFamily(c.DB.Type)
		if err != nil {
			return connector.Descriptor{}, apperr.New(apperr.KindConfig, "config", err)
		}
		if c.DB.URL != "" && family != d.Family {
			return connector.Descriptor{}, apperr.Errorf(apperr.KindConfig, "config",
				"database type %q does not match URL scheme %q", c.DB.Type, d.Family)
		}
		d.Family = family
	}
	if c.DB.Host != "" {
		d.Host = c.DB.Host
	}
	if c.DB.Port != 0 {
		d.Port = c.DB.Port
	}
	if c.DB.User != "" {
		d.User = c.DB.User
	}
	if c.DB.Password != "" {
		d.Password = c.DB.Password
	}
	if c.DB.Name != "" {
		d.Database = c.DB.Name
	}
	if len(c.DB.Options) > 0 {
		d = d.WithOptions(c.DB.Options)
	}
	return d, nil
}

// ConnectorOptions returns the connector tuning derived from the config
func (c *Config) ConnectorOptions() connector.Options {
	return connector.Options{
		MaxRows:    c.Query.MaxRows,
		SampleSize: c.Schema.SampleSize,
		Inference:  connector.Inference(c.Schema.Inference),
	}
}
