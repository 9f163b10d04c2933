package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Model         ModelConfig
	Prompt        PromptConfig
	Artifacts     ArtifactsConfig
	ObjectStore   ObjectStoreConfig
	Ledger        LedgerConfig
	Warehouse     WarehouseConfig
	Sessions      SessionsConfig
	Upload        UploadConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type ModelConfig struct {
	Provider         string
	BaseURL          string
	APIKey           string
	Model            string
	MaxTokens        int
	Temperature      float64
	Timeout          time.Duration
	AnthropicVersion string
}

type PromptConfig struct {
	TemplateFile              string
	MaxCustomInstructionBytes int
}

type ArtifactsConfig struct {
	ProcessedDir   string
	BackupDir      string
	PublishEnabled bool
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type LedgerConfig struct {
	Enabled         bool
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type WarehouseConfig struct {
	DefaultDialect string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

type SessionsConfig struct {
	IdleTimeout time.Duration
	MaxSessions int
}

type UploadConfig struct {
	MaxBytes int64
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("DBTGEN_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid DBTGEN_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	for _, b := range []binding{
		bind("DBTGEN_SERVICE_NAME", &cfg.Service.Name, trimmed),
		bind("DBTGEN_HTTP_ADDR", &cfg.HTTP.Address, trimmed),
		bind("DBTGEN_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout, time.ParseDuration),
		bind("DBTGEN_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout, time.ParseDuration),
		bind("DBTGEN_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout, time.ParseDuration),
		bind("DBTGEN_MODEL_PROVIDER", &cfg.Model.Provider, trimmed),
		bind("DBTGEN_MODEL_BASE_URL", &cfg.Model.BaseURL, trimmed),
		bind("DBTGEN_MODEL_API_KEY", &cfg.Model.APIKey, trimmed),
		bind("DBTGEN_MODEL_ID", &cfg.Model.Model, trimmed),
		bind("DBTGEN_MODEL_MAX_TOKENS", &cfg.Model.MaxTokens, strconv.Atoi),
		bind("DBTGEN_MODEL_TEMPERATURE", &cfg.Model.Temperature, parseFloat),
		bind("DBTGEN_MODEL_TIMEOUT", &cfg.Model.Timeout, time.ParseDuration),
		bind("DBTGEN_MODEL_ANTHROPIC_VERSION", &cfg.Model.AnthropicVersion, trimmed),
		bind("DBTGEN_PROMPT_TEMPLATE_FILE", &cfg.Prompt.TemplateFile, trimmed),
		bind("DBTGEN_PROMPT_MAX_CUSTOM_INSTRUCTION_BYTES", &cfg.Prompt.MaxCustomInstructionBytes, strconv.Atoi),
		bind("DBTGEN_ARTIFACTS_PROCESSED_DIR", &cfg.Artifacts.ProcessedDir, trimmed),
		bind("DBTGEN_ARTIFACTS_BACKUP_DIR", &cfg.Artifacts.BackupDir, trimmed),
		bind("DBTGEN_ARTIFACTS_PUBLISH_ENABLED", &cfg.Artifacts.PublishEnabled, strconv.ParseBool),
		bind("DBTGEN_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint, trimmed),
		bind("DBTGEN_OBJECTSTORE_REGION", &cfg.ObjectStore.Region, trimmed),
		bind("DBTGEN_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket, trimmed),
		bind("DBTGEN_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID, trimmed),
		bind("DBTGEN_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey, trimmed),
		bind("DBTGEN_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL, strconv.ParseBool),
		bind("DBTGEN_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix, trimmed),
		bind("DBTGEN_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket, strconv.ParseBool),
		bind("DBTGEN_LEDGER_ENABLED", &cfg.Ledger.Enabled, strconv.ParseBool),
		bind("DBTGEN_LEDGER_DSN", &cfg.Ledger.DSN, trimmed),
		bind("DBTGEN_LEDGER_MAX_OPEN_CONNS", &cfg.Ledger.MaxOpenConns, strconv.Atoi),
		bind("DBTGEN_LEDGER_MAX_IDLE_CONNS", &cfg.Ledger.MaxIdleConns, strconv.Atoi),
		bind("DBTGEN_LEDGER_CONN_MAX_IDLE_TIME", &cfg.Ledger.ConnMaxIdleTime, time.ParseDuration),
		bind("DBTGEN_LEDGER_CONN_MAX_LIFETIME", &cfg.Ledger.ConnMaxLifetime, time.ParseDuration),
		bind("DBTGEN_WAREHOUSE_DEFAULT_DIALECT", &cfg.Warehouse.DefaultDialect, trimmed),
		bind("DBTGEN_WAREHOUSE_CONNECT_TIMEOUT", &cfg.Warehouse.ConnectTimeout, time.ParseDuration),
		bind("DBTGEN_WAREHOUSE_QUERY_TIMEOUT", &cfg.Warehouse.QueryTimeout, time.ParseDuration),
		bind("DBTGEN_SESSIONS_IDLE_TIMEOUT", &cfg.Sessions.IdleTimeout, time.ParseDuration),
		bind("DBTGEN_SESSIONS_MAX", &cfg.Sessions.MaxSessions, strconv.Atoi),
		bind("DBTGEN_UPLOAD_MAX_BYTES", &cfg.Upload.MaxBytes, parseInt64),
		bind("DBTGEN_LOG_JSON", &cfg.Observability.LogJSON, strconv.ParseBool),
		bind("DBTGEN_LOG_LEVEL", &cfg.Observability.LogLevel, parseLogLevel),
		bind("DBTGEN_AUTH_REQUIRED", &cfg.Auth.Required, strconv.ParseBool),
		bind("DBTGEN_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys, trimmed),
	} {
		if err := b(lookup); err != nil {
			return Config{}, err
		}
	}

	cfg.Model.Provider = strings.ToLower(cfg.Model.Provider)
	cfg.Warehouse.DefaultDialect = strings.ToLower(cfg.Warehouse.DefaultDialect)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "dbtgen-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Model: ModelConfig{
			Provider:         "anthropic",
			BaseURL:          "https://api.anthropic.com",
			Model:            "claude-3-5-sonnet-20240620",
			MaxTokens:        4000,
			Temperature:      0,
			Timeout:          3 * time.Minute,
			AnthropicVersion: "2023-06-01",
		},
		Prompt: PromptConfig{
			MaxCustomInstructionBytes: 4000,
		},
		Artifacts: ArtifactsConfig{
			ProcessedDir:   "processed",
			BackupDir:      "backup",
			PublishEnabled: false,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "dbtgen",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Ledger: LedgerConfig{
			Enabled:         false,
			DSN:             "",
			MaxOpenConns:    5,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Warehouse: WarehouseConfig{
			DefaultDialect: "snowflake",
			ConnectTimeout: 30 * time.Second,
			QueryTimeout:   time.Minute,
		},
		Sessions: SessionsConfig{
			IdleTimeout: 30 * time.Minute,
			MaxSessions: 64,
		},
		Upload: UploadConfig{
			MaxBytes: 16 << 20,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

var (
	profiles  = []Profile{ProfileDev, ProfileTest, ProfileProd}
	providers = []string{"anthropic", "openai"}
	dialects  = []string{"snowflake", "postgres", "duckdb"}
)

func isValidProfile(profile Profile) bool { return slices.Contains(profiles, profile) }

// validate reports every problem at once rather than the first one found.
func (c Config) validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}
	check(c.Service.Name != "", "service name is required")
	check(c.HTTP.Address != "", "DBTGEN_HTTP_ADDR is required")
	check(slices.Contains(providers, c.Model.Provider), "invalid DBTGEN_MODEL_PROVIDER: %q", c.Model.Provider)
	check(c.Model.MaxTokens > 0, "invalid DBTGEN_MODEL_MAX_TOKENS: must be > 0")
	check(c.Model.Temperature >= 0 && c.Model.Temperature <= 2, "invalid DBTGEN_MODEL_TEMPERATURE: must be within [0, 2]")
	check(c.Prompt.MaxCustomInstructionBytes > 0, "invalid DBTGEN_PROMPT_MAX_CUSTOM_INSTRUCTION_BYTES: must be > 0")
	check(!c.Ledger.Enabled || c.Ledger.DSN != "", "DBTGEN_LEDGER_DSN is required when the ledger is enabled")
	check(c.Artifacts.ProcessedDir != "" && c.Artifacts.BackupDir != "", "processed and backup directories are required")
	check(slices.Contains(dialects, c.Warehouse.DefaultDialect), "invalid DBTGEN_WAREHOUSE_DEFAULT_DIALECT: %q", c.Warehouse.DefaultDialect)
	check(c.Sessions.MaxSessions > 0, "invalid DBTGEN_SESSIONS_MAX: must be > 0")
	check(c.Upload.MaxBytes > 0, "invalid DBTGEN_UPLOAD_MAX_BYTES: must be > 0")
	return errors.Join(problems...)
}

// binding copies one environment variable into a Config field when it is set.
type binding func(LookupFunc) error

func bind[T any](key string, dst *T, parse func(string) (T, error)) binding {
	return func(lookup LookupFunc) error {
		raw, ok := lookup(key)
		if !ok {
			return nil
		}
		value, err := parse(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = value
		return nil
	}
}

func trimmed(raw string) (string, error) { return raw, nil }

func parseInt64(raw string) (int64, error) { return strconv.ParseInt(raw, 10, 64) }

func parseFloat(raw string) (float64, error) { return strconv.ParseFloat(raw, 64) }

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", raw)
}
