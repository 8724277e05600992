package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by the loader.
// Nested keys are separated by a double underscore: SKYNET_CHUNKING__SIZE.
const EnvPrefix = "SKYNET_"

// Service loads and validates configuration.
type Service interface {
	Load(ctx context.Context, sources ...Source) (*Config, error)
	Validate(config *Config) error
}

type loader struct {
	koanf         *koanf.Koanf
	validator     *validator.Validate
	environ       func() []string
	currentConfig atomic.Value // stores *Config
}

// NewService creates a configuration service backed by koanf.
func NewService() Service {
	return &loader{
		validator: validator.New(),
		environ:   os.Environ,
	}
}

// Load applies defaults, then each source in order, then the environment.
func (l *loader) Load(_ context.Context, sources ...Source) (*Config, error) {
	l.koanf = koanf.New(".")
	if err := l.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	for _, source := range sources {
		if source == nil {
			continue
		}
		if err := l.loadSource(source); err != nil {
			return nil, err
		}
	}
	if err := l.loadEnvironment(); err != nil {
		return nil, err
	}
	config, err := l.unmarshalAndValidate()
	if err != nil {
		return nil, err
	}
	l.currentConfig.Store(config)
	return config, nil
}

// transformEnvKey converts SKYNET_STORE__TIMEOUT into store.timeout.
func transformEnvKey(key string) string {
	trimmed := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.Split(trimmed, "__")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "_")
		if p == "" {
			return ""
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}

func (l *loader) loadEnvironment() error {
	if err := l.koanf.Load(env.Provider(".", env.Opt{
		Prefix:      EnvPrefix,
		EnvironFunc: l.environ,
		TransformFunc: func(key string, value string) (string, any) {
			return transformEnvKey(key), value
		},
	}), nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

func (l *loader) loadSource(source Source) error {
	data, err := source.Load()
	if err != nil {
		return fmt.Errorf("failed to load from source %s: %w", source.Type(), err)
	}
	if len(data) == 0 {
		return nil
	}
	// Only keys present in the source replace earlier values.
	for key, value := range flattenMap("", data) {
		if err := l.koanf.Set(key, value); err != nil {
			return fmt.Errorf("failed to set key %s from source %s: %w", key, source.Type(), err)
		}
	}
	return nil
}

// flattenMap flattens a nested map into dot-notation keys
func flattenMap(prefix string, m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for fk, fv := range flattenMap(key, nested) {
				result[fk] = fv
			}
			continue
		}
		result[key] = v
	}
	return result
}

func (l *loader) unmarshalAndValidate() (*Config, error) {
	var config Config
	if err := l.koanf.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &config,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// Validate checks struct tags and cross-field rules.
func (l *loader) Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := l.validator.Struct(config); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := validateCustom(config); err != nil {
		return fmt.Errorf("custom validation failed: %w", err)
	}
	return nil
}

func validateCustom(config *Config) error {
	if config.Chunking.Overlap >= config.Chunking.Size {
		return fmt.Errorf(
			"chunking overlap %d must be smaller than size %d",
			config.Chunking.Overlap,
			config.Chunking.Size,
		)
	}
	if config.Ingestion.MaxBackoff < config.Ingestion.RetryBackoff {
		return fmt.Errorf("ingestion max_backoff must not be smaller than retry_backoff")
	}
	switch config.Store.Provider {
	case "pgvector":
		if config.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for pgvector")
		}
	case "qdrant":
		if config.Store.URL == "" {
			return fmt.Errorf("store url is required for qdrant")
		}
	case "filesystem":
		if config.Store.Path == "" {
			return fmt.Errorf("store path is required for filesystem")
		}
	}
	if config.Vectorizer.ModelStore == "filesystem" && config.Vectorizer.ModelDir == "" {
		return fmt.Errorf("vectorizer model_dir is required for the filesystem model store")
	}
	if config.Documents.Provider == "sqlite" && config.Documents.Path == "" {
		return fmt.Errorf("documents path is required for sqlite")
	}
	return nil
}
