package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "ERPSYNC_"

var configSections = map[string]struct{}{
	"sap":     {},
	"shopify": {},
	"sync":    {},
	"store":   {},
}

// FileConfigLoader reads a JSON or YAML config file and overlays ERPSYNC_*
// variables from an optional .env file and the process environment.
// ERPSYNC_SAP_PASSWORD sets sap.password; process variables win over .env.
type FileConfigLoader struct {
	Path    string
	EnvFile string
	Environ func() []string
}

func NewFileConfigLoader(path string, envFile string) *FileConfigLoader {
	return &FileConfigLoader{
		Path:    strings.TrimSpace(path),
		EnvFile: strings.TrimSpace(envFile),
		Environ: os.Environ,
	}
}

func (l *FileConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	raw := map[string]any{}
	if l == nil {
		return raw, nil
	}
	if l.Path != "" {
		content, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("core: read config %q: %w", l.Path, err)
		}
		if err := decodeConfigDocument(l.Path, content, &raw); err != nil {
			return nil, err
		}
	}

	env := map[string]string{}
	if l.EnvFile != "" {
		values, err := godotenv.Read(l.EnvFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("core: read env file %q: %w", l.EnvFile, err)
		}
		for key, value := range values {
			env[key] = value
		}
	}
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}
	for _, entry := range environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		env[key] = value
	}
	applyEnvOverrides(raw, env)
	return raw, nil
}

func decodeConfigDocument(path string, content []byte, out *map[string]any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, out); err != nil {
			return fmt.Errorf("core: decode yaml config %q: %w", path, err)
		}
	default:
		if err := json.Unmarshal(content, out); err != nil {
			return fmt.Errorf("core: decode json config %q: %w", path, err)
		}
	}
	if *out == nil {
		*out = map[string]any{}
	}
	return nil
}

func applyEnvOverrides(raw map[string]any, env map[string]string) {
	for key, value := range env {
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if name == "service_name" {
			raw["service_name"] = value
			continue
		}
		section, field, ok := strings.Cut(name, "_")
		if !ok || field == "" {
			continue
		}
		if _, known := configSections[section]; !known {
			continue
		}
		child, ok := raw[section].(map[string]any)
		if !ok {
			child = map[string]any{}
			raw[section] = child
		}
		child[field] = coerceEnvValue(field, value)
	}
}

var (
	intConfigFields = map[string]struct{}{
		"batch_size":              {},
		"workers":                 {},
		"max_retries":             {},
		"retry_min_delay_seconds": {},
		"retry_max_delay_seconds": {},
		"request_timeout_seconds": {},
		"customer_group":          {},
		"price_list":              {},
	}
	boolConfigFields = map[string]struct{}{
		"verify_ssl": {},
		"debug":      {},
	}
)

// coerceEnvValue types numeric and boolean fields; everything else, including
// codes such as warehouse "01", stays a string.
func coerceEnvValue(field string, value string) any {
	trimmed := strings.TrimSpace(value)
	if _, ok := intConfigFields[field]; ok {
		if parsed, err := strconv.Atoi(trimmed); err == nil {
			return parsed
		}
	}
	if _, ok := boolConfigFields[field]; ok {
		if parsed, err := strconv.ParseBool(trimmed); err == nil {
			return parsed
		}
	}
	if field == "requests_per_second" {
		if parsed, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return parsed
		}
	}
	return trimmed
}
