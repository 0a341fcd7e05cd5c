// Package config loads the registry's YAML configuration, overridable by
// MODELREGISTRY_-prefixed environment variables, following the same
// field-walk scheme as configuration/parser.go's Parser.overwriteFields.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Log configures the structured logging subsystem.
type Log struct {
	Level     string `yaml:"level"`
	Formatter string `yaml:"formatter"`
}

// HTTP configures the HTTP surface.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Download configures the download engine.
type Download struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	TempDir     string        `yaml:"temp_dir"`
}

// URLAdmission configures the source-host allowlist.
type URLAdmission struct {
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// Configuration is the registry's top-level configuration document.
type Configuration struct {
	BasePath     string       `yaml:"base_path"`
	Log          Log          `yaml:"log"`
	HTTP         HTTP         `yaml:"http"`
	Download     Download     `yaml:"download"`
	URLAdmission URLAdmission `yaml:"url_admission"`
}

// Default returns a Configuration populated with the registry's defaults.
func Default() Configuration {
	return Configuration{
		BasePath: "/workspace/models",
		Log: Log{
			Level:     "info",
			Formatter: "text",
		},
		HTTP: HTTP{
			Addr: ":8188",
		},
		Download: Download{
			IdleTimeout: 60 * time.Second,
			TempDir:     ".cache/tmp",
		},
		URLAdmission: URLAdmission{
			AllowedHosts: []string{"huggingface.co", "civitai.com", "127.0.0.1", "localhost"},
		},
	}
}

const envPrefix = "MODELREGISTRY"

// Parse reads a YAML document into a Configuration seeded with Default(),
// then applies MODELREGISTRY_* environment variable overrides.
func Parse(r []byte) (*Configuration, error) {
	c := Default()
	if len(r) > 0 {
		if err := yaml.Unmarshal(r, &c); err != nil {
			return nil, fmt.Errorf("config: parsing yaml: %w", err)
		}
	}

	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	if err := overwriteFields(reflect.ValueOf(&c).Elem(), envPrefix, env); err != nil {
		return nil, fmt.Errorf("config: applying environment overrides: %w", err)
	}

	return &c, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// overwriteFields walks v's struct fields, replacing any whose
// PREFIX_FIELD_NAME environment variable is set, recursing into nested
// structs with an extended prefix.
func overwriteFields(v reflect.Value, prefix string, env map[string]string) error {
	if v.Kind() != reflect.Struct {
		return nil
	}
	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		fieldPrefix := strings.ToUpper(prefix + "_" + field.Name)

		if raw, ok := env[fieldPrefix]; ok {
			target := reflect.New(field.Type)
			if err := yaml.Unmarshal([]byte(raw), target.Interface()); err != nil {
				return fmt.Errorf("%s: %w", fieldPrefix, err)
			}
			v.Field(i).Set(target.Elem())
		}

		if field.Type.Kind() == reflect.Struct {
			if err := overwriteFields(v.Field(i), fieldPrefix, env); err != nil {
				return err
			}
		}
	}
	return nil
}
