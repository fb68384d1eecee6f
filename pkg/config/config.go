// Package config provides YAML-based configuration loading with environment
// variable expansion and optional override files.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Validator is an interface for configuration validation.
type Validator interface {
	Validate() error
}

// Load loads configuration from a YAML file with environment variable
// expansion and validates the result.
func Load[T any](filename string, target *T) error {
	return LoadLayered(target, filename)
}

// LoadLayered decodes base and then each overlay over target, so keys in
// later files win. Overlays that do not exist are skipped; base must exist.
// Validation runs once, after the last file.
func LoadLayered[T any](target *T, base string, overlays ...string) error {
	if err := decodeFile(base, target); err != nil {
		return err
	}
	for _, name := range overlays {
		if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := decodeFile(name, target); err != nil {
			return err
		}
	}

	if validator, ok := any(target).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}
	return nil
}

func decodeFile(filename string, target any) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}
