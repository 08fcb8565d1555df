package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DriverConfig is one entry of the drivers file.
type DriverConfig struct {
	Name   string         `yaml:"name"`
	Driver string         `yaml:"driver"`
	Params map[string]any `yaml:"params"`
	Factor int            `yaml:"factor"`
}

// LoadDrivers reads the YAML driver list at path. Names default to the
// driver id and factors to defaultFactor.
func LoadDrivers(path string, defaultFactor int) ([]DriverConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read drivers file: %w", err)
	}
	return ParseDrivers(raw, defaultFactor)
}

// ParseDrivers decodes a YAML list of driver entries.
func ParseDrivers(raw []byte, defaultFactor int) ([]DriverConfig, error) {
	if defaultFactor < 1 {
		defaultFactor = 1
	}

	var entries []DriverConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse drivers file: %w", err)
	}

	for i := range entries {
		e := &entries[i]
		e.Driver = strings.TrimSpace(e.Driver)
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			e.Name = e.Driver
		}
		if e.Factor < 1 {
			e.Factor = defaultFactor
		}
		if e.Params == nil {
			e.Params = map[string]any{}
		}
	}
	return entries, nil
}

// FilterDrivers keeps the entries named name. An empty name keeps all.
func FilterDrivers(entries []DriverConfig, name string) []DriverConfig {
	name = strings.TrimSpace(name)
	if name == "" {
		return entries
	}
	var out []DriverConfig
	for _, e := range entries {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
