// Package config loads and validates the FileBridge configuration document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
)

// Config is the top-level configuration document.
type Config struct {
	LogDirectory     string
	LogRetentionDays int
	MaxLogsPerFile   int
	Apps             []domain.WatchProfile
}

// document mirrors the on-disk JSON shape. Optional numeric fields are
// pointers so an explicit 0 (e.g. SizeCheckIntervalMs disabling the
// stability check) is distinguishable from an omitted field.
type document struct {
	LogDirectory     *string      `json:"LogDirectory"`
	LogRetentionDays *int         `json:"LogRetentionDays"`
	MaxLogsPerFile   *int         `json:"MaxLogsPerFile"`
	Apps             []rawProfile `json:"Apps"`
}

type rawProfile struct {
	Name                    string   `json:"Name"`
	WatchDirectory          string   `json:"WatchDirectory"`
	PollingIntervalSeconds  *int     `json:"PollingIntervalSeconds"`
	ExecutablePath          string   `json:"ExecutablePath"`
	Arguments               string   `json:"Arguments"`
	IgnoreExtensions        []string `json:"IgnoreExtensions"`
	MarkerFilePatterns      []string `json:"MarkerFilePatterns"`
	SizeCheckIntervalMs     *int     `json:"SizeCheckIntervalMs"`
	SizeStabilityCheckCount *int     `json:"SizeStabilityCheckCount"`
	MaxConcurrentProcesses  *int     `json:"MaxConcurrentProcesses"`
}

// Load reads, parses, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw JSON, applying defaults and validating.
func Parse(data []byte) (*Config, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{
		LogDirectory:     domain.DefaultLogDirectory,
		LogRetentionDays: domain.DefaultLogRetentionDays,
		MaxLogsPerFile:   domain.DefaultMaxLogsPerFile,
	}
	if doc.LogDirectory != nil {
		cfg.LogDirectory = *doc.LogDirectory
	}
	if doc.LogRetentionDays != nil {
		cfg.LogRetentionDays = *doc.LogRetentionDays
	}
	if doc.MaxLogsPerFile != nil {
		cfg.MaxLogsPerFile = *doc.MaxLogsPerFile
	}

	for _, raw := range doc.Apps {
		cfg.Apps = append(cfg.Apps, resolveProfile(raw))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveProfile fills omitted optional fields with defaults.
func resolveProfile(raw rawProfile) domain.WatchProfile {
	p := domain.WatchProfile{
		Name:                    raw.Name,
		WatchDirectory:          raw.WatchDirectory,
		PollingIntervalSeconds:  domain.DefaultPollingIntervalSeconds,
		ExecutablePath:          raw.ExecutablePath,
		Arguments:               raw.Arguments,
		IgnoreExtensions:        raw.IgnoreExtensions,
		MarkerFilePatterns:      raw.MarkerFilePatterns,
		SizeCheckIntervalMs:     domain.DefaultSizeCheckIntervalMs,
		SizeStabilityCheckCount: domain.DefaultSizeStabilityCheckCount,
		MaxConcurrentProcesses:  domain.DefaultMaxConcurrentProcesses,
	}
	if raw.PollingIntervalSeconds != nil {
		p.PollingIntervalSeconds = *raw.PollingIntervalSeconds
	}
	if raw.SizeCheckIntervalMs != nil {
		p.SizeCheckIntervalMs = *raw.SizeCheckIntervalMs
	}
	if raw.SizeStabilityCheckCount != nil {
		p.SizeStabilityCheckCount = *raw.SizeStabilityCheckCount
	}
	if raw.MaxConcurrentProcesses != nil {
		p.MaxConcurrentProcesses = *raw.MaxConcurrentProcesses
	}
	return p
}

// Validate checks store settings and every profile.
func (c *Config) Validate() error {
	if c.LogRetentionDays < 1 {
		return fmt.Errorf("LogRetentionDays must be >= 1, got %d", c.LogRetentionDays)
	}
	if c.MaxLogsPerFile < 1 {
		return fmt.Errorf("MaxLogsPerFile must be >= 1, got %d", c.MaxLogsPerFile)
	}

	seen := make(map[string]bool)
	for i, p := range c.Apps {
		if err := ValidateProfile(p); err != nil {
			return fmt.Errorf("Apps[%d]: %w", i, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("Apps[%d]: duplicate profile name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// ValidateProfile checks a single watch profile.
// Watch directory existence is deliberately not checked here: a missing
// directory leaves the profile installed but idle, it is not a load error.
func ValidateProfile(p domain.WatchProfile) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name must not be empty")
	}
	if p.WatchDirectory == "" {
		return fmt.Errorf("profile %q: WatchDirectory must not be empty", p.Name)
	}
	if !filepath.IsAbs(p.WatchDirectory) {
		return fmt.Errorf("profile %q: WatchDirectory must be absolute, got %q", p.Name, p.WatchDirectory)
	}
	if p.PollingIntervalSeconds < 1 {
		return fmt.Errorf("profile %q: PollingIntervalSeconds must be >= 1, got %d", p.Name, p.PollingIntervalSeconds)
	}
	if p.SizeCheckIntervalMs < 0 {
		return fmt.Errorf("profile %q: SizeCheckIntervalMs must be >= 0, got %d", p.Name, p.SizeCheckIntervalMs)
	}
	if p.SizeStabilityCheckCount < 0 {
		return fmt.Errorf("profile %q: SizeStabilityCheckCount must be >= 0, got %d", p.Name, p.SizeStabilityCheckCount)
	}
	if p.MaxConcurrentProcesses < 0 {
		return fmt.Errorf("profile %q: MaxConcurrentProcesses must be >= 0, got %d", p.Name, p.MaxConcurrentProcesses)
	}
	for _, pat := range p.MarkerFilePatterns {
		if !strings.HasPrefix(pat, "*.") || len(pat) < 3 {
			return fmt.Errorf("profile %q: marker pattern %q must have shape *.SUFFIX", p.Name, pat)
		}
	}
	return nil
}
