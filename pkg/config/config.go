package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var emailRE = regexp.MustCompile(`^.+@.+$`)

// Duration is a time.Duration that unmarshals from YAML strings such as "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates configuration from raw YAML.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ACME.DirectoryURL == "" {
		c.ACME.DirectoryURL = DefaultDirectoryURL
	}
	if c.SecretPrefix == "" {
		c.SecretPrefix = DefaultSecretPrefix
	}
	if c.RenewalFraction == 0 {
		c.RenewalFraction = DefaultRenewalFraction
	}
	if c.DebounceWindow == 0 {
		c.DebounceWindow = Duration(DefaultDebounceWindow)
	}
	if c.ResyncInterval == 0 {
		c.ResyncInterval = Duration(DefaultResyncInterval)
	}
	if c.CertCheckInterval == 0 {
		c.CertCheckInterval = Duration(DefaultCertCheckInterval)
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = Duration(DefaultPruneInterval)
	}
	if c.KeepVersions == 0 {
		c.KeepVersions = DefaultKeepVersions
	}
	if c.Backoff.Initial == 0 {
		c.Backoff.Initial = Duration(DefaultBackoffInitial)
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = DefaultBackoffFactor
	}
	if c.Backoff.Cap == 0 {
		c.Backoff.Cap = Duration(DefaultBackoffCap)
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = DefaultBackoffAttempts
	}
	if c.Proxy.ConfPath == "" {
		c.Proxy.ConfPath = DefaultConfPath
	}
	if c.Proxy.SecretDir == "" {
		c.Proxy.SecretDir = DefaultSecretDir
	}
	if c.Proxy.ChallengeUpstream == "" {
		c.Proxy.ChallengeUpstream = DefaultChallengeUpstream
	}
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	if !emailRE.MatchString(c.ACME.Email) {
		return fmt.Errorf("acme.email %q is not a valid email address", c.ACME.Email)
	}
	if !c.ACME.AcceptTOS {
		return fmt.Errorf("acme.acceptTOS must be true: you must accept the certificate authority's terms of service")
	}
	if c.SecretNamespace == "" {
		return fmt.Errorf("secretNamespace is required")
	}
	if c.RenewalFraction <= 0 || c.RenewalFraction >= 1 {
		return fmt.Errorf("renewalFraction must be between 0 and 1, got %v", c.RenewalFraction)
	}
	if c.KeepVersions < 2 {
		return fmt.Errorf("keepVersions must be at least 2 to tolerate a reload race, got %d", c.KeepVersions)
	}
	if c.Backoff.Factor < 1 {
		return fmt.Errorf("backoff.factor must be at least 1, got %v", c.Backoff.Factor)
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("backoff.maxAttempts must be at least 1, got %d", c.Backoff.MaxAttempts)
	}
	for name, d := range map[string]Duration{
		"debounceWindow":    c.DebounceWindow,
		"resyncInterval":    c.ResyncInterval,
		"certCheckInterval": c.CertCheckInterval,
		"pruneInterval":     c.PruneInterval,
		"backoff.initial":   c.Backoff.Initial,
		"backoff.cap":       c.Backoff.Cap,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
