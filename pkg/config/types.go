// Package config provides the global configuration for the ingress-robot
// controller. The configuration is loaded from a declarative YAML file and
// validated before the controller starts; an invalid configuration is a
// startup failure, never a half-configured running process.
package config

import "time"

// ACME holds certificate-authority account settings.
type ACME struct {
	// Email is the account contact address registered with the CA.
	Email string `yaml:"email"`
	// AcceptTOS must be explicitly set to true; the controller refuses to
	// request certificates on the operator's behalf otherwise.
	AcceptTOS bool `yaml:"acceptTOS"`
	// DirectoryURL is the ACME directory endpoint.
	DirectoryURL string `yaml:"directoryURL"`
}

// Backoff controls retry pacing for failed certificate issuance.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial Duration `yaml:"initial"`
	// Factor multiplies the delay after every failed attempt.
	Factor float64 `yaml:"factor"`
	// Cap bounds the delay regardless of attempt count.
	Cap Duration `yaml:"cap"`
	// MaxAttempts is the number of consecutive failures after which a
	// hostname set is suspended until the operator intervenes.
	MaxAttempts int `yaml:"maxAttempts"`
}

// Proxy describes how rendered configuration reaches the nginx process.
type Proxy struct {
	// ConfPath is the file the nginx process reads its configuration from.
	ConfPath string `yaml:"confPath"`
	// SecretDir is the directory where certificate secrets are mounted.
	SecretDir string `yaml:"secretDir"`
	// ChallengeUpstream is the host:port of the shared challenge responder.
	ChallengeUpstream string `yaml:"challengeUpstream"`
}

// Config is the root configuration document.
type Config struct {
	ACME ACME `yaml:"acme"`

	// SecretNamespace is the Kubernetes namespace holding all managed secrets.
	SecretNamespace string `yaml:"secretNamespace"`
	// SecretPrefix namespaces every secret name created by the controller.
	SecretPrefix string `yaml:"secretPrefix"`

	// RenewalFraction triggers renewal when the remaining validity of a
	// certificate falls below this fraction of its total validity.
	RenewalFraction float64 `yaml:"renewalFraction"`

	DebounceWindow    Duration `yaml:"debounceWindow"`
	ResyncInterval    Duration `yaml:"resyncInterval"`
	CertCheckInterval Duration `yaml:"certCheckInterval"`
	PruneInterval     Duration `yaml:"pruneInterval"`
	// KeepVersions is how many secret versions pruning retains per owner.
	// Never less than two, so a proxy instance that has not yet reloaded can
	// still read the previous version.
	KeepVersions int `yaml:"keepVersions"`

	Backoff Backoff `yaml:"backoff"`
	Proxy   Proxy   `yaml:"proxy"`
}

const (
	// DefaultDirectoryURL is the production Let's Encrypt directory.
	DefaultDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"
	// DefaultSecretPrefix matches the historical "nginx docker ingress" prefix.
	DefaultSecretPrefix = "ndi"

	DefaultRenewalFraction   = 1.0 / 3.0
	DefaultDebounceWindow    = 2 * time.Second
	DefaultResyncInterval    = 5 * time.Minute
	DefaultCertCheckInterval = time.Minute
	DefaultPruneInterval     = time.Hour
	DefaultKeepVersions      = 3

	DefaultBackoffInitial  = 30 * time.Second
	DefaultBackoffFactor   = 2.0
	DefaultBackoffCap      = time.Hour
	DefaultBackoffAttempts = 5

	DefaultConfPath          = "/etc/nginx/nginx.conf"
	DefaultSecretDir         = "/etc/nginx/secrets"
	DefaultChallengeUpstream = "ingress-robot-challenge:8080"
)
