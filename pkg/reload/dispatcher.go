// Package reload validates rendered configuration, persists it and signals
// the nginx process to re-read it gracefully. The dispatcher is the single
// writer of the active configuration: a render is never left half-applied,
// and a reload is never signaled for text identical to what is already live.
package reload

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"k8s.io/klog/v2"

	"github.com/gothack/ingress-robot/pkg/secret"
)

// configOwnerID is the secret owner under which rendered config versions
// are archived.
const configOwnerID = "nginx"

// Validator checks a candidate configuration file before activation.
type Validator func(ctx context.Context, path string) error

// Signaler asks the proxy process to re-read its configuration without
// dropping established connections.
type Signaler func(ctx context.Context) error

// NginxValidator runs `nginx -t` against the candidate file.
func NginxValidator(ctx context.Context, path string) error {
	out, err := exec.CommandContext(ctx, "nginx", "-t", "-c", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nginx rejected config: %v: %s", err, out)
	}
	return nil
}

// NginxSignaler performs a graceful reload of the running nginx master.
func NginxSignaler(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "nginx", "-s", "reload").CombinedOutput()
	if err != nil {
		return fmt.Errorf("nginx reload failed: %v: %s", err, out)
	}
	return nil
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithValidator replaces the default nginx -t validation.
func WithValidator(v Validator) Option { return func(d *Dispatcher) { d.validate = v } }

// WithSignaler replaces the default nginx -s reload signal.
func WithSignaler(s Signaler) Option { return func(d *Dispatcher) { d.signal = s } }

// Dispatcher applies rendered configuration to the proxy.
type Dispatcher struct {
	mu       sync.Mutex
	confPath string
	store    secret.Store
	validate Validator
	signal   Signaler

	lastApplied string
	lastGen     int64
}

// NewDispatcher creates a dispatcher writing to confPath. An existing file
// at confPath is adopted as the currently applied text, so a controller
// restart with an unchanged model does not trigger a spurious reload.
// Applied versions are archived in the secret store.
func NewDispatcher(confPath string, store secret.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		confPath: confPath,
		store:    store,
		validate: NginxValidator,
		signal:   NginxSignaler,
	}
	for _, opt := range opts {
		opt(d)
	}
	if current, err := os.ReadFile(confPath); err == nil {
		d.lastApplied = string(current)
		klog.Infof("Adopted existing config at %s (%d bytes)", confPath, len(current))
	}
	return d
}

// Apply activates the rendered text for the given routing-model generation.
// It returns true when a reload was performed. Stale generations and text
// identical to the live configuration are skipped without error. On any
// failure the previously active configuration remains in place and the
// caller retries on a later pass.
func (d *Dispatcher) Apply(ctx context.Context, generation int64, text string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if generation < d.lastGen {
		klog.V(4).Infof("Skipping stale render for generation %d (applied %d)", generation, d.lastGen)
		return false, nil
	}
	if text == d.lastApplied {
		d.lastGen = generation
		klog.V(4).Infof("Config unchanged at generation %d, no reload", generation)
		return false, nil
	}

	candidate := d.confPath + ".next"
	if err := os.WriteFile(candidate, []byte(text), 0o644); err != nil {
		return false, fmt.Errorf("failed to write candidate config: %w", err)
	}
	if err := d.validate(ctx, candidate); err != nil {
		if rmErr := os.Remove(candidate); rmErr != nil {
			klog.Warningf("Failed to remove rejected candidate: %v", rmErr)
		}
		return false, fmt.Errorf("rendered config rejected: %w", err)
	}

	previous, hadPrevious := []byte(nil), false
	if prev, err := os.ReadFile(d.confPath); err == nil {
		previous, hadPrevious = prev, true
	}

	if err := os.Rename(candidate, d.confPath); err != nil {
		return false, fmt.Errorf("failed to activate config: %w", err)
	}
	if err := d.signal(ctx); err != nil {
		// Put the known-good config back so the proxy never restarts into
		// the unconfirmed one.
		if hadPrevious {
			if wrErr := os.WriteFile(d.confPath, previous, 0o644); wrErr != nil {
				klog.Errorf("Failed to restore previous config: %v", wrErr)
			}
		} else if rmErr := os.Remove(d.confPath); rmErr != nil {
			klog.Errorf("Failed to remove unconfirmed config: %v", rmErr)
		}
		return false, fmt.Errorf("reload signal failed: %w", err)
	}

	if d.store != nil {
		if _, err := d.store.Put(ctx, secret.KindRenderedConfig, configOwnerID, []byte(text)); err != nil {
			// Archival only; the reload already succeeded.
			klog.Warningf("Failed to archive rendered config: %v", err)
		}
	}

	d.lastApplied = text
	d.lastGen = generation
	klog.Infof("Applied config generation %d (%d bytes) and reloaded proxy", generation, len(text))
	return true, nil
}
