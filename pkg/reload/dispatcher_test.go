package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"k8s.io/client-go/kubernetes/fake"

	"github.com/gothack/ingress-robot/pkg/secret"
)

type recorder struct {
	validations int
	signals     int
	validateErr error
	signalErr   error
}

func (r *recorder) validate(ctx context.Context, path string) error {
	r.validations++
	return r.validateErr
}

func (r *recorder) signal(ctx context.Context) error {
	r.signals++
	return r.signalErr
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recorder, string, secret.Store) {
	t.Helper()
	confPath := filepath.Join(t.TempDir(), "nginx.conf")
	store := secret.NewKubeStore(fake.NewSimpleClientset().CoreV1().Secrets("ingress"), "ingress", "ndi")
	rec := &recorder{}
	d := NewDispatcher(confPath, store, WithValidator(rec.validate), WithSignaler(rec.signal))
	return d, rec, confPath, store
}

func TestApply_WritesValidatesSignalsArchives(t *testing.T) {
	ctx := context.Background()
	d, rec, confPath, store := newTestDispatcher(t)

	applied, err := d.Apply(ctx, 1, "server {}")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !applied {
		t.Fatal("expected first apply to reload")
	}
	if rec.validations != 1 || rec.signals != 1 {
		t.Errorf("expected 1 validation and 1 signal, got %d/%d", rec.validations, rec.signals)
	}

	content, err := os.ReadFile(confPath)
	if err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	if string(content) != "server {}" {
		t.Errorf("config file content mismatch: %q", content)
	}

	h, err := store.Latest(ctx, secret.KindRenderedConfig, "nginx")
	if err != nil {
		t.Fatalf("applied config was not archived: %v", err)
	}
	payload, _ := store.Get(ctx, h)
	if string(payload) != "server {}" {
		t.Errorf("archived config mismatch: %q", payload)
	}
}

func TestApply_SuppressesIdenticalText(t *testing.T) {
	ctx := context.Background()
	d, rec, _, _ := newTestDispatcher(t)

	if _, err := d.Apply(ctx, 1, "server {}"); err != nil {
		t.Fatal(err)
	}
	applied, err := d.Apply(ctx, 2, "server {}")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied {
		t.Error("identical text must not reload")
	}
	if rec.signals != 1 {
		t.Errorf("expected no second signal, got %d", rec.signals)
	}

	// The generation still advanced, so an older render cannot sneak in.
	applied, err = d.Apply(ctx, 1, "older render")
	if err != nil || applied {
		t.Errorf("stale generation must be skipped, applied=%v err=%v", applied, err)
	}
}

func TestApply_RejectedConfigLeavesPreviousActive(t *testing.T) {
	ctx := context.Background()
	d, rec, confPath, _ := newTestDispatcher(t)

	if _, err := d.Apply(ctx, 1, "good config"); err != nil {
		t.Fatal(err)
	}

	rec.validateErr = errors.New("unexpected token")
	applied, err := d.Apply(ctx, 2, "bad config")
	if err == nil || applied {
		t.Fatal("expected rejection error")
	}
	if rec.signals != 1 {
		t.Error("rejected config must not be signaled")
	}

	content, _ := os.ReadFile(confPath)
	if string(content) != "good config" {
		t.Errorf("previous config must stay active, file holds %q", content)
	}

	// The fix arrives on a later pass with the same generation.
	rec.validateErr = nil
	applied, err = d.Apply(ctx, 2, "good config v2")
	if err != nil || !applied {
		t.Fatalf("retry after rejection failed: applied=%v err=%v", applied, err)
	}
}

func TestApply_FailedSignalRestoresPreviousConfig(t *testing.T) {
	ctx := context.Background()
	d, rec, confPath, _ := newTestDispatcher(t)

	if _, err := d.Apply(ctx, 1, "v1"); err != nil {
		t.Fatal(err)
	}

	rec.signalErr = errors.New("signal: no such process")
	applied, err := d.Apply(ctx, 2, "v2")
	if err == nil || applied {
		t.Fatal("expected signal failure to surface")
	}
	content, _ := os.ReadFile(confPath)
	if string(content) != "v1" {
		t.Errorf("failed reload must restore previous config, file holds %q", content)
	}

	// Retry succeeds once the proxy is signalable again.
	rec.signalErr = nil
	applied, err = d.Apply(ctx, 2, "v2")
	if err != nil || !applied {
		t.Fatalf("retry after signal failure did not apply: %v", err)
	}
	content, _ = os.ReadFile(confPath)
	if string(content) != "v2" {
		t.Errorf("expected v2 active after retry, file holds %q", content)
	}
}

func TestNewDispatcher_AdoptsExistingFile(t *testing.T) {
	ctx := context.Background()
	confPath := filepath.Join(t.TempDir(), "nginx.conf")
	if err := os.WriteFile(confPath, []byte("live config"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	d := NewDispatcher(confPath, nil, WithValidator(rec.validate), WithSignaler(rec.signal))

	applied, err := d.Apply(ctx, 1, "live config")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied || rec.signals != 0 {
		t.Error("unchanged config after restart must not trigger a reload")
	}
}
