// Package controller implements the reconciliation loop: it consumes
// orchestrator change events, coalesces bursts into single passes, and runs
// the build-render-reload pipeline. Independently of routing churn it ticks
// the certificate lifecycle manager, since renewal is calendar-driven, and
// periodically resyncs and prunes as a self-healing backstop.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/gothack/ingress-robot/pkg/cert"
	"github.com/gothack/ingress-robot/pkg/config"
	"github.com/gothack/ingress-robot/pkg/reload"
	"github.com/gothack/ingress-robot/pkg/render"
	"github.com/gothack/ingress-robot/pkg/route"
	"github.com/gothack/ingress-robot/pkg/secret"
	"github.com/gothack/ingress-robot/pkg/source"
)

// Controller is the main ingress-robot controller.
type Controller struct {
	cfg        *config.Config
	source     *source.Adapter
	store      secret.Store
	certs      *cert.Manager
	renderer   *render.Renderer
	dispatcher *reload.Dispatcher

	// passMu serializes reconciliation passes: a pass always sees a fully
	// built model, never an interleaved partial one.
	passMu     sync.Mutex
	generation int64
	appliedGen atomic.Int64
}

// New wires a Controller from the global configuration and a cluster client.
func New(cfg *config.Config, client kubernetes.Interface) (*Controller, error) {
	store := secret.NewKubeStore(client.CoreV1().Secrets(cfg.SecretNamespace), cfg.SecretNamespace, cfg.SecretPrefix)
	issuer := cert.NewACMEIssuer(store, cfg.ACME.DirectoryURL, cfg.ACME.Email)
	certs := cert.NewManager(store, issuer, cert.Options{
		RenewalFraction: cfg.RenewalFraction,
		BackoffInitial:  cfg.Backoff.Initial.Std(),
		BackoffFactor:   cfg.Backoff.Factor,
		BackoffCap:      cfg.Backoff.Cap.Std(),
		MaxAttempts:     cfg.Backoff.MaxAttempts,
	})
	renderer, err := render.NewRenderer(cfg.Proxy.ChallengeUpstream, cfg.Proxy.SecretDir)
	if err != nil {
		return nil, err
	}

	return &Controller{
		cfg:        cfg,
		source:     source.NewAdapter(client),
		store:      store,
		certs:      certs,
		renderer:   renderer,
		dispatcher: reload.NewDispatcher(cfg.Proxy.ConfPath, store),
	}, nil
}

// Run starts the controller and blocks until the context ends.
func (c *Controller) Run(ctx context.Context) error {
	klog.Info("Starting ingress-robot controller")

	if err := c.certs.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap certificate records: %w", err)
	}

	if err := c.runPass(ctx); err != nil {
		// The resync backstop retries; startup does not depend on the
		// cluster being healthy at second zero.
		klog.Errorf("Initial reconciliation pass failed: %v", err)
	}

	events := c.source.Events(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.eventLoop(ctx, events)
		return nil
	})
	g.Go(func() error {
		c.certLoop(ctx)
		return nil
	})
	g.Go(func() error {
		wait.UntilWithContext(ctx, c.resync, c.cfg.ResyncInterval.Std())
		return nil
	})
	g.Go(func() error {
		wait.UntilWithContext(ctx, c.prune, c.cfg.PruneInterval.Std())
		return nil
	})

	err := g.Wait()
	klog.Info("Shutting down ingress-robot controller")
	return err
}

// eventLoop coalesces bursts of orchestrator events into single passes: the
// debounce window opens on the first event and everything arriving within
// it collapses into one pass.
func (c *Controller) eventLoop(ctx context.Context, events <-chan source.Event) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			klog.V(4).Infof("Service event %s %s", ev.Type, ev.Service)
			if timer == nil {
				timer = time.NewTimer(c.cfg.DebounceWindow.Std())
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			if err := c.runPass(ctx); err != nil {
				klog.Errorf("Reconciliation pass failed: %v", err)
			}
		}
	}
}

// certLoop drives the certificate lifecycle manager on its own schedule and
// re-renders whenever a record reaches ACTIVE.
func (c *Controller) certLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CertCheckInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.certs.Tick(ctx, c.appliedGen.Load())
		case <-c.certs.Changed():
			if err := c.runPass(ctx); err != nil {
				klog.Errorf("Post-issuance pass failed: %v", err)
			}
		}
	}
}

func (c *Controller) resync(ctx context.Context) {
	if err := c.runPass(ctx); err != nil {
		klog.Errorf("Resync pass failed: %v", err)
	}
}

// runPass executes one full build-render-reload cycle. Passes are
// idempotent: identical input produces identical output and no side
// effects beyond the first run.
func (c *Controller) runPass(ctx context.Context) error {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	snapshot, err := c.source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot services: %w", err)
	}

	gen := c.generation + 1
	model, parseErrs := route.Build(snapshot, gen)
	for _, pe := range parseErrs {
		klog.Errorf("Excluding service from routing model: %v", pe)
	}
	c.generation = gen

	c.certs.EnsureModel(model)

	text, err := c.renderer.Render(model, c.certs.Active())
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if _, err := c.dispatcher.Apply(ctx, gen, text); err != nil {
		return fmt.Errorf("failed to apply config: %w", err)
	}

	// Only a successfully applied generation may unblock challenge
	// validation for the hostname sets it exposes.
	c.appliedGen.Store(gen)
	klog.V(4).Infof("Reconciliation pass complete: generation %d, %d routes", gen, len(model.Routes))
	return nil
}

// prune removes superseded secret versions, keeping enough history to
// tolerate a proxy instance that has not reloaded yet. Pruning is explicit
// and rate-limited by its own interval; it never runs inside a pass.
func (c *Controller) prune(ctx context.Context) {
	for _, kind := range []secret.Kind{secret.KindCertKey, secret.KindCertChain, secret.KindRenderedConfig} {
		handles, err := c.store.List(ctx, kind)
		if err != nil {
			klog.Errorf("Prune: failed to list %s secrets: %v", kind, err)
			continue
		}
		owners := sets.New[string]()
		for _, h := range handles {
			owners.Insert(h.OwnerID)
		}
		for _, owner := range sets.List(owners) {
			removed, err := c.store.Prune(ctx, kind, owner, c.cfg.KeepVersions)
			if err != nil {
				klog.Errorf("Prune: failed for %s/%s: %v", kind, owner, err)
				continue
			}
			if removed > 0 {
				klog.Infof("Pruned %d %s versions for %s", removed, kind, owner)
			}
		}
	}
}
