package cert

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/gothack/ingress-robot/pkg/route"
	"github.com/gothack/ingress-robot/pkg/secret"
)

// Options are the lifecycle policy knobs.
type Options struct {
	// RenewalFraction: renew when remaining validity falls below this
	// fraction of total validity.
	RenewalFraction float64
	// BackoffInitial, BackoffFactor and BackoffCap shape the jittered
	// exponential retry delay after a failed attempt.
	BackoffInitial time.Duration
	BackoffFactor  float64
	BackoffCap     time.Duration
	// MaxAttempts suspends a hostname set after this many consecutive
	// failures, until the operator intervenes.
	MaxAttempts int
}

// backoffJitter is the relative jitter applied to retry delays.
const backoffJitter = 0.1

// entry couples the visible record of one hostname set with its in-progress
// replacement. current is what the renderer may reference; next is the
// pending/validating/issuing/failed successor.
type entry struct {
	current  *Record
	next     *Record
	inflight bool
	wanted   bool
}

// Manager owns every certificate record. It is the single writer; all
// readers consume copies.
type Manager struct {
	store  secret.Store
	issuer Issuer
	opts   Options

	mu      sync.Mutex
	entries map[string]*entry

	changed chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewManager creates a Manager. Call Bootstrap before the first tick to
// adopt certificates issued by a previous controller instance.
func NewManager(store secret.Store, issuer Issuer, opts Options) *Manager {
	return &Manager{
		store:   store,
		issuer:  issuer,
		opts:    opts,
		entries: make(map[string]*entry),
		changed: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Changed signals that a record reached ACTIVE and a re-render is due.
func (m *Manager) Changed() <-chan struct{} { return m.changed }

func (m *Manager) notify() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Bootstrap rebuilds ACTIVE records from stored key/chain pairs, so a
// controller restart neither forgets nor re-requests valid certificates.
// Only versions present as a complete key+chain pair are considered.
func (m *Manager) Bootstrap(ctx context.Context) error {
	keys, err := m.store.List(ctx, secret.KindCertKey)
	if err != nil {
		return err
	}
	chains, err := m.store.List(ctx, secret.KindCertChain)
	if err != nil {
		return err
	}

	keyBySeq := map[string]map[int]secret.Handle{}
	for _, h := range keys {
		if keyBySeq[h.OwnerID] == nil {
			keyBySeq[h.OwnerID] = map[int]secret.Handle{}
		}
		keyBySeq[h.OwnerID][h.Seq] = h
	}

	latest := map[string][2]secret.Handle{}
	for _, ch := range chains {
		kh, ok := keyBySeq[ch.OwnerID][ch.Seq]
		if !ok {
			continue
		}
		if prev, ok := latest[ch.OwnerID]; ok && prev[1].Seq >= ch.Seq {
			continue
		}
		latest[ch.OwnerID] = [2]secret.Handle{kh, ch}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for owner, pair := range latest {
		payload, err := m.store.Get(ctx, pair[1])
		if err != nil {
			klog.Warningf("Skipping stored certificate %s: %v", pair[1].Name, err)
			continue
		}
		leaf, err := parseLeaf(payload)
		if err != nil {
			klog.Warningf("Skipping stored certificate %s: %v", pair[1].Name, err)
			continue
		}
		hosts := append([]string(nil), leaf.DNSNames...)
		if len(hosts) == 0 {
			continue
		}
		rec := &Record{
			Hosts:       hosts,
			OwnerID:     owner,
			State:       StateActive,
			KeyHandle:   pair[0],
			ChainHandle: pair[1],
			IssuedAt:    leaf.NotBefore,
			ExpiresAt:   leaf.NotAfter,
		}
		m.entries[owner] = &entry{current: rec}
		klog.Infof("Adopted stored certificate for %v, expires %s", hosts, leaf.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// EnsureModel aligns the tracked hostname sets with the routing model. It
// creates PENDING records for newly requested sets, retires records whose
// set is no longer requested, and performs no network I/O.
func (m *Manager) EnsureModel(model *route.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := sets.New[string]()
	for _, spec := range model.TLSRoutes() {
		owner := spec.OwnerID()
		wanted.Insert(owner)

		e, ok := m.entries[owner]
		if !ok {
			e = &entry{}
			m.entries[owner] = e
		}
		if e.wanted && (e.current != nil || e.next != nil) {
			continue
		}
		e.wanted = true

		if e.current != nil && e.current.State == StateRetired {
			// The set came back while its retired material is still valid:
			// revive from storage instead of asking the CA again.
			if e.current.ExpiresAt.After(m.now()) {
				revived := e.current.clone()
				revived.State = StateActive
				e.current = revived
				klog.Infof("Revived retired certificate for %v", revived.Hosts)
				m.notify()
				continue
			}
			e.current = nil
		}
		if e.current == nil && e.next == nil {
			e.next = &Record{
				Hosts:       append([]string(nil), spec.Hosts...),
				OwnerID:     owner,
				State:       StatePending,
				requiredGen: model.Generation,
			}
			klog.Infof("Certificate needed for %v (model generation %d)", spec.Hosts, model.Generation)
		}
	}

	for owner, e := range m.entries {
		if wanted.Has(owner) {
			continue
		}
		if !e.wanted {
			continue
		}
		e.wanted = false
		if e.current != nil && e.current.State == StateActive {
			e.current.State = StateRetired
			klog.Infof("Retired certificate for %v: no route requires it", e.current.Hosts)
		}
		// An in-flight issuance for the set is abandoned: its eventual
		// result is discarded, not actively cancelled.
		if e.next != nil && !e.inflight {
			e.next = nil
		}
		if e.current == nil && e.next == nil && !e.inflight {
			delete(m.entries, owner)
		}
	}
}

// Tick advances every tracked state machine. appliedGen is the newest
// routing-model generation whose rendered config has been applied; a
// PENDING record is not validated before the config exposing its challenge
// path is live. At most one issuance is in flight per hostname set.
func (m *Manager) Tick(ctx context.Context, appliedGen int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	for owner, e := range m.entries {
		if !e.wanted || e.inflight {
			continue
		}

		if e.next == nil && e.current != nil && e.current.State == StateActive && m.renewalDue(e.current, now) {
			e.next = &Record{
				Hosts:   append([]string(nil), e.current.Hosts...),
				OwnerID: owner,
				State:   StatePending,
			}
			klog.Infof("Renewal due for %v: %s left of %s validity",
				e.current.Hosts,
				e.current.ExpiresAt.Sub(now).Round(time.Minute),
				e.current.ExpiresAt.Sub(e.current.IssuedAt).Round(time.Hour))
		}
		if e.next == nil {
			continue
		}

		if e.next.State == StateFailed {
			if e.next.Attempts >= m.opts.MaxAttempts {
				continue // suspended until the operator intervenes
			}
			if now.Before(e.next.NotBefore) {
				continue
			}
			e.next.State = StatePending
		}

		if e.next.State != StatePending {
			continue
		}
		if appliedGen < e.next.requiredGen {
			klog.V(4).Infof("Deferring validation for %v: challenge path not applied yet (applied %d, need %d)",
				e.next.Hosts, appliedGen, e.next.requiredGen)
			continue
		}
		if now.Before(e.next.NotBefore) {
			continue
		}

		e.inflight = true
		e.next.State = StateValidating
		hosts := append([]string(nil), e.next.Hosts...)
		m.wg.Add(1)
		go m.issue(ctx, owner, hosts)
	}
}

func (m *Manager) renewalDue(rec *Record, now time.Time) bool {
	total := rec.ExpiresAt.Sub(rec.IssuedAt)
	if total <= 0 {
		return true
	}
	remaining := rec.ExpiresAt.Sub(now)
	return float64(remaining) < m.opts.RenewalFraction*float64(total)
}

// issue performs one issuance attempt for a hostname set.
func (m *Manager) issue(ctx context.Context, owner string, hosts []string) {
	defer m.wg.Done()

	issued, err := m.issuer.Issue(ctx, hosts, func() { m.markIssuing(owner) })
	if err != nil {
		m.issueFailed(owner, err)
		return
	}

	// Material must be acknowledged by the store before the record becomes
	// visible to the renderer.
	keyH, err := m.store.Put(ctx, secret.KindCertKey, owner, issued.KeyPEM)
	if err != nil {
		m.issueFailed(owner, err)
		return
	}
	chainH, err := m.store.Put(ctx, secret.KindCertChain, owner, issued.ChainPEM)
	if err != nil {
		m.issueFailed(owner, err)
		return
	}
	m.issueSucceeded(owner, hosts, keyH, chainH, issued)
}

func (m *Manager) markIssuing(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[owner]; e != nil && e.next != nil && e.next.State == StateValidating {
		e.next.State = StateIssuing
	}
}

func (m *Manager) issueFailed(owner string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[owner]
	if e == nil {
		return
	}
	e.inflight = false
	if !e.wanted || e.next == nil {
		klog.V(4).Infof("Discarding failed issuance for removed host set %s", owner)
		e.next = nil
		return
	}

	e.next.Attempts++
	e.next.State = StateFailed
	if e.next.Attempts >= m.opts.MaxAttempts {
		klog.Errorf("Certificate issuance for %v failed permanently after %d attempts, suspending until labels change: %v",
			e.next.Hosts, e.next.Attempts, err)
		return
	}
	delay := m.backoffDelay(e.next.Attempts)
	e.next.NotBefore = m.now().Add(delay)
	klog.Warningf("Certificate issuance for %v failed (attempt %d/%d), retrying in %s: %v",
		e.next.Hosts, e.next.Attempts, m.opts.MaxAttempts, delay.Round(time.Second), err)
}

func (m *Manager) issueSucceeded(owner string, hosts []string, keyH, chainH secret.Handle, issued *IssuedCertificate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[owner]
	if e == nil {
		return
	}
	e.inflight = false
	if !e.wanted {
		// The set left the model while validation ran; the stored material
		// is left for the pruning pass.
		klog.V(4).Infof("Discarding issued certificate for removed host set %s", owner)
		e.next = nil
		return
	}

	rec := &Record{
		Hosts:       hosts,
		OwnerID:     owner,
		State:       StateActive,
		KeyHandle:   keyH,
		ChainHandle: chainH,
		IssuedAt:    issued.IssuedAt,
		ExpiresAt:   issued.ExpiresAt,
	}
	if e.current != nil {
		e.current.State = StateRetired
	}
	e.current = rec
	e.next = nil
	klog.Infof("Certificate for %v is active, expires %s", hosts, issued.ExpiresAt.Format(time.RFC3339))
	m.notify()
}

func (m *Manager) backoffDelay(attempts int) time.Duration {
	d := m.opts.BackoffInitial
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * m.opts.BackoffFactor)
		if d >= m.opts.BackoffCap {
			d = m.opts.BackoffCap
			break
		}
	}
	if d > m.opts.BackoffCap {
		d = m.opts.BackoffCap
	}
	return wait.Jitter(d, backoffJitter)
}

// Active returns a copy of every ACTIVE record, keyed by hostname-set owner
// id. This is the only view the renderer consumes.
func (m *Manager) Active() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record)
	for owner, e := range m.entries {
		if e.current != nil && e.current.State == StateActive {
			out[owner] = *e.current.clone()
		}
	}
	return out
}

// Status reports the visible and in-progress record for one hostname set.
type Status struct {
	Current *Record
	Next    *Record
}

// StatusOf returns copies of the records tracked for a hostname set.
func (m *Manager) StatusOf(ownerID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ownerID]
	if !ok {
		return Status{}, false
	}
	st := Status{}
	if e.current != nil {
		st.Current = e.current.clone()
	}
	if e.next != nil {
		st.Next = e.next.clone()
	}
	return st, true
}
