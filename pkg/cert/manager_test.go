package cert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes/fake"

	"github.com/gothack/ingress-robot/pkg/route"
	"github.com/gothack/ingress-robot/pkg/secret"
)

func testOptions() Options {
	return Options{
		RenewalFraction: 1.0 / 3.0,
		BackoffInitial:  30 * time.Second,
		BackoffFactor:   2,
		BackoffCap:      time.Hour,
		MaxAttempts:     3,
	}
}

func testStore() secret.Store {
	client := fake.NewSimpleClientset()
	return secret.NewKubeStore(client.CoreV1().Secrets("ingress"), "ingress", "ndi")
}

// fakeIssuer hands out 90-day certificates, or a fixed error. An optional
// gate channel holds every issuance until released, so tests can observe
// in-flight states.
type fakeIssuer struct {
	mu    sync.Mutex
	calls [][]string
	err   error
	gate  chan struct{}
	now   func() time.Time
}

func (f *fakeIssuer) Issue(ctx context.Context, hosts []string, validated func()) (*IssuedCertificate, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), hosts...))
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if f.err != nil {
		return nil, f.err
	}
	validated()
	issued := f.now()
	return &IssuedCertificate{
		KeyPEM:    []byte("fake key"),
		ChainPEM:  []byte("fake chain"),
		IssuedAt:  issued,
		ExpiresAt: issued.Add(90 * 24 * time.Hour),
	}, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func tlsModel(generation int64, hosts ...string) *route.Model {
	return &route.Model{
		Generation: generation,
		Routes: []route.Spec{{
			Hosts:        hosts,
			UpstreamName: "app.default.svc",
			UpstreamPort: 80,
			Path:         "/",
			TLS:          route.TLSACME,
			ServiceID:    "svc-1",
		}},
	}
}

func newTestManager(t *testing.T, issuer Issuer) (*Manager, func(time.Duration)) {
	t.Helper()
	m := NewManager(testStore(), issuer, testOptions())
	now := time.Now()
	m.now = func() time.Time { return now }
	if fi, ok := issuer.(*fakeIssuer); ok {
		fi.now = m.now
	}
	advance := func(d time.Duration) { now = now.Add(d) }
	return m, advance
}

func TestLifecycle_PendingGatedOnAppliedGeneration(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	m, _ := newTestManager(t, issuer)

	model := tlsModel(5, "example.com")
	owner := model.Routes[0].OwnerID()
	m.EnsureModel(model)

	st, ok := m.StatusOf(owner)
	if !ok || st.Next == nil || st.Next.State != StatePending {
		t.Fatalf("expected a PENDING record, got %+v", st)
	}

	// The config exposing the challenge path has not been applied yet:
	// validation must be deferred, not dropped.
	m.Tick(ctx, 4)
	m.wg.Wait()
	if issuer.callCount() != 0 {
		t.Fatal("issuance started before the challenge path was applied")
	}
	st, _ = m.StatusOf(owner)
	if st.Next == nil || st.Next.State != StatePending {
		t.Fatalf("deferred record should remain PENDING, got %+v", st.Next)
	}

	m.Tick(ctx, 5)
	m.wg.Wait()
	if issuer.callCount() != 1 {
		t.Fatalf("expected one issuance, got %d", issuer.callCount())
	}

	st, _ = m.StatusOf(owner)
	if st.Current == nil || st.Current.State != StateActive {
		t.Fatalf("expected ACTIVE record, got %+v", st)
	}
	if st.Next != nil {
		t.Errorf("successor should be cleared after activation, got %+v", st.Next)
	}
	if st.Current.KeyHandle.Name == "" || st.Current.ChainHandle.Name == "" {
		t.Error("active record must reference stored secret handles")
	}

	active := m.Active()
	if _, ok := active[owner]; !ok {
		t.Error("active snapshot missing the new record")
	}
}

func TestTick_IdempotentOnceActive(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	m, _ := newTestManager(t, issuer)

	model := tlsModel(1, "example.com")
	m.EnsureModel(model)
	m.Tick(ctx, 1)
	m.wg.Wait()

	for i := 0; i < 3; i++ {
		m.EnsureModel(model)
		m.Tick(ctx, 1)
		m.wg.Wait()
	}
	if issuer.callCount() != 1 {
		t.Errorf("repeated ticks on unchanged input issued %d times", issuer.callCount())
	}
}

func TestFailure_BackoffThenSuspension(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{err: errors.New("connection timed out")}
	m, advance := newTestManager(t, issuer)

	model := tlsModel(1, "broken.example.com")
	owner := model.Routes[0].OwnerID()
	m.EnsureModel(model)

	// Attempt 1 fails and schedules a backoff.
	m.Tick(ctx, 1)
	m.wg.Wait()
	st, _ := m.StatusOf(owner)
	if st.Next == nil || st.Next.State != StateFailed || st.Next.Attempts != 1 {
		t.Fatalf("expected FAILED after first attempt, got %+v", st.Next)
	}

	// The backoff window has not elapsed: no retry.
	m.Tick(ctx, 1)
	m.wg.Wait()
	if issuer.callCount() != 1 {
		t.Fatalf("retried before backoff elapsed, calls=%d", issuer.callCount())
	}

	// Exhaust the attempt budget.
	for attempt := 2; attempt <= 3; attempt++ {
		advance(2 * time.Hour)
		m.Tick(ctx, 1)
		m.wg.Wait()
	}
	st, _ = m.StatusOf(owner)
	if st.Next == nil || st.Next.State != StateFailed || st.Next.Attempts != 3 {
		t.Fatalf("expected terminal FAILED after 3 attempts, got %+v", st.Next)
	}

	// Suspended: further ticks never reach the certificate authority again.
	advance(24 * time.Hour)
	m.Tick(ctx, 1)
	m.wg.Wait()
	if issuer.callCount() != 3 {
		t.Errorf("suspended host set was retried, calls=%d", issuer.callCount())
	}

	// Plaintext routing is unaffected: no active record, no handles.
	if len(m.Active()) != 0 {
		t.Error("failed host set must not expose certificate material")
	}
}

func TestRenewal_OldRecordStaysActiveUntilReplaced(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	issuer := &fakeIssuer{}
	m, advance := newTestManager(t, issuer)

	model := tlsModel(1, "example.com")
	owner := model.Routes[0].OwnerID()
	m.EnsureModel(model)
	m.Tick(ctx, 1)
	m.wg.Wait()
	first := m.Active()[owner]

	// Not yet below the renewal threshold: nothing happens.
	advance(30 * 24 * time.Hour)
	m.Tick(ctx, 1)
	m.wg.Wait()
	if issuer.callCount() != 1 {
		t.Fatalf("renewed before threshold, calls=%d", issuer.callCount())
	}

	// 70 of 90 days gone: remaining 20 days < 30-day threshold. Hold the
	// issuance to observe that the old record stays visible meanwhile.
	issuer.mu.Lock()
	issuer.gate = gate
	issuer.mu.Unlock()
	advance(40 * 24 * time.Hour)
	m.Tick(ctx, 1)

	st, _ := m.StatusOf(owner)
	if st.Next == nil {
		t.Fatal("expected a renewal record in flight")
	}
	if got := m.Active()[owner]; got.ChainHandle != first.ChainHandle {
		t.Error("old record must stay active until the renewal completes")
	}

	close(gate)
	m.wg.Wait()

	renewed := m.Active()[owner]
	if renewed.ChainHandle == first.ChainHandle {
		t.Error("renewal did not produce a new secret version")
	}
	if renewed.ChainHandle.Seq != first.ChainHandle.Seq+1 {
		t.Errorf("expected next sequence %d, got %d", first.ChainHandle.Seq+1, renewed.ChainHandle.Seq)
	}
	if issuer.callCount() != 2 {
		t.Errorf("expected exactly one renewal, calls=%d", issuer.callCount())
	}
}

func TestRouteRemoval_RetiresAndDiscardsInFlight(t *testing.T) {
	ctx := context.Background()
	issuer := &fakeIssuer{}
	m, _ := newTestManager(t, issuer)

	model := tlsModel(1, "example.com")
	owner := model.Routes[0].OwnerID()
	m.EnsureModel(model)
	m.Tick(ctx, 1)
	m.wg.Wait()

	// Route gone: the record retires but is not deleted.
	empty := &route.Model{Generation: 2}
	m.EnsureModel(empty)
	st, _ := m.StatusOf(owner)
	if st.Current == nil || st.Current.State != StateRetired {
		t.Fatalf("expected RETIRED record, got %+v", st)
	}
	if len(m.Active()) != 0 {
		t.Error("retired record must not be visible to the renderer")
	}

	// Route returns while the material is still valid: revived, not re-issued.
	m.EnsureModel(tlsModel(3, "example.com"))
	m.Tick(ctx, 3)
	m.wg.Wait()
	if issuer.callCount() != 1 {
		t.Errorf("revival must not contact the certificate authority, calls=%d", issuer.callCount())
	}
	if _, ok := m.Active()[owner]; !ok {
		t.Error("revived record should be active again")
	}
}

func TestInFlightResultDiscardedWhenSetRemoved(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	issuer := &fakeIssuer{gate: gate}
	m, _ := newTestManager(t, issuer)

	model := tlsModel(1, "example.com")
	owner := model.Routes[0].OwnerID()
	m.EnsureModel(model)
	m.Tick(ctx, 1)

	// The set disappears while validation is in flight.
	m.EnsureModel(&route.Model{Generation: 2})
	close(gate)
	m.wg.Wait()

	if _, ok := m.Active()[owner]; ok {
		t.Error("result of an abandoned issuance must be discarded")
	}
}

func TestBootstrap_AdoptsStoredCertificates(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	issuer := &fakeIssuer{}
	m := NewManager(store, issuer, testOptions())

	hosts := []string{"example.com", "www.example.com"}
	owner := route.HostSetID(hosts)
	chainPEM := selfSignedPEM(t, hosts, time.Now().Add(-time.Hour), time.Now().Add(60*24*time.Hour))
	if _, err := store.Put(ctx, secret.KindCertKey, owner, []byte("stored key")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, secret.KindCertChain, owner, chainPEM); err != nil {
		t.Fatal(err)
	}

	if err := m.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	st, ok := m.StatusOf(owner)
	if !ok || st.Current == nil || st.Current.State != StateActive {
		t.Fatalf("expected adopted ACTIVE record, got %+v", st)
	}
	if len(st.Current.Hosts) != 2 {
		t.Errorf("expected hosts recovered from the certificate, got %v", st.Current.Hosts)
	}

	// The adopted record satisfies the model without contacting the CA.
	m.EnsureModel(&route.Model{
		Generation: 1,
		Routes: []route.Spec{{
			Hosts: hosts, UpstreamName: "app.default.svc", UpstreamPort: 80,
			Path: "/", TLS: route.TLSACME, ServiceID: "svc-1",
		}},
	})
	m.Tick(ctx, 1)
	m.wg.Wait()
	if issuer.callCount() != 0 {
		t.Errorf("adopted certificate should not be re-requested, calls=%d", issuer.callCount())
	}
}

// selfSignedPEM builds a throwaway certificate covering the given hosts.
func selfSignedPEM(t *testing.T, hosts []string, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hosts[0]},
		DNSNames:     hosts,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
