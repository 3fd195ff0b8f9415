// Package secret implements the versioned secret store backing certificate
// material, rendered configuration and ACME bookkeeping. Secrets are opaque
// named payloads; names are versioned (<prefix>.<kind>.<owner>.<seq>) so a
// new version never overwrites one that may still be referenced by a live
// proxy instance. Pruning is a separate, explicit operation.
package secret

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"
)

// Kind tags a secret namespace. Listing and pruning filter by kind.
type Kind string

const (
	// KindCertKey holds a TLS private key.
	KindCertKey Kind = "cert-key"
	// KindCertChain holds a TLS certificate chain.
	KindCertChain Kind = "cert-chain"
	// KindRenderedConfig holds one version of the rendered proxy config.
	KindRenderedConfig Kind = "rendered-config"
	// KindAccount holds the serialized ACME account.
	KindAccount Kind = "acme-account"
	// KindChallengeToken holds one published HTTP-01 key authorization.
	KindChallengeToken Kind = "challenge-token"
)

// token is the short name component used inside secret names.
func (k Kind) token() string {
	switch k {
	case KindCertKey:
		return "key"
	case KindCertChain:
		return "crt"
	case KindRenderedConfig:
		return "conf"
	case KindAccount:
		return "acct"
	case KindChallengeToken:
		return "chal"
	}
	return string(k)
}

var kindsByToken = map[string]Kind{
	"key":  KindCertKey,
	"crt":  KindCertChain,
	"conf": KindRenderedConfig,
	"acct": KindAccount,
	"chal": KindChallengeToken,
}

// dataKey is the key the payload is stored under inside the Secret object.
func (k Kind) dataKey() string {
	switch k {
	case KindCertKey:
		return "tls.key"
	case KindCertChain:
		return "tls.crt"
	case KindRenderedConfig:
		return "nginx.conf"
	case KindAccount:
		return "account.json"
	case KindChallengeToken:
		return "response"
	}
	return "data"
}

// Handle is a versioned, namespaced reference to one stored secret.
type Handle struct {
	Name    string
	Kind    Kind
	OwnerID string
	Seq     int
}

// ErrNotFound is returned when a handle refers to a secret that no longer exists.
var ErrNotFound = errors.New("secret not found")

// Labels applied to every managed secret.
const (
	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "ingress-robot"
	kindLabel      = "ingress.gothack.dev/kind"
)

// minKeep is the lowest pruning retention ever honored: the newest version
// plus the previous one that a not-yet-reloaded proxy may still reference.
const minKeep = 2

// Store is the versioned secret store used by the certificate lifecycle
// manager, the reload dispatcher and the challenge responder.
type Store interface {
	// Put creates the next version for (kind, owner) and returns its handle.
	// The sequence number is monotonic per owner; names are never reused.
	Put(ctx context.Context, kind Kind, ownerID string, payload []byte) (Handle, error)
	// Get returns the payload behind a handle.
	Get(ctx context.Context, h Handle) ([]byte, error)
	// List returns all handles of one kind, newest first per owner.
	List(ctx context.Context, kind Kind) ([]Handle, error)
	// Latest returns the newest handle for (kind, owner), or ErrNotFound.
	Latest(ctx context.Context, kind Kind, ownerID string) (Handle, error)
	// Remove deletes the secret behind a handle.
	Remove(ctx context.Context, h Handle) error
	// Prune removes all versions for (kind, owner) except the keep newest.
	// keep is raised to the minimum retention when set lower.
	Prune(ctx context.Context, kind Kind, ownerID string, keep int) (int, error)
}

// KubeStore stores secrets as corev1.Secret objects in a single namespace.
type KubeStore struct {
	client    SecretClient
	namespace string
	prefix    string
}

// SecretClient is the slice of the Kubernetes client the store needs.
type SecretClient interface {
	Create(ctx context.Context, secret *corev1.Secret, opts metav1.CreateOptions) (*corev1.Secret, error)
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*corev1.Secret, error)
	List(ctx context.Context, opts metav1.ListOptions) (*corev1.SecretList, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
}

// NewKubeStore creates a store writing into the given namespace with the
// given name prefix.
func NewKubeStore(client SecretClient, namespace, prefix string) *KubeStore {
	return &KubeStore{
		client:    client,
		namespace: namespace,
		prefix:    prefix,
	}
}

func (s *KubeStore) name(kind Kind, ownerID string, seq int) string {
	return fmt.Sprintf("%s.%s.%s.%d", s.prefix, kind.token(), ownerID, seq)
}

// parseName recovers (kind, owner, seq) from a managed secret name.
func (s *KubeStore) parseName(name string) (Kind, string, int, bool) {
	rest, ok := strings.CutPrefix(name, s.prefix+".")
	if !ok {
		return "", "", 0, false
	}
	tok, rest, ok := strings.Cut(rest, ".")
	if !ok {
		return "", "", 0, false
	}
	kind, ok := kindsByToken[tok]
	if !ok {
		return "", "", 0, false
	}
	dot := strings.LastIndex(rest, ".")
	if dot < 1 {
		return "", "", 0, false
	}
	seq, err := strconv.Atoi(rest[dot+1:])
	if err != nil {
		return "", "", 0, false
	}
	return kind, rest[:dot], seq, true
}

// Put implements Store.
func (s *KubeStore) Put(ctx context.Context, kind Kind, ownerID string, payload []byte) (Handle, error) {
	next := 0
	handles, err := s.owned(ctx, kind, ownerID)
	if err != nil {
		return Handle{}, err
	}
	for _, h := range handles {
		if h.Seq >= next {
			next = h.Seq + 1
		}
	}

	h := Handle{
		Name:    s.name(kind, ownerID, next),
		Kind:    kind,
		OwnerID: ownerID,
		Seq:     next,
	}
	obj := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      h.Name,
			Namespace: s.namespace,
			Labels: map[string]string{
				managedByLabel: managedByValue,
				kindLabel:      kind.token(),
			},
		},
		Data: map[string][]byte{kind.dataKey(): payload},
	}
	if _, err := s.client.Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		return Handle{}, fmt.Errorf("failed to create secret %s: %w", h.Name, err)
	}
	klog.V(4).Infof("Stored secret %s (%d bytes)", h.Name, len(payload))
	return h, nil
}

// Get implements Store.
func (s *KubeStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	obj, err := s.client.Get(ctx, h.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Name)
		}
		return nil, fmt.Errorf("failed to get secret %s: %w", h.Name, err)
	}
	payload, ok := obj.Data[h.Kind.dataKey()]
	if !ok {
		return nil, fmt.Errorf("secret %s has no %s entry", h.Name, h.Kind.dataKey())
	}
	return payload, nil
}

// List implements Store.
func (s *KubeStore) List(ctx context.Context, kind Kind) ([]Handle, error) {
	list, err := s.client.List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%s", managedByLabel, managedByValue, kindLabel, kind.token()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s secrets: %w", kind, err)
	}

	var handles []Handle
	for _, obj := range list.Items {
		k, owner, seq, ok := s.parseName(obj.Name)
		if !ok || k != kind {
			klog.V(4).Infof("Skipping secret %s with unparseable name", obj.Name)
			continue
		}
		handles = append(handles, Handle{Name: obj.Name, Kind: k, OwnerID: owner, Seq: seq})
	}
	sort.Slice(handles, func(i, j int) bool {
		if handles[i].OwnerID != handles[j].OwnerID {
			return handles[i].OwnerID < handles[j].OwnerID
		}
		return handles[i].Seq > handles[j].Seq
	})
	return handles, nil
}

// owned returns all handles for one (kind, owner), newest first.
func (s *KubeStore) owned(ctx context.Context, kind Kind, ownerID string) ([]Handle, error) {
	all, err := s.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	var out []Handle
	for _, h := range all {
		if h.OwnerID == ownerID {
			out = append(out, h)
		}
	}
	return out, nil
}

// Latest implements Store.
func (s *KubeStore) Latest(ctx context.Context, kind Kind, ownerID string) (Handle, error) {
	handles, err := s.owned(ctx, kind, ownerID)
	if err != nil {
		return Handle{}, err
	}
	if len(handles) == 0 {
		return Handle{}, fmt.Errorf("%w: no %s secret for owner %s", ErrNotFound, kind, ownerID)
	}
	return handles[0], nil
}

// Remove implements Store.
func (s *KubeStore) Remove(ctx context.Context, h Handle) error {
	if err := s.client.Delete(ctx, h.Name, metav1.DeleteOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, h.Name)
		}
		return fmt.Errorf("failed to delete secret %s: %w", h.Name, err)
	}
	return nil
}

// Prune implements Store.
func (s *KubeStore) Prune(ctx context.Context, kind Kind, ownerID string, keep int) (int, error) {
	if keep < minKeep {
		keep = minKeep
	}
	handles, err := s.owned(ctx, kind, ownerID)
	if err != nil {
		return 0, err
	}
	if len(handles) <= keep {
		return 0, nil
	}

	removed := 0
	for _, h := range handles[keep:] {
		if err := s.Remove(ctx, h); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		klog.Infof("Pruned secret %s", h.Name)
		removed++
	}
	return removed, nil
}
