package cert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/acme"
	"k8s.io/klog/v2"

	"github.com/gothack/ingress-robot/pkg/secret"
)

// accountOwnerID is the fixed secret owner for the ACME account.
const accountOwnerID = "account"

// storedAccount is the persisted ACME account: the private key identifies
// the account to the CA, the URI is kept for debugging.
type storedAccount struct {
	KeyPEM string `json:"keyPEM"`
	URI    string `json:"uri"`
}

// ACMEIssuer issues certificates through an RFC 8555 certificate authority
// using HTTP-01 validation. Challenge responses are published through the
// secret store, where the shared challenge responder serves them, before the
// CA is asked to validate.
type ACMEIssuer struct {
	store        secret.Store
	directoryURL string
	email        string

	mu     sync.Mutex
	client *acme.Client
}

// NewACMEIssuer creates an issuer against the given ACME directory. The
// account is loaded from the store, or registered and persisted on first use.
// The caller must have validated the operator's terms-of-service acceptance.
func NewACMEIssuer(store secret.Store, directoryURL, email string) *ACMEIssuer {
	return &ACMEIssuer{
		store:        store,
		directoryURL: directoryURL,
		email:        email,
	}
}

// ensureClient loads or registers the ACME account exactly once.
func (a *ACMEIssuer) ensureClient(ctx context.Context) (*acme.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	h, err := a.store.Latest(ctx, secret.KindAccount, accountOwnerID)
	switch {
	case err == nil:
		payload, err := a.store.Get(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("failed to read account secret: %w", err)
		}
		var acct storedAccount
		if err := json.Unmarshal(payload, &acct); err != nil {
			return nil, fmt.Errorf("failed to decode account secret: %w", err)
		}
		block, _ := pem.Decode([]byte(acct.KeyPEM))
		if block == nil {
			return nil, fmt.Errorf("account secret holds no PEM key")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key: %w", err)
		}
		a.client = &acme.Client{Key: key, DirectoryURL: a.directoryURL}
		klog.Infof("Loaded ACME account from %s", h.Name)

	case errors.Is(err, secret.ErrNotFound):
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate account key: %w", err)
		}
		client := &acme.Client{Key: key, DirectoryURL: a.directoryURL}
		acct, err := client.Register(ctx, &acme.Account{Contact: []string{"mailto:" + a.email}}, acme.AcceptTOS)
		if err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
			return nil, fmt.Errorf("failed to register ACME account: %w", err)
		}

		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal account key: %w", err)
		}
		stored := storedAccount{
			KeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})),
		}
		if acct != nil {
			stored.URI = acct.URI
		}
		payload, err := json.Marshal(stored)
		if err != nil {
			return nil, fmt.Errorf("failed to encode account: %w", err)
		}
		if _, err := a.store.Put(ctx, secret.KindAccount, accountOwnerID, payload); err != nil {
			return nil, fmt.Errorf("failed to persist account: %w", err)
		}
		a.client = client
		klog.Infof("Registered new ACME account for %s", a.email)

	default:
		return nil, fmt.Errorf("failed to look up account secret: %w", err)
	}

	return a.client, nil
}

// Issue implements Issuer.
func (a *ACMEIssuer) Issue(ctx context.Context, hosts []string, validated func()) (*IssuedCertificate, error) {
	client, err := a.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(hosts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create order for %v: %w", hosts, err)
	}

	var published []secret.Handle
	defer func() {
		for _, h := range published {
			if err := a.store.Remove(context.WithoutCancel(ctx), h); err != nil && !errors.Is(err, secret.ErrNotFound) {
				klog.Warningf("Failed to clean up challenge secret %s: %v", h.Name, err)
			}
		}
	}()

	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		var chal *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "http-01" {
				chal = c
				break
			}
		}
		if chal == nil {
			return nil, fmt.Errorf("authorization for %s offers no http-01 challenge", authz.Identifier.Value)
		}

		response, err := client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to build challenge response: %w", err)
		}
		// The token must be answerable before the CA is told to validate.
		h, err := a.store.Put(ctx, secret.KindChallengeToken, TokenOwnerID(chal.Token), []byte(response))
		if err != nil {
			return nil, fmt.Errorf("failed to publish challenge token: %w", err)
		}
		published = append(published, h)
		klog.V(4).Infof("Published challenge token for %s as %s", authz.Identifier.Value, h.Name)

		if _, err := client.Accept(ctx, chal); err != nil {
			return nil, fmt.Errorf("failed to accept challenge for %s: %w", authz.Identifier.Value, err)
		}
		if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
			return nil, fmt.Errorf("authorization for %s failed: %w", authz.Identifier.Value, err)
		}
	}

	validated()

	if _, err := client.WaitOrder(ctx, order.URI); err != nil {
		return nil, fmt.Errorf("order for %v did not become ready: %w", hosts, err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: hosts[0]},
		DNSNames: hosts,
	}, certKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	ders, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize order for %v: %w", hosts, err)
	}
	if len(ders) == 0 {
		return nil, fmt.Errorf("certificate authority returned an empty chain for %v", hosts)
	}

	leaf, err := x509.ParseCertificate(ders[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}

	var chainPEM []byte
	for _, der := range ders {
		chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal certificate key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &IssuedCertificate{
		KeyPEM:    keyPEM,
		ChainPEM:  chainPEM,
		IssuedAt:  leaf.NotBefore,
		ExpiresAt: leaf.NotAfter,
	}, nil
}
