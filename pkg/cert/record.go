// Package cert drives the certificate lifecycle: one state machine per
// distinct hostname set requested by the routing model, backed by the
// versioned secret store. Issuance and renewal run asynchronously per set;
// a record becomes visible to the renderer only once it is ACTIVE, so
// partially issued material is never referenced by rendered configuration.
package cert

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/gothack/ingress-robot/pkg/secret"
)

// ChallengePathPrefix is the well-known path HTTP-01 validation requests
// arrive on. It must stay reachable over plaintext on every vhost, even when
// everything else redirects to TLS, or renewal deadlocks.
const ChallengePathPrefix = "/.well-known/acme-challenge/"

// State is a certificate record's lifecycle state.
type State string

const (
	// StatePending: the route requires TLS but no validation has started yet.
	StatePending State = "PENDING"
	// StateValidating: the challenge token is published and the CA has been
	// asked to validate control of the hostnames.
	StateValidating State = "VALIDATING"
	// StateIssuing: the CA confirmed control; the order is being finalized.
	StateIssuing State = "ISSUING"
	// StateActive: key and chain are stored and referenced by rendered config.
	StateActive State = "ACTIVE"
	// StateFailed: the last attempt failed; retried after backoff, or
	// suspended once the attempt budget is exhausted.
	StateFailed State = "FAILED"
	// StateRetired: superseded by a newer active record, or no longer
	// requested by any route. Material stays stored until pruned.
	StateRetired State = "RETIRED"
)

// Record tracks the certificate lifecycle for one hostname set. Records are
// owned exclusively by the Manager; readers receive copies.
type Record struct {
	// Hosts is the sorted hostname set this record covers.
	Hosts []string
	// OwnerID is the stable identifier of the hostname set.
	OwnerID string
	State   State

	KeyHandle   secret.Handle
	ChainHandle secret.Handle

	IssuedAt  time.Time
	ExpiresAt time.Time

	// Attempts counts consecutive failed issuance attempts.
	Attempts int
	// NotBefore gates the next attempt while backing off after a failure.
	NotBefore time.Time

	// requiredGen is the routing-model generation that first exposes the
	// challenge path for this hostname set. Validation is deferred until a
	// config of at least this generation has been applied.
	requiredGen int64
}

func (r *Record) clone() *Record {
	c := *r
	c.Hosts = append([]string(nil), r.Hosts...)
	return &c
}

// IssuedCertificate is the material returned by an Issuer.
type IssuedCertificate struct {
	KeyPEM    []byte
	ChainPEM  []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer performs one certificate issuance for a hostname set. The validated
// callback is invoked once the certificate authority has confirmed control of
// all hostnames, before the order is finalized.
type Issuer interface {
	Issue(ctx context.Context, hosts []string, validated func()) (*IssuedCertificate, error)
}

// TokenOwnerID maps an HTTP-01 challenge token to a secret owner identifier.
// Tokens may contain characters that are invalid in secret names, so the
// responder and the issuer both address published tokens by this digest.
func TokenOwnerID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "tok-" + hex.EncodeToString(sum[:10])
}

// parseLeaf extracts the leaf certificate from a PEM chain.
func parseLeaf(chainPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate found in chain")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
	}
	return leaf, nil
}
