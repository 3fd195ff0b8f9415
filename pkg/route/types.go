// Package route converts orchestrator service metadata into the routing
// model consumed by the renderer and the certificate lifecycle manager.
// Services opt in through nginx-ingress.* annotations; the package validates
// them into immutable RouteSpecs and aggregates those into a RoutingModel
// snapshot per reconciliation pass.
package route

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Annotation keys read from frontend services.
const (
	LabelPrefix = "nginx-ingress."

	LabelHost          = LabelPrefix + "host"
	LabelPort          = LabelPrefix + "port"
	LabelPath          = LabelPrefix + "path"
	LabelSSL           = LabelPrefix + "ssl"
	LabelSSLRedirect   = LabelPrefix + "ssl-redirect"
	LabelProxyProtocol = LabelPrefix + "proxy-protocol"
)

// TLSMode is the per-route TLS policy.
type TLSMode string

const (
	// TLSNone serves plaintext only.
	TLSNone TLSMode = "none"
	// TLSACME serves plaintext and TLS with an automatically issued certificate.
	TLSACME TLSMode = "acme"
	// TLSACMERedirect additionally redirects plaintext traffic to TLS,
	// except for the challenge path.
	TLSACMERedirect TLSMode = "acme+redirect"
)

// RequiresCertificate reports whether the mode needs issued certificate material.
func (m TLSMode) RequiresCertificate() bool { return m != TLSNone }

// Redirects reports whether plaintext traffic is redirected to TLS.
func (m TLSMode) Redirects() bool { return m == TLSACMERedirect }

// ServiceDescriptor is the ephemeral projection of one orchestrator service.
// It is refreshed on every snapshot and carries the raw annotation mapping.
type ServiceDescriptor struct {
	// ID is the orchestrator-assigned identity (the Kubernetes UID).
	ID string
	// Name is the in-cluster DNS name the proxy can reach the service at.
	Name string
	// Labels is the raw nginx-ingress annotation mapping.
	Labels map[string]string
}

// Spec is a validated routing descriptor derived from one service.
type Spec struct {
	// Hosts is the non-empty, lower-cased, deduplicated, sorted hostname set.
	Hosts []string
	// UpstreamName is the DNS name requests are proxied to.
	UpstreamName string
	// UpstreamPort is the upstream port, 1-65535.
	UpstreamPort int
	// Path is the location prefix, always starting with "/".
	Path string
	// TLS is the TLS policy for all hosts of this route.
	TLS TLSMode
	// ProxyProtocolCIDR, when set, enables the PROXY protocol listener and
	// trusts the given source network for real-IP extraction.
	ProxyProtocolCIDR string
	// ServiceID is the originating service, kept for error attribution.
	ServiceID string
}

// OwnerID identifies the hostname set of this route. It is stable across
// passes, independent of service identity, and safe to embed in secret names.
func (s *Spec) OwnerID() string {
	return HostSetID(s.Hosts)
}

// HostSetID derives the owner identifier for a sorted hostname set: the
// primary hostname plus a short digest disambiguating the full set.
func HostSetID(hosts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(hosts, ",")))
	return fmt.Sprintf("%s-%s", hosts[0], hex.EncodeToString(sum[:4]))
}

// Model is one immutable routing snapshot. It is rebuilt wholesale on every
// reconciliation pass and never mutated in place.
type Model struct {
	// Generation increases monotonically with every built model.
	Generation int64
	// Routes is sorted by primary hostname, so identical inputs render to
	// byte-identical output.
	Routes []Spec
}

// TLSRoutes returns the routes whose policy requires certificate material.
func (m *Model) TLSRoutes() []Spec {
	var out []Spec
	for _, r := range m.Routes {
		if r.TLS.RequiresCertificate() {
			out = append(out, r)
		}
	}
	return out
}

// ParseError marks one service as excluded from the model. It never aborts
// the reconciliation pass for other services.
type ParseError struct {
	ServiceID string
	Label     string
	Reason    string
}

func (e *ParseError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("service %s: %s", e.ServiceID, e.Reason)
	}
	return fmt.Sprintf("service %s: label %s: %s", e.ServiceID, e.Label, e.Reason)
}
