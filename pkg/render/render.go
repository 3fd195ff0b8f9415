// Package render turns a routing model and the active certificate records
// into nginx configuration text. Rendering is a pure function: equal inputs
// produce byte-identical output, which is what lets the reload dispatcher
// suppress no-op reloads.
package render

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/gothack/ingress-robot/pkg/cert"
	"github.com/gothack/ingress-robot/pkg/route"
)

//go:embed nginx.conf.tmpl
var templateFS embed.FS

// Renderer renders nginx configuration for one controller instance.
type Renderer struct {
	challengeUpstream string
	secretDir         string
	tmpl              *template.Template
}

// NewRenderer parses the embedded template. challengeUpstream is the
// host:port every vhost proxies the ACME challenge path to; secretDir is
// where certificate secrets are mounted in the proxy container.
func NewRenderer(challengeUpstream, secretDir string) (*Renderer, error) {
	tmpl, err := template.New("nginx.conf.tmpl").
		Funcs(sprig.TxtFuncMap()).
		ParseFS(templateFS, "nginx.conf.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse nginx template: %w", err)
	}
	return &Renderer{
		challengeUpstream: challengeUpstream,
		secretDir:         strings.TrimRight(secretDir, "/"),
		tmpl:              tmpl,
	}, nil
}

// vhost pairs one route with the certificate record backing its TLS server
// block, if any.
type vhost struct {
	Route route.Spec
	Cert  *cert.Record
}

type templateData struct {
	Vhosts            []vhost
	ChallengePath     string
	ChallengeUpstream string
	SecretDir         string
}

// Render produces the full configuration text. Routes requiring TLS whose
// certificate is not ACTIVE yet are rendered plaintext-only; the TLS server
// block appears on a later pass, once issuance completes. A reference to a
// secret that was never acknowledged by the store can therefore not occur.
func (r *Renderer) Render(model *route.Model, active map[string]cert.Record) (string, error) {
	data := templateData{
		ChallengePath:     cert.ChallengePathPrefix,
		ChallengeUpstream: r.challengeUpstream,
		SecretDir:         r.secretDir,
	}
	for _, spec := range model.Routes {
		v := vhost{Route: spec}
		if spec.TLS.RequiresCertificate() {
			if rec, ok := active[spec.OwnerID()]; ok {
				v.Cert = &rec
			}
		}
		data.Vhosts = append(data.Vhosts, v)
	}

	var buf strings.Builder
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return buf.String(), nil
}
