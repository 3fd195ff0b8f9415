// Package challenge implements the shared HTTP-01 responder. Every
// plaintext vhost proxies the ACME challenge path here; tokens published by
// the issuer through the secret store are answered with their key
// authorization, everything else is a 404.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/gothack/ingress-robot/pkg/cert"
	"github.com/gothack/ingress-robot/pkg/secret"
)

const shutdownTimeout = 5 * time.Second

// Server answers domain-validation requests from the certificate authority.
type Server struct {
	store secret.Store
	addr  string
}

// NewServer creates a responder listening on addr.
func NewServer(store secret.Store, addr string) *Server {
	return &Server{store: store, addr: addr}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.URL.Path, cert.ChallengePathPrefix)
	if !ok || token == "" || strings.Contains(token, "/") {
		http.NotFound(w, r)
		return
	}

	h, err := s.store.Latest(r.Context(), secret.KindChallengeToken, cert.TokenOwnerID(token))
	if err != nil {
		if errors.Is(err, secret.ErrNotFound) {
			klog.V(4).Infof("Unknown challenge token requested from %s", r.RemoteAddr)
			http.NotFound(w, r)
			return
		}
		klog.Errorf("Failed to look up challenge token: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	payload, err := s.store.Get(r.Context(), h)
	if err != nil {
		klog.Errorf("Failed to read challenge token %s: %v", h.Name, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	klog.Infof("Answered challenge for token %s...", token[:min(8, len(token))])
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write(payload)
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Challenge responder listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down challenge responder: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("challenge responder failed: %w", err)
	}
}
