package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/acme/autocert"
)

// HTTPSConfig holds HTTPS/TLS configuration.
type HTTPSConfig struct {
	Domain   string // Domain for the Let's Encrypt certificate
	CertDir  string // Certificate cache directory
	HTTPAddr string // Listener for ACME challenges and the https redirect
}

// ValidateDomain checks that domain can get a public certificate.
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain required for HTTPS")
	}
	if strings.EqualFold(domain, "localhost") {
		return fmt.Errorf("Let's Encrypt requires a public domain, not localhost; use a reverse proxy for local HTTPS")
	}
	if net.ParseIP(strings.Trim(domain, "[]")) != nil {
		return fmt.Errorf("Let's Encrypt requires a domain name, not an IP address")
	}
	if len(domain) > 253 {
		return fmt.Errorf("invalid domain format: %s", domain)
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("invalid domain format: %s", domain)
	}
	for _, label := range labels {
		if !validLabel(label) {
			return fmt.Errorf("invalid domain format: %s", domain)
		}
	}
	return nil
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, c := range label {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

// NewAutocertManager creates an autocert.Manager for domain caching
// certificates in certDir.
func NewAutocertManager(domain, certDir string) *autocert.Manager {
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(certDir),
	}
}

// NewTLSConfig serves certificates from manager. HTTP/2 is not offered
// because websocket upgrades need HTTP/1.1.
func NewTLSConfig(manager *autocert.Manager) *tls.Config {
	return &tls.Config{
		GetCertificate: manager.GetCertificate,
		NextProtos:     []string{"http/1.1", "acme-tls/1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// HTTPRedirectHandler redirects every request to the https origin of
// domain. Wrap it with autocert.Manager.HTTPHandler to answer challenges.
func HTTPRedirectHandler(domain string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}
