/**
 * @description
 * This file implements the anchor directory: it resolves a home domain's
 * published stellar.toml into a typed Manifest and caches the result for the
 * process lifetime. All SEP clients go through the directory to discover the
 * web-auth, transfer and KYC endpoints plus the anchor's signing key and
 * network passphrase.
 *
 * @dependencies
 * - github.com/pelletier/go-toml/v2: Parses the published stellar.toml.
 * - golang.org/x/sync/singleflight: Deduplicates concurrent resolution of the
 *   same domain into a single fetch.
 *
 * @notes
 * - The cache is an injected object, not package state, so tests can use a
 *   fresh directory per run.
 * - Once populated, a manifest is treated as immutable; there is no live
 *   re-resolution.
 * - Accessors fail closed: a required field that the anchor did not publish
 *   surfaces as a MissingManifestField error, never as an empty string.
 */
package anchor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sync/singleflight"
)

// Manifest holds the typed fields consumed from a domain's stellar.toml.
// Optional fields are zero-valued when the anchor does not publish them.
type Manifest struct {
	HomeDomain        string
	WebAuthEndpoint   string `toml:"WEB_AUTH_ENDPOINT"`
	TransferServerURL string `toml:"TRANSFER_SERVER"`
	KYCServerURL      string `toml:"KYC_SERVER"`
	SigningKey        string `toml:"SIGNING_KEY"`
	NetworkPassphrase string `toml:"NETWORK_PASSPHRASE"`
}

// Directory resolves and caches anchor manifests by home domain.
type Directory struct {
	httpClient *http.Client
	baseURL    func(domain string) string

	mu        sync.RWMutex
	manifests map[string]*Manifest
	flight    singleflight.Group
}

// DirectoryOption customizes a Directory.
type DirectoryOption func(*Directory)

// WithHTTPClient overrides the HTTP client used for manifest fetches.
func WithHTTPClient(c *http.Client) DirectoryOption {
	return func(d *Directory) { d.httpClient = c }
}

// WithManifestURL overrides how a domain maps to its manifest URL. Tests use
// this to point a domain at an httptest server.
func WithManifestURL(f func(domain string) string) DirectoryOption {
	return func(d *Directory) { d.baseURL = f }
}

// NewDirectory creates an empty directory.
func NewDirectory(opts ...DirectoryOption) *Directory {
	d := &Directory{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL: func(domain string) string {
			return fmt.Sprintf("https://%s/.well-known/stellar.toml", domain)
		},
		manifests: make(map[string]*Manifest),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve returns the manifest for homeDomain, fetching it on first access.
// Concurrent callers for the same domain share a single in-flight fetch.
func (d *Directory) Resolve(ctx context.Context, homeDomain string) (*Manifest, error) {
	homeDomain = strings.TrimSpace(strings.ToLower(homeDomain))
	if homeDomain == "" {
		return nil, fmt.Errorf("home domain must not be empty")
	}

	d.mu.RLock()
	cached, ok := d.manifests[homeDomain]
	d.mu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err, _ := d.flight.Do(homeDomain, func() (interface{}, error) {
		// Re-check under the flight: a previous caller may have populated the
		// cache between the read above and this fetch.
		d.mu.RLock()
		existing, ok := d.manifests[homeDomain]
		d.mu.RUnlock()
		if ok {
			return existing, nil
		}

		manifest, fetchErr := d.fetch(ctx, homeDomain)
		if fetchErr != nil {
			return nil, fetchErr
		}

		d.mu.Lock()
		d.manifests[homeDomain] = manifest
		d.mu.Unlock()
		return manifest, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Manifest), nil
}

func (d *Directory) fetch(ctx context.Context, homeDomain string) (*Manifest, error) {
	url := d.baseURL(homeDomain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			Endpoint: url,
			Err:      fmt.Errorf("manifest fetch returned status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: url, Err: err}
	}

	var manifest Manifest
	if err := toml.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", homeDomain, err)
	}
	manifest.HomeDomain = homeDomain
	return &manifest, nil
}

// WebAuthEndpoint returns the SEP-10 endpoint for homeDomain.
func (d *Directory) WebAuthEndpoint(ctx context.Context, homeDomain string) (string, error) {
	manifest, err := d.Resolve(ctx, homeDomain)
	if err != nil {
		return "", err
	}
	if manifest.WebAuthEndpoint == "" {
		return "", &MissingManifestField{Domain: homeDomain, Field: "WEB_AUTH_ENDPOINT"}
	}
	return manifest.WebAuthEndpoint, nil
}

// TransferServerURL returns the SEP-6 transfer server for homeDomain.
func (d *Directory) TransferServerURL(ctx context.Context, homeDomain string) (string, error) {
	manifest, err := d.Resolve(ctx, homeDomain)
	if err != nil {
		return "", err
	}
	if manifest.TransferServerURL == "" {
		return "", &MissingManifestField{Domain: homeDomain, Field: "TRANSFER_SERVER"}
	}
	return manifest.TransferServerURL, nil
}

// KYCServerURL returns the SEP-12 server for homeDomain. Anchors that do not
// publish a dedicated KYC_SERVER serve SEP-12 from the transfer server; that
// fallback is documented anchor convention, not an error.
func (d *Directory) KYCServerURL(ctx context.Context, homeDomain string) (string, error) {
	manifest, err := d.Resolve(ctx, homeDomain)
	if err != nil {
		return "", err
	}
	if manifest.KYCServerURL != "" {
		return manifest.KYCServerURL, nil
	}
	if manifest.TransferServerURL != "" {
		return manifest.TransferServerURL, nil
	}
	return "", &MissingManifestField{Domain: homeDomain, Field: "KYC_SERVER"}
}

// SigningKey returns the anchor's published challenge-signing key.
func (d *Directory) SigningKey(ctx context.Context, homeDomain string) (string, error) {
	manifest, err := d.Resolve(ctx, homeDomain)
	if err != nil {
		return "", err
	}
	if manifest.SigningKey == "" {
		return "", &MissingManifestField{Domain: homeDomain, Field: "SIGNING_KEY"}
	}
	return manifest.SigningKey, nil
}

// NetworkPassphrase returns the network the anchor's challenges are built for.
func (d *Directory) NetworkPassphrase(ctx context.Context, homeDomain string) (string, error) {
	manifest, err := d.Resolve(ctx, homeDomain)
	if err != nil {
		return "", err
	}
	if manifest.NetworkPassphrase == "" {
		return "", &MissingManifestField{Domain: homeDomain, Field: "NETWORK_PASSPHRASE"}
	}
	return manifest.NetworkPassphrase, nil
}
