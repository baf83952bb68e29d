// Package identity resolves the signing keys of repositories from their DID documents.
package identity

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/repo"
)

const (
	DefaultPLCURL    = "https://plc.directory"
	DefaultCacheSize = 100_000
	DefaultCacheTTL  = time.Hour

	maxDocumentBytes = 64 << 10
	signingKeyID     = "#atproto"
)

var ErrNotFound = errors.New("did document not found")

type Config struct {
	// Directory serving did:plc documents.
	PLCURL    string
	CacheSize int
	CacheTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PLCURL == "" {
		c.PLCURL = DefaultPLCURL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

type document struct {
	ID                 string               `json:"id"`
	VerificationMethod []verificationMethod `json:"verificationMethod"`
}

type verificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Resolver fetches did:plc documents from a PLC directory and did:web documents from their domain, caching the
// signing keys it finds.
type Resolver struct {
	config Config
	client *http.Client
	cache  *expirable.LRU[string, repo.PublicKey]
}

func NewResolver(client *http.Client, config Config) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	config = config.withDefaults()
	return &Resolver{
		config: config,
		client: client,
		cache:  expirable.NewLRU[string, repo.PublicKey](config.CacheSize, nil, config.CacheTTL),
	}
}

func (r *Resolver) ResolveKey(ctx context.Context, did string, forceRefresh bool) (repo.PublicKey, error) {
	if !forceRefresh {
		if key, ok := r.cache.Get(did); ok {
			return key, nil
		}
	}
	doc, err := r.fetch(ctx, did)
	if err != nil {
		return nil, err
	}
	key, err := signingKey(did, doc)
	if err != nil {
		return nil, err
	}
	r.cache.Add(did, key)
	return key, nil
}

func (r *Resolver) documentURL(did string) (string, error) {
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		return strings.TrimSuffix(r.config.PLCURL, "/") + "/" + url.PathEscape(did), nil
	case strings.HasPrefix(did, "did:web:"):
		host, err := url.PathUnescape(strings.TrimPrefix(did, "did:web:"))
		if err != nil || host == "" || strings.Contains(host, "/") {
			return "", errors.Errorf("unsupported did:web %q", did)
		}
		// Only localhost may carry a port; other colons are path segments, which repositories do not use.
		scheme := "https"
		if name, _, hasPort := strings.Cut(host, ":"); name == "localhost" {
			scheme = "http"
		} else if hasPort {
			return "", errors.Errorf("unsupported did:web %q", did)
		}
		return scheme + "://" + host + "/.well-known/did.json", nil
	default:
		return "", errors.Errorf("unsupported did method in %q", did)
	}
}

func (r *Resolver) fetch(ctx context.Context, did string) (*document, error) {
	u, err := r.documentURL(did)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", did)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, errors.Wrapf(ErrNotFound, "resolving %s: status %s", did, resp.Status)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("resolving %s: status %s: %s", did, resp.Status, strings.TrimSpace(string(body)))
	}
	doc := &document{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(doc); err != nil {
		return nil, errors.Wrapf(err, "decoding document of %s", did)
	}
	if doc.ID != did {
		return nil, errors.Errorf("document for %s describes %q", did, doc.ID)
	}
	return doc, nil
}

func signingKey(did string, doc *document) (repo.PublicKey, error) {
	for _, m := range doc.VerificationMethod {
		if m.ID != signingKeyID && m.ID != did+signingKeyID {
			continue
		}
		key, err := repo.ParsePublicKey(m.PublicKeyMultibase)
		if err != nil {
			return nil, errors.WithMessagef(err, "signing key of %s", did)
		}
		return key, nil
	}
	return nil, errors.Errorf("document of %s has no signing key", did)
}
