package backfill

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const listReposPath = "/xrpc/com.atproto.sync.listRepos"

// ListedRepo is one repository of a listing page.
type ListedRepo struct {
	DID    string `json:"did"`
	Head   string `json:"head"`
	Rev    string `json:"rev"`
	Active *bool  `json:"active,omitempty"`
	Status string `json:"status,omitempty"`
}

// IsActive treats a missing active flag as active.
func (r ListedRepo) IsActive() bool {
	return r.Active == nil || *r.Active
}

type Page struct {
	Repos []ListedRepo `json:"repos"`
	// Cursor of the next page; empty on the last page.
	Cursor string `json:"cursor,omitempty"`
}

// Lister pages through the repositories hosted by an upstream host.
type Lister interface {
	// ListRepos returns up to limit repositories after cursor; an empty cursor starts from the beginning.
	ListRepos(ctx context.Context, host, cursor string, limit int) (*Page, error)
}

// HTTPLister calls the listRepos endpoint of the host, spacing requests by a shared rate limit.
type HTTPLister struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPLister creates a lister allowing requestsPerSecond requests across all hosts; zero or less means
// unlimited.
func NewHTTPLister(client *http.Client, requestsPerSecond float64) *HTTPLister {
	if client == nil {
		client = http.DefaultClient
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &HTTPLister{client: client, limiter: rate.NewLimiter(limit, 1)}
}

func (l *HTTPLister) ListRepos(ctx context.Context, host, cursor string, limit int) (*Page, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimSuffix(host, "/") + listReposPath)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing host %q", host)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "listing repos of %s", host)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("listing repos of %s: status %s: %s", host, resp.Status, strings.TrimSpace(string(body)))
	}
	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrapf(err, "decoding repo listing of %s", host)
	}
	return &page, nil
}
