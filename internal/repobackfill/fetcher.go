package repobackfill

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const getRepoPath = "/xrpc/com.atproto.sync.getRepo"

var ErrArchiveTooLarge = errors.New("repository archive too large")

// ArchiveFetcher downloads the full archive of a repository from its host.
type ArchiveFetcher interface {
	FetchRepo(ctx context.Context, host, did string) (io.ReadCloser, error)
}

type HTTPFetcher struct {
	client *http.Client
	// Largest archive accepted; zero or less means no limit.
	maxBytes int64
}

func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

func (f *HTTPFetcher) FetchRepo(ctx context.Context, host, did string) (io.ReadCloser, error) {
	u, err := url.Parse(strings.TrimSuffix(host, "/") + getRepoPath)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing host %q", host)
	}
	u.RawQuery = url.Values{"did": []string{did}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/vnd.ipld.car")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s from %s", did, host)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, errors.Errorf("fetching %s from %s: status %s: %s", did, host, resp.Status, strings.TrimSpace(string(body)))
	}
	if f.maxBytes <= 0 {
		return resp.Body, nil
	}
	if resp.ContentLength > f.maxBytes {
		_ = resp.Body.Close()
		return nil, errors.Wrapf(ErrArchiveTooLarge, "%s is %d bytes", did, resp.ContentLength)
	}
	return &limitedBody{ReadCloser: resp.Body, remaining: f.maxBytes}, nil
}

// limitedBody fails reads past its limit instead of truncating silently.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrArchiveTooLarge
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, ErrArchiveTooLarge
	}
	return n, err
}
