package repobackfill

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveServer(t *testing.T, body []byte, chunked bool) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != getRepoPath {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("did") != testDID {
			http.Error(w, "RepoNotFound", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.ipld.car")
		if chunked {
			w.(http.Flusher).Flush()
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPFetcher(t *testing.T) {
	body := []byte("car bytes")
	server := archiveServer(t, body, false)

	rc, err := NewHTTPFetcher(server.Client(), 1024).FetchRepo(context.Background(), server.URL, testDID)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestHTTPFetcher_NotFound(t *testing.T) {
	server := archiveServer(t, nil, false)
	_, err := NewHTTPFetcher(server.Client(), 0).FetchRepo(context.Background(), server.URL, "did:plc:nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RepoNotFound")
}

func TestHTTPFetcher_TooLarge(t *testing.T) {
	body := make([]byte, 100)

	server := archiveServer(t, body, false)
	_, err := NewHTTPFetcher(server.Client(), 10).FetchRepo(context.Background(), server.URL, testDID)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)

	// Without a content length the limit applies while reading.
	chunked := archiveServer(t, body, true)
	rc, err := NewHTTPFetcher(chunked.Client(), 10).FetchRepo(context.Background(), chunked.URL, testDID)
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)
}
