package gcs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Request:    r,
	}
}

func newClient(t *testing.T, rt roundTripperFunc) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: rt}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// TestPutObjectUploadsWithPrefix sends the object under the configured prefix.
func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body string
	)
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		body = string(raw)
		mu.Unlock()
		return jsonResponse(r, http.StatusOK, `{"bucket":"radar-bucket","name":"prod/snapshots/page/ts_abc.txt"}`), nil
	})

	store, err := New(client, Config{Bucket: "radar-bucket", Prefix: "/prod/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "snapshots/page/ts_abc.txt", "text/plain", bytes.NewReader([]byte("page text")))
	require.NoError(t, err)
	assert.Equal(t, "gs://radar-bucket/prod/snapshots/page/ts_abc.txt", uri)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, body, "prod/snapshots/page/ts_abc.txt")
	assert.Contains(t, body, "page text")
}

// TestPutObjectServerError surfaces upload failures.
func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusForbidden, `{"error":{"code":403,"message":"denied"}}`), nil
	})
	store, err := New(client, Config{Bucket: "radar-bucket"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "a.txt", "", strings.NewReader("x"))
	assert.Error(t, err)
}

// TestNewValidatesConfig requires a client and a bucket.
func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusOK, `{}`), nil
	})
	_, err = New(client, Config{})
	assert.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	assert.Error(t, err)
	assert.NoError(t, store.Close())
}

// TestOpenChecksBucket fails fast when the bucket cannot be read.
func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	ok := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/storage/v1/b/radar-bucket")
		return jsonResponse(r, http.StatusOK, `{"name":"radar-bucket"}`), nil
	})
	store, err := Open(context.Background(), Config{Bucket: "radar-bucket"},
		option.WithoutAuthentication(), option.WithHTTPClient(&http.Client{Transport: ok}))
	require.NoError(t, err)
	assert.NoError(t, store.Close())

	missing := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusNotFound, `{"error":{"code":404,"message":"not found"}}`), nil
	})
	_, err = Open(context.Background(), Config{Bucket: "radar-bucket"},
		option.WithoutAuthentication(), option.WithHTTPClient(&http.Client{Transport: missing}))
	assert.Error(t, err)
}
