package download

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/mcules/opus-mt-server/internal/activity"
	"github.com/mcules/opus-mt-server/internal/catalog"
	"github.com/mcules/opus-mt-server/internal/route"
)

// mirror serves <dir>/<file> with the body "<dir>/<file>".
type mirror struct {
	hits    atomic.Int64
	missing string
	gate    chan struct{}
}

func (m *mirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.hits.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	p := strings.TrimPrefix(r.URL.Path, "/")
	if m.missing != "" && strings.HasSuffix(p, "/"+m.missing) {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, p)
}

func newDownloader(t *testing.T, m *mirror) (*Downloader, string) {
	t.Helper()
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	d := New(dir, NewHTTPSource(srv.URL, 5*time.Second), zerolog.Nop())
	return d, dir
}

func digest(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDownload(t *testing.T) {
	d, dir := newDownloader(t, &mirror{})
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	d.Catalog = store
	d.Activity = activity.New(10)

	r := route.New("en", "es")
	rec, err := d.Download(context.Background(), r, Options{})
	require.NoError(t, err)

	assert.Equal(t, "en-es", rec.Route)
	require.Len(t, rec.Files, len(Files))
	for i, f := range Files {
		body := "opus-mt-en-es/" + f
		raw, err := os.ReadFile(filepath.Join(dir, "opus-mt-en-es", f))
		require.NoError(t, err)
		assert.Equal(t, body, string(raw))
		assert.Equal(t, f, rec.Files[i].Name)
		assert.Equal(t, int64(len(body)), rec.Files[i].SizeBytes)
		assert.Equal(t, digest(body), rec.Files[i].Digest)
	}

	got, ok, err := store.Get(context.Background(), "en-es")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.SizeBytes, got.SizeBytes)

	events := d.Activity.List()
	require.Len(t, events, 1)
	assert.Equal(t, activity.EventDownload, events[0].Type)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".partial-"), "staging dir left behind: %s", e.Name())
	}
}

func TestDownloadExisting(t *testing.T) {
	m := &mirror{}
	d, dir := newDownloader(t, m)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "opus-mt-en-es"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "opus-mt-en-es", "stale"), []byte("x"), 0o644))

	_, err := d.Download(context.Background(), route.New("en", "es"), Options{})
	assert.ErrorIs(t, err, ErrExists)
	assert.Zero(t, m.hits.Load())

	_, err = d.Download(context.Background(), route.New("en", "es"), Options{Overwrite: true})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "opus-mt-en-es", "stale"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(dir, "opus-mt-en-es", "config.json"))
	assert.NoError(t, err)
}

func TestDownloadMissingFileLeavesNothing(t *testing.T) {
	d, dir := newDownloader(t, &mirror{missing: "vocab.json"})

	_, err := d.Download(context.Background(), route.New("en", "xx"), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteNotFound)
	assert.Contains(t, err.Error(), "vocab.json")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadRejectsBadRoutes(t *testing.T) {
	d, _ := newDownloader(t, &mirror{})

	_, err := d.Download(context.Background(), route.New("en", "en"), Options{})
	assert.ErrorIs(t, err, ErrSameLanguage)

	_, err = d.Download(context.Background(), route.New("../x", "en"), Options{})
	assert.ErrorIs(t, err, route.ErrInvalidCode)
}

func TestDownloadTimeout(t *testing.T) {
	m := &mirror{gate: make(chan struct{})}
	d, dir := newDownloader(t, m)
	t.Cleanup(func() { close(m.gate) })
	d.Timeout = 100 * time.Millisecond

	_, err := d.Download(context.Background(), route.New("en", "es"), Options{})
	require.Error(t, err)
	assert.False(t, d.Installed(route.New("en", "es")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// countingSource records how often each file is requested.
type countingSource struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{}
}

func (s *countingSource) String() string { return "counting" }

func (s *countingSource) Fetch(ctx context.Context, dirName, file string, w io.Writer) (int64, error) {
	s.mu.Lock()
	s.calls[file]++
	s.mu.Unlock()
	select {
	case <-s.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	n, err := fmt.Fprintf(w, "%s/%s", dirName, file)
	return int64(n), err
}

func TestConcurrentDownloadsCoalesce(t *testing.T) {
	src := &countingSource{calls: map[string]int{}, gate: make(chan struct{})}
	d := New(t.TempDir(), src, zerolog.Nop())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = d.Download(context.Background(), route.New("en", "es"), Options{})
		}()
	}

	// Let every goroutine reach the shared call before releasing the source.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			// A straggler that arrives after the rename sees the installed model.
			assert.ErrorIs(t, err, ErrExists)
		}
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	for _, f := range Files {
		assert.Equal(t, 1, src.calls[f], f)
	}
}

func TestCancelledCallerDoesNotAbortSharedDownload(t *testing.T) {
	src := &countingSource{calls: map[string]int{}, gate: make(chan struct{})}
	d := New(t.TempDir(), src, zerolog.Nop())
	enEs := route.New("en", "es")

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := d.Download(ctx, enEs, Options{})
		first <- err
	}()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.calls) > 0
	}, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := d.Download(context.Background(), enEs, Options{})
		second <- err
	}()
	// Let the second caller join the shared call.
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(src.gate)
	require.NoError(t, <-second)
	assert.True(t, d.Installed(enEs))
}

func TestDelete(t *testing.T) {
	d, dir := newDownloader(t, &mirror{})
	d.Activity = activity.New(10)
	r := route.New("en", "es")

	err := d.Delete(context.Background(), r)
	assert.ErrorIs(t, err, ErrNotInstalled)

	_, err = d.Download(context.Background(), r, Options{})
	require.NoError(t, err)
	require.NoError(t, d.Delete(context.Background(), r))

	_, err = os.Stat(filepath.Join(dir, "opus-mt-en-es"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, activity.EventDelete, d.Activity.List()[0].Type)
}

func TestHTTPSourceNotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	src := NewHTTPSource(srv.URL, time.Second)

	for i := 0; i < 10; i++ {
		_, err := src.Fetch(context.Background(), "opus-mt-en-es", "config.json", io.Discard)
		require.ErrorIs(t, err, ErrRemoteNotFound)
	}
}

func TestHTTPSourceBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	src := NewHTTPSource(srv.URL, time.Second)

	var last error
	for i := 0; i < 6; i++ {
		_, last = src.Fetch(context.Background(), "opus-mt-en-es", "config.json", io.Discard)
	}
	require.Error(t, last)
	assert.Contains(t, last.Error(), "circuit breaker is open")
}

func TestS3SourceKey(t *testing.T) {
	s, err := NewS3Source(S3Config{Endpoint: "localhost:9000", Bucket: "models", Prefix: "/Helsinki-NLP/"})
	require.NoError(t, err)
	assert.Equal(t, "Helsinki-NLP/opus-mt-en-es/vocab.json", s.key("opus-mt-en-es", "vocab.json"))
	assert.Equal(t, "s3://models/Helsinki-NLP", s.String())

	_, err = NewS3Source(S3Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestNewSourceSelection(t *testing.T) {
	src, err := NewSource("http://mirror.local/", S3Config{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.local", src.String())

	src, err = NewSource("", S3Config{Endpoint: "localhost:9000", Bucket: "models", Prefix: "opus"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "s3://models/opus", src.String())
}
