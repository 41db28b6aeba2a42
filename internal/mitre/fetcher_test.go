package mitre

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attacklens/internal/faults"
)

const fetcherBundle = `{"type":"bundle","spec_version":"2.0","objects":[
	{"type":"attack-pattern","id":"attack-pattern--p","name":"Phishing",
	 "description":"Adversaries may send phishing messages.",
	 "kill_chain_phases":[{"kill_chain_name":"mitre-attack","phase_name":"initial-access"}],
	 "external_references":[{"source_name":"mitre-attack","external_id":"T1566"}]}
]}`

func bundleServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Write([]byte(fetcherBundle))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func failingServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProviderRefreshFetchesAndCaches(t *testing.T) {
	dir := t.TempDir()
	p := NewProvider(ProviderConfig{URL: bundleServer(t, nil).URL, CacheDir: dir})

	snap, err := p.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "2.0", snap.Version)
	assert.False(t, snap.Stale)
	assert.Equal(t, 1, snap.Index.Len())

	_, err = os.Stat(filepath.Join(dir, bundleFileName))
	assert.NoError(t, err, "raw bundle must be cached")
	meta, err := p.readMeta()
	require.NoError(t, err)
	assert.Equal(t, "2.0", meta.Version)
	assert.NotEmpty(t, meta.SHA256)
}

func TestProviderSnapshotFastPath(t *testing.T) {
	var hits atomic.Int64
	p := NewProvider(ProviderConfig{URL: bundleServer(t, &hits).URL, CacheDir: t.TempDir()})

	_, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	_, err = p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load(), "fresh snapshot must not refetch")
}

func TestProviderFallsBackToBackup(t *testing.T) {
	p := NewProvider(ProviderConfig{
		URL:       failingServer(t, http.StatusInternalServerError).URL,
		BackupURL: bundleServer(t, nil).URL,
		CacheDir:  t.TempDir(),
	})

	snap, err := p.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "2.0", snap.Version)
	assert.False(t, snap.Stale)
}

func TestProviderErrorKindsWithoutCache(t *testing.T) {
	p := NewProvider(ProviderConfig{URL: failingServer(t, http.StatusTooManyRequests).URL, CacheDir: t.TempDir()})
	_, err := p.Refresh(context.Background(), false)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindRateLimited))

	p = NewProvider(ProviderConfig{URL: failingServer(t, http.StatusBadGateway).URL, CacheDir: t.TempDir()})
	_, err = p.Refresh(context.Background(), false)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindUpstreamServerError))
}

func TestProviderServesStaleCacheWhenSourcesDown(t *testing.T) {
	dir := t.TempDir()

	p := NewProvider(ProviderConfig{URL: bundleServer(t, nil).URL, CacheDir: dir})
	_, err := p.Refresh(context.Background(), false)
	require.NoError(t, err)

	// New provider, expired interval, dead source: must serve the disk
	// cache marked stale.
	dead := failingServer(t, http.StatusInternalServerError)
	p = NewProvider(ProviderConfig{URL: dead.URL, CacheDir: dir, RefreshInterval: time.Nanosecond})

	snap, err := p.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, "2.0", snap.Version)
	assert.Equal(t, 1, snap.Index.Len())
}

type stubCatalogStore struct {
	index *TechniqueIndex
}

func (s *stubCatalogStore) LoadTechniques(ctx context.Context) (*TechniqueIndex, error) {
	return s.index, nil
}

func TestProviderFallsBackToPersistedCatalog(t *testing.T) {
	index, err := ParseBundle([]byte(fetcherBundle))
	require.NoError(t, err)

	// No disk cache, dead source: the persisted catalog is served stale.
	dead := failingServer(t, http.StatusInternalServerError)
	p := NewProvider(ProviderConfig{
		URL:      dead.URL,
		CacheDir: t.TempDir(),
		Fallback: &stubCatalogStore{index: index},
	})

	snap, err := p.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, "2.0", snap.Version)
	assert.Equal(t, 1, snap.Index.Len())

	// An empty store does not mask the failure.
	p = NewProvider(ProviderConfig{
		URL:      dead.URL,
		CacheDir: t.TempDir(),
		Fallback: &stubCatalogStore{},
	})
	_, err = p.Refresh(context.Background(), false)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindUpstreamServerError))
}

func TestProviderUnchangedContentBumpsFreshness(t *testing.T) {
	var hits atomic.Int64
	p := NewProvider(ProviderConfig{URL: bundleServer(t, &hits).URL, CacheDir: t.TempDir()})

	first, err := p.Refresh(context.Background(), false)
	require.NoError(t, err)

	second, err := p.Refresh(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, first.Version, second.Version)
	assert.False(t, second.FetchedAt.Before(first.FetchedAt))
}
