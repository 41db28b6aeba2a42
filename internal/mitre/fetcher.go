package mitre

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"attacklens/internal/faults"
	"attacklens/internal/logging"
)

const (
	bundleFileName = "enterprise-attack.json"
	metaFileName   = "meta.json"

	// maxBundleBytes bounds the catalog download; the enterprise bundle is
	// ~40 MiB today.
	maxBundleBytes = 256 << 20
)

// cacheMeta is persisted alongside the raw bundle.
type cacheMeta struct {
	Version   string    `json:"version"`
	FetchedAt time.Time `json:"fetchedAt"`
	SHA256    string    `json:"sha256"`
}

// Snapshot is one immutable parsed catalog version. Shared freely across
// concurrent workflows; never mutated after construction.
type Snapshot struct {
	Index     *TechniqueIndex
	Version   string
	FetchedAt time.Time
	Stale     bool
}

// CatalogStore is an optional source of the last persisted catalog,
// consulted when the disk cache is missing or corrupt and every network
// source failed. *store.Store is the production implementation.
type CatalogStore interface {
	LoadTechniques(ctx context.Context) (*TechniqueIndex, error)
}

// ProviderConfig configures catalog acquisition.
type ProviderConfig struct {
	URL             string
	BackupURL       string
	CacheDir        string
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	Fallback        CatalogStore
}

// Provider fetches, caches and parses the MITRE catalog. Refresh is
// single-writer (serialized by a mutex); readers always get the last good
// snapshot, even mid-refresh.
type Provider struct {
	cfg    ProviderConfig
	client *http.Client

	refreshMu sync.Mutex // serializes disk cache writes

	mu   sync.RWMutex
	snap *Snapshot
}

// NewProvider creates a catalog provider. No I/O happens until Snapshot or
// Refresh is called.
func NewProvider(cfg ProviderConfig) *Provider {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 24 * time.Hour
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// Snapshot returns the current catalog snapshot, fetching or refreshing as
// needed. Returns an error only when no cache exists and every source is
// unreachable.
func (p *Provider) Snapshot(ctx context.Context) (*Snapshot, error) {
	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()

	if snap != nil && !snap.Stale && time.Since(snap.FetchedAt) < p.cfg.RefreshInterval {
		return snap, nil
	}
	return p.Refresh(ctx, false)
}

// Current returns the in-memory snapshot without triggering any I/O, or nil.
func (p *Provider) Current() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Refresh loads the catalog: disk cache first (when fresh and force is
// false), then the primary URL, then the backup URL. On total fetch failure
// the last cached snapshot is returned with Stale set.
func (p *Provider) Refresh(ctx context.Context, force bool) (*Snapshot, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	p.mu.RLock()
	if snap := p.snap; snap != nil && !force && !snap.Stale && time.Since(snap.FetchedAt) < p.cfg.RefreshInterval {
		p.mu.RUnlock()
		return snap, nil
	}
	p.mu.RUnlock()

	if !force {
		if snap, err := p.loadFromDisk(); err == nil {
			if time.Since(snap.FetchedAt) < p.cfg.RefreshInterval {
				p.install(snap)
				logging.Catalog("catalog loaded from cache: version=%s techniques=%d", snap.Version, snap.Index.Len())
				return snap, nil
			}
		}
	}

	data, fetchErr := p.fetch(ctx, p.cfg.URL)
	if fetchErr != nil && p.cfg.BackupURL != "" {
		logging.CatalogWarn("primary catalog fetch failed, trying backup: %v", fetchErr)
		data, fetchErr = p.fetch(ctx, p.cfg.BackupURL)
	}
	if fetchErr != nil {
		// Fall back to whatever cache exists, marked stale.
		if snap, err := p.loadFromDisk(); err == nil {
			snap.Stale = true
			p.install(snap)
			logging.CatalogWarn("all catalog sources unreachable, serving stale cache version=%s", snap.Version)
			return snap, nil
		}
		if snap := p.Current(); snap != nil {
			stale := *snap
			stale.Stale = true
			p.install(&stale)
			return &stale, nil
		}
		if p.cfg.Fallback != nil {
			if index, err := p.cfg.Fallback.LoadTechniques(ctx); err == nil && index != nil {
				snap := &Snapshot{Index: index, Version: index.Version(), Stale: true}
				p.install(snap)
				logging.CatalogWarn("catalog cache unusable, serving persisted catalog version=%s", snap.Version)
				return snap, nil
			}
		}
		return nil, fmt.Errorf("catalog unavailable and no cache present: %w", fetchErr)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	// Unchanged content: just bump the freshness stamp.
	if meta, err := p.readMeta(); err == nil && meta.SHA256 == hash {
		if snap := p.Current(); snap != nil && snap.Version == meta.Version {
			fresh := *snap
			fresh.FetchedAt = time.Now()
			fresh.Stale = false
			p.install(&fresh)
			p.writeMeta(cacheMeta{Version: meta.Version, FetchedAt: fresh.FetchedAt, SHA256: hash})
			return &fresh, nil
		}
	}

	index, err := ParseBundle(data)
	if err != nil {
		return nil, fmt.Errorf("parse fetched catalog: %w", err)
	}

	snap := &Snapshot{Index: index, Version: index.Version(), FetchedAt: time.Now()}
	if err := p.writeCache(data, cacheMeta{Version: snap.Version, FetchedAt: snap.FetchedAt, SHA256: hash}); err != nil {
		logging.CatalogWarn("failed to write catalog cache: %v", err)
	}
	p.install(snap)
	logging.Catalog("catalog refreshed: version=%s techniques=%d", snap.Version, index.Len())
	return snap, nil
}

func (p *Provider) install(snap *Snapshot) {
	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
}

func (p *Provider) fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, faults.New(faults.KindInvalidURL, "no catalog URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidURL, err, "build catalog request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.Wrap(faults.KindFetchTimeout, err, "catalog fetch timed out")
		}
		return nil, faults.Wrap(faults.KindConnectionReset, err, "catalog fetch failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.New(faults.KindRateLimited, "catalog source rate-limited the request")
	case resp.StatusCode >= 500:
		return nil, faults.New(faults.KindUpstreamServerError, "catalog source responded with HTTP %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, faults.New(faults.KindPermanent, "catalog source responded with HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBytes+1))
	if err != nil {
		return nil, faults.Wrap(faults.KindConnectionReset, err, "read catalog body")
	}
	if len(body) > maxBundleBytes {
		return nil, faults.New(faults.KindPermanent, "catalog exceeds %d bytes", maxBundleBytes)
	}
	return body, nil
}

// loadFromDisk parses the cached bundle, if any.
func (p *Provider) loadFromDisk() (*Snapshot, error) {
	if p.cfg.CacheDir == "" {
		return nil, errors.New("no cache dir configured")
	}
	data, err := os.ReadFile(filepath.Join(p.cfg.CacheDir, bundleFileName))
	if err != nil {
		return nil, err
	}
	index, err := ParseBundle(data)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Index: index, Version: index.Version()}
	if meta, err := p.readMeta(); err == nil {
		snap.FetchedAt = meta.FetchedAt
		if meta.Version != "" {
			snap.Version = meta.Version
		}
	}
	return snap, nil
}

func (p *Provider) readMeta() (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(p.cfg.CacheDir, metaFileName))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func (p *Provider) writeMeta(meta cacheMeta) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(p.cfg.CacheDir, metaFileName), data, 0o644); err != nil {
		logging.CatalogWarn("failed to write catalog meta: %v", err)
	}
}

func (p *Provider) writeCache(bundle []byte, meta cacheMeta) error {
	if p.cfg.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	// Write-then-rename so readers never observe a torn bundle.
	tmp := filepath.Join(p.cfg.CacheDir, bundleFileName+".tmp")
	if err := os.WriteFile(tmp, bundle, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(p.cfg.CacheDir, bundleFileName)); err != nil {
		return fmt.Errorf("install bundle: %w", err)
	}
	p.writeMeta(meta)
	return nil
}
