package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
)

// maxFeedBytes bounds a single feed download.
const maxFeedBytes = 32 << 20

// Source is one feed location: an http(s) or webcal URL, a file:// URL or a
// plain local path.
type Source struct {
	ID  string
	URL string
}

// IsLocal reports whether the source is read from disk.
func (s Source) IsLocal() bool {
	u := strings.ToLower(s.URL)
	return strings.HasPrefix(u, "file://") || !strings.Contains(u, "://")
}

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	Source Source
	Body   []byte
	// FromCache is true when the server answered 304 and the cached body was
	// reused.
	FromCache bool
	// ModTime is the file modification time for local sources and the cache
	// write time otherwise.
	ModTime time.Time
}

// StatusError is a non-success HTTP answer.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "unexpected HTTP status " + e.Status }

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves feeds with conditional requests (ETag /
// Last-Modified) backed by a disk cache. A failed request is an error: the
// caller keeps whatever it already shows. The cache only answers 304s and
// seeds snapshots at startup through Cached.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher caching under cacheDir. A nil client gets a
// 30s timeout.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Fetch retrieves src.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (FetchResult, error) {
	if strings.TrimSpace(src.URL) == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	if src.IsLocal() {
		return f.fetchFile(src)
	}
	return f.fetchHTTP(ctx, src)
}

func (f *Fetcher) fetchFile(src Source) (FetchResult, error) {
	p := src.URL
	if strings.HasPrefix(strings.ToLower(p), "file://") {
		u, err := url.Parse(p)
		if err != nil {
			return FetchResult{}, fmt.Errorf("parse file url: %w", err)
		}
		p = u.Path
	}
	st, err := os.Stat(p)
	if err != nil {
		return FetchResult{}, err
	}
	body, err := os.ReadFile(p)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{Source: src, Body: body, ModTime: st.ModTime()}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src Source) (FetchResult, error) {
	target := httpURL(src.URL)
	cachePath := f.cachePathForURL(target)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	// Only ask for a 304 when there is something to fall back on.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", RedactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
		if readErr != nil {
			return FetchResult{}, readErr
		}

		newMeta := cacheEntry{
			URL:          target,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Warn("ics cache save failed", err, "id", src.ID, "url", RedactURL(src.URL))
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", RedactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body, ModTime: time.Now().UTC()}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics fetch not modified; using cache", "id", src.ID, "url", RedactURL(src.URL))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true, ModTime: meta.UpdatedAt}, nil

	default:
		return FetchResult{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

// Cached returns the last successfully downloaded body of src, if any. Local
// sources are read directly.
func (f *Fetcher) Cached(src Source) (FetchResult, bool) {
	if src.IsLocal() {
		res, err := f.fetchFile(src)
		return res, err == nil
	}
	cachePath := f.cachePathForURL(httpURL(src.URL))
	body, err := f.loadCacheBody(cachePath)
	if err != nil || len(body) == 0 {
		return FetchResult{}, false
	}
	meta, _ := f.loadCacheMeta(cachePath)
	return FetchResult{Source: src, Body: body, FromCache: true, ModTime: meta.UpdatedAt}, true
}

// httpURL rewrites webcal:// and webcals:// to their HTTP equivalents.
func httpURL(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "webcals://"):
		return "https://" + raw[len("webcals://"):]
	case strings.HasPrefix(lower, "webcal://"):
		return "https://" + raw[len("webcal://"):]
	}
	return raw
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := writeFileAtomic(filepath.Join(cachePath, "body.ics"), body); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(cachePath, "meta.json"), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RedactURL hides everything after the host, which for private calendar
// links usually contains a token.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if !strings.Contains(raw, "://") {
			return raw
		}
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
