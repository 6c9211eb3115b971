// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package certcache caches the platform's trust certificate on the local filesystem.

The transports need the certificate of the platform's certificate authority to
open a TLS connection to the broker. The certificate is fetched once from the
platform and written to a file; later connections read the file. There is no
expiry handling: when a broker rejects the cached certificate, the caller
forces a Refresh and retries.
*/
package certcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relabs-tech/iotstream/core/logger"
)

// Cache supplies the trust certificate in PEM format.
type Cache interface {
	// Get returns the cached certificate, fetching it first if the cache is empty.
	Get(ctx context.Context) ([]byte, error)
	// Refresh discards the cached certificate, fetches a fresh one and caches it.
	Refresh(ctx context.Context) ([]byte, error)
}

// FileCache is a Cache backed by a single file.
type FileCache struct {
	url        string
	path       string
	httpClient *http.Client

	mu sync.Mutex
}

// Builder is a builder helper for the FileCache
type Builder struct {
	// URL is the download location of the trust certificate. This is mandatory.
	URL string
	// Path is the cache file location. Optional, defaults to a file in the
	// user's cache directory.
	Path string
}

// NewFileCache returns a file-backed certificate cache.
func NewFileCache(b *Builder) *FileCache {
	if len(b.URL) == 0 {
		panic("certificate url is missing")
	}
	path := b.Path
	if len(path) == 0 {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		path = filepath.Join(dir, "iotstream", "ca.pem")
	}
	return &FileCache{
		url:        b.URL,
		path:       path,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// Path returns the location of the cache file.
func (f *FileCache) Path() string { return f.path }

// Get returns the cached certificate. On a cache miss the certificate is
// fetched and cached before returning.
func (f *FileCache) Get(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	pem, err := os.ReadFile(f.path)
	f.mu.Unlock()
	if err == nil && len(pem) > 0 {
		return pem, nil
	}
	return f.Refresh(ctx)
}

// Refresh fetches the certificate from the platform and overwrites the cache file.
func (f *FileCache) Refresh(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	res, err := f.httpClient.Do(r)
	if err != nil {
		return nil, fmt.Errorf("cannot download trust certificate: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cannot download trust certificate: status %d", res.StatusCode)
	}
	pem, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(f.path, pem, 0600); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugf("cached trust certificate at %s (%d bytes)", f.path, len(pem))
	return pem, nil
}
