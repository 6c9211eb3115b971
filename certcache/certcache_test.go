package certcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileCacheGetAndRefresh(t *testing.T) {
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&fetches, 1)
		fmt.Fprintf(w, "certificate-%d", n)
	}))
	defer server.Close()

	cache := NewFileCache(&Builder{
		URL:  server.URL,
		Path: filepath.Join(t.TempDir(), "ca.pem"),
	})

	pem, err := cache.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []byte("certificate-1"), pem)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))

	// the second Get is served from the file, no download
	pem, err = cache.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []byte("certificate-1"), pem)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))

	pem, err = cache.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []byte("certificate-2"), pem)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))

	pem, err = cache.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []byte("certificate-2"), pem)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
}

func TestFileCacheDownloadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone fishing", http.StatusInternalServerError)
	}))
	defer server.Close()

	cache := NewFileCache(&Builder{
		URL:  server.URL,
		Path: filepath.Join(t.TempDir(), "ca.pem"),
	})
	_, err := cache.Get(context.Background())
	assert.Error(t, err)
}
