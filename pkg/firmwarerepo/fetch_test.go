package firmwarerepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/biscuitshop/biscuitflash/pkg/firmware"
)

var (
	scannerBody = []byte("c5 merged image contents")
	gatewayBody = []byte("wroom merged image contents")
)

func digestOf(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func manifestJSON(scannerDigest, gatewayDigest string) string {
	return fmt.Sprintf(`{
		"c5":    {"version": "2.4.0", "mergedFilename": "c5_merged.bin", "sha256": "%s"},
		"wroom": {"version": "1.9.1", "mergedFilename": "wroom_merged.bin", "sha256": "%s"}
	}`, scannerDigest, gatewayDigest)
}

func newTestServer(t *testing.T, manifest string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(manifest))
	})
	mux.HandleFunc("/c5_merged.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(scannerBody)
	})
	mux.HandleFunc("/wroom_merged.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(gatewayBody)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestRepo(t *testing.T, baseURL string, opts ...Option) *Repo {
	t.Helper()
	base := []Option{
		OptionCacheDir(t.TempDir()),
		OptionBackoffFunc(func(int) time.Duration { return 0 }),
	}
	return New(baseURL+"/", append(base, opts...)...)
}

func TestFetchLatest(t *testing.T) {
	ctx := context.Background()

	t.Run("bothImages", func(t *testing.T) {
		server := newTestServer(t, manifestJSON(digestOf(scannerBody), digestOf(gatewayBody)))
		repo := newTestRepo(t, server.URL)

		release, err := repo.FetchLatest(ctx)
		require.NoError(t, err)

		require.Equal(t, "2.4.0", release.Scanner.Version)
		require.Equal(t, scannerBody, release.Scanner.Body)
		require.Equal(t, firmware.RoleScanner, release.Scanner.Role)

		require.Equal(t, "1.9.1", release.Gateway.Version)
		require.Equal(t, gatewayBody, release.Gateway.Body)

		image, err := release.ImageFor(firmware.RoleGateway)
		require.NoError(t, err)
		require.Equal(t, release.Gateway, image)
	})

	t.Run("digestMismatchIsFatal", func(t *testing.T) {
		server := newTestServer(t, manifestJSON(digestOf([]byte("some other build")), digestOf(gatewayBody)))
		repo := newTestRepo(t, server.URL)

		_, err := repo.FetchLatest(ctx)
		var mismatch firmware.ErrDigestMismatch
		require.ErrorAs(t, err, &mismatch)
		require.Equal(t, firmware.RoleScanner, mismatch.Role)
	})

	t.Run("incompleteManifest", func(t *testing.T) {
		server := newTestServer(t, `{"c5": {"version": "2.4.0"}, "wroom": {"version": "1.9.1", "mergedFilename": "wroom_merged.bin"}}`)
		repo := newTestRepo(t, server.URL)

		_, err := repo.FetchLatest(ctx)
		var manifestErr ErrManifest
		require.ErrorAs(t, err, &manifestErr)
		require.Equal(t, "mergedFilename", manifestErr.Field)
	})

	t.Run("transientFailureIsRetried", func(t *testing.T) {
		var failures int32 = 2
		mux := http.NewServeMux()
		mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&failures, -1) >= 0 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(manifestJSON(digestOf(scannerBody), digestOf(gatewayBody))))
		})
		mux.HandleFunc("/c5_merged.bin", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(scannerBody)
		})
		mux.HandleFunc("/wroom_merged.bin", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(gatewayBody)
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		repo := newTestRepo(t, server.URL)
		_, err := repo.FetchLatest(ctx)
		require.NoError(t, err)
	})

	t.Run("retriesExhausted", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		repo := newTestRepo(t, server.URL)
		_, err := repo.FetchLatest(ctx)
		var httpErr ErrHTTPGet
		require.ErrorAs(t, err, &httpErr)
	})

	t.Run("cacheReused", func(t *testing.T) {
		server := newTestServer(t, manifestJSON(digestOf(scannerBody), digestOf(gatewayBody)))
		cacheDir := t.TempDir()

		repo := newTestRepo(t, server.URL, OptionCacheDir(cacheDir))
		_, err := repo.FetchLatest(ctx)
		require.NoError(t, err)

		// Second fetch only needs the manifest: images come from cache.
		var imageHits int32
		mux := http.NewServeMux()
		mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(manifestJSON(digestOf(scannerBody), digestOf(gatewayBody))))
		})
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&imageHits, 1)
			w.WriteHeader(http.StatusNotFound)
		})
		server2 := httptest.NewServer(mux)
		t.Cleanup(server2.Close)

		repo2 := newTestRepo(t, server2.URL, OptionCacheDir(cacheDir))
		release, err := repo2.FetchLatest(ctx)
		require.NoError(t, err)
		require.Equal(t, scannerBody, release.Scanner.Body)
		require.Zero(t, atomic.LoadInt32(&imageHits))
	})

	t.Run("freshWipesCache", func(t *testing.T) {
		server := newTestServer(t, manifestJSON(digestOf(scannerBody), digestOf(gatewayBody)))
		cacheDir := t.TempDir()

		repo := newTestRepo(t, server.URL, OptionCacheDir(cacheDir))
		_, err := repo.FetchLatest(ctx)
		require.NoError(t, err)

		var imageHits int32
		mux := http.NewServeMux()
		mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(manifestJSON(digestOf(scannerBody), digestOf(gatewayBody))))
		})
		mux.HandleFunc("/c5_merged.bin", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&imageHits, 1)
			_, _ = w.Write(scannerBody)
		})
		mux.HandleFunc("/wroom_merged.bin", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&imageHits, 1)
			_, _ = w.Write(gatewayBody)
		})
		server2 := httptest.NewServer(mux)
		t.Cleanup(server2.Close)

		repo2 := newTestRepo(t, server2.URL, OptionCacheDir(cacheDir), OptionFresh(true))
		_, err = repo2.FetchLatest(ctx)
		require.NoError(t, err)
		require.Equal(t, int32(2), atomic.LoadInt32(&imageHits))
	})
}
