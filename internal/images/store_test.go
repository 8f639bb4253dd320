package images

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"retouch/internal/backend"
	retoucherrors "retouch/internal/errors"

	"github.com/stretchr/testify/require"
)

func fastRetry() retoucherrors.RetryConfig {
	return retoucherrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestStore(t *testing.T, baseURL string) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		OutputDir: t.TempDir(),
		BaseURL:   baseURL,
		Retry:     fastRetry(),
	}, nil)
	require.NoError(t, err)
	return store
}

func TestNewStoreRequiresOutputDir(t *testing.T) {
	_, err := NewStore(StoreConfig{}, nil)
	require.Error(t, err)
}

func TestFetchInputsDownloadsInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data-" + r.URL.Path))
	}))
	defer server.Close()

	store := newTestStore(t, "")
	paths, cleanup, err := store.FetchInputs(context.Background(),
		[]string{server.URL + "/first.png?sig=x", server.URL + "/second.png"})
	defer cleanup()

	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.True(t, strings.HasSuffix(paths[0], "0_first.png"))
	require.True(t, strings.HasSuffix(paths[1], "1_second.png"))

	body, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "data-/first.png", string(body))
}

func TestFetchInputsEmpty(t *testing.T) {
	store := newTestStore(t, "")
	paths, cleanup, err := store.FetchInputs(context.Background(), nil)
	defer cleanup()
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestFetchInputsCleansUpOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	store := newTestStore(t, "")
	_, cleanup, err := store.FetchInputs(context.Background(), []string{server.URL + "/missing.png"})
	defer cleanup()
	require.Error(t, err)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	store := newTestStore(t, "")
	body, _, err := store.fetch(context.Background(), server.URL, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchDoesNotRetryPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	store := newTestStore(t, "")
	_, _, err := store.fetch(context.Background(), server.URL, nil)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestSaveOutputsPersistsAndMapsURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	}))
	defer server.Close()

	store := newTestStore(t, "")
	payloads, err := store.SaveOutputs(context.Background(), []backend.GeneratedImage{
		{URL: server.URL + "/img", Title: "Cat", Alt: "a cat", Generated: true},
	})
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	payload := payloads[0]
	require.Equal(t, "Cat", payload.Title)
	require.Equal(t, "image/png", payload.MimeType)
	require.True(t, strings.HasPrefix(payload.URL, "/images/"))
	require.True(t, strings.HasSuffix(payload.Path, ".png"))

	decoded, err := base64.StdEncoding.DecodeString(payload.Data)
	require.NoError(t, err)
	require.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, decoded)

	onDisk, err := os.ReadFile(payload.Path)
	require.NoError(t, err)
	require.Equal(t, decoded, onDisk)
	require.Equal(t, store.OutputDir(), filepath.Dir(payload.Path))
}

func TestSaveOutputsAppendsFullSizeSuffix(t *testing.T) {
	var sawSuffix atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.String(), "=s2048") {
			sawSuffix.Store(true)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer server.Close()

	store := newTestStore(t, "")
	_, err := store.SaveOutputs(context.Background(), []backend.GeneratedImage{
		{URL: server.URL + "/img", Generated: true},
	})
	require.NoError(t, err)
	require.True(t, sawSuffix.Load())
}

func TestSaveOutputsUsesConfiguredBaseURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpg"))
	}))
	defer server.Close()

	store := newTestStore(t, "https://cdn.example.com/outputs/")
	payloads, err := store.SaveOutputs(context.Background(), []backend.GeneratedImage{
		{URL: server.URL + "/img"},
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(payloads[0].URL, "https://cdn.example.com/outputs/"))
	require.True(t, strings.HasSuffix(payloads[0].URL, ".jpg"))
}

func TestExtensionFor(t *testing.T) {
	require.Equal(t, ".jpg", extensionFor("image/jpeg"))
	require.Equal(t, ".png", extensionFor("image/png; charset=binary"))
	require.Equal(t, ".webp", extensionFor("image/webp"))
	require.Equal(t, ".bin", extensionFor("application/x-unknown-thing"))
}
