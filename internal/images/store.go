// Package images moves image bytes between the caller, the backend, and the
// local output directory: caller-supplied input URLs are staged as temp files
// for the generation call, and generated outputs are persisted and wrapped as
// response payloads.
package images

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"retouch/internal/backend"
	retoucherrors "retouch/internal/errors"
	"retouch/internal/logging"

	"golang.org/x/sync/errgroup"
)

// fullSizeSuffix requests the original resolution for generated images.
const fullSizeSuffix = "=s2048"

// Payload is one output image as returned to API callers.
type Payload struct {
	Title    string `json:"title"`
	Alt      string `json:"alt"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
	Path     string `json:"path"`
	URL      string `json:"url,omitempty"`
}

// StoreConfig configures the image store.
type StoreConfig struct {
	OutputDir string
	BaseURL   string // external base URL for outputs; empty means relative /images paths
	ProxyURL  string
	Retry     retoucherrors.RetryConfig
}

// Store downloads and persists images. Safe for concurrent use.
type Store struct {
	outputDir string
	baseURL   string
	client    *http.Client
	retry     retoucherrors.RetryConfig
	logger    logging.Logger
}

// NewStore creates the store and its output directory.
func NewStore(cfg StoreConfig, logger logging.Logger) (*Store, error) {
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("images: output dir is required")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("images: create output dir: %w", err)
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("images: invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	retry := cfg.Retry
	if retry.MaxAttempts == 0 && retry.BaseDelay == 0 {
		retry = retoucherrors.RetryConfig{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
	}

	return &Store{
		outputDir: cfg.OutputDir,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    &http.Client{Transport: transport, Timeout: 60 * time.Second},
		retry:     retry,
		logger:    logging.OrNop(logger),
	}, nil
}

// OutputDir returns the directory outputs are persisted under.
func (s *Store) OutputDir() string {
	return s.outputDir
}

// FetchInputs downloads the given URLs into a fresh temp directory and
// returns the local paths in input order. cleanup removes the directory and
// must be called once the backend call finished; it is non-nil even on error.
func (s *Store) FetchInputs(ctx context.Context, urls []string) ([]string, func(), error) {
	if len(urls) == 0 {
		return nil, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "retouch-inputs-")
	if err != nil {
		return nil, func() {}, fmt.Errorf("images: temp dir: %w", err)
	}
	cleanup := func() {
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			s.logger.Warn("Images: failed to remove temp dir %s: %v", dir, removeErr)
		}
	}

	paths := make([]string, len(urls))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, rawURL := range urls {
		group.Go(func() error {
			body, _, err := s.fetch(groupCtx, rawURL, nil)
			if err != nil {
				return fmt.Errorf("fetch input %s: %w", rawURL, err)
			}

			name := path.Base(strings.SplitN(rawURL, "?", 2)[0])
			if name == "" || name == "." || name == "/" {
				name = "image"
			}
			// Index prefix keeps concurrent downloads from colliding on name.
			target := filepath.Join(dir, fmt.Sprintf("%d_%s", i, name))
			if err := os.WriteFile(target, body, 0o644); err != nil {
				return fmt.Errorf("write input %s: %w", target, err)
			}
			paths[i] = target
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return paths, cleanup, nil
}

// SaveOutputs fetches the backend's generated images, persists them under the
// output directory, and returns payloads with base64 data and mapped URLs.
func (s *Store) SaveOutputs(ctx context.Context, outputs []backend.GeneratedImage) ([]Payload, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	payloads := make([]Payload, len(outputs))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, img := range outputs {
		group.Go(func() error {
			fetchURL := img.URL
			if img.Generated && !strings.HasSuffix(fetchURL, fullSizeSuffix) {
				fetchURL += fullSizeSuffix
			}

			body, mimeType, err := s.fetch(groupCtx, fetchURL, img.Cookies)
			if err != nil {
				return fmt.Errorf("fetch output %s: %w", img.URL, err)
			}

			filename := outputFilename(mimeType)
			target := filepath.Join(s.outputDir, filename)
			if err := os.WriteFile(target, body, 0o644); err != nil {
				return fmt.Errorf("write output %s: %w", target, err)
			}

			payloads[i] = Payload{
				Title:    img.Title,
				Alt:      img.Alt,
				MimeType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(body),
				Path:     target,
				URL:      s.publicURL(filename),
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return payloads, nil
}

func (s *Store) publicURL(filename string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + filename
	}
	return "/images/" + filename
}

// fetch GETs a URL with transient-failure retries and returns body and
// content type.
func (s *Store) fetch(ctx context.Context, rawURL string, cookies map[string]string) ([]byte, string, error) {
	type fetched struct {
		body []byte
		mime string
	}

	result, err := retoucherrors.RetryWithResult(ctx, s.retry, func(ctx context.Context) (fetched, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fetched{}, retoucherrors.Permanent(err, 0)
		}
		for name, value := range cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fetched{}, retoucherrors.Transient(err, 0)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := fmt.Errorf("unexpected status %d", resp.StatusCode)
			if retoucherrors.IsTransientHTTPStatus(resp.StatusCode) {
				return fetched{}, retoucherrors.Transient(statusErr, resp.StatusCode)
			}
			return fetched{}, retoucherrors.Permanent(statusErr, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fetched{}, retoucherrors.Transient(err, 0)
		}

		mimeType := resp.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return fetched{body: body, mime: mimeType}, nil
	}, s.logger)
	if err != nil {
		return nil, "", err
	}
	return result.body, result.mime, nil
}

// outputFilename builds a collision-resistant name: UTC timestamp plus random
// hex plus a mime-derived extension.
func outputFilename(mimeType string) string {
	ext := extensionFor(mimeType)

	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// Timestamp alone still has microsecond resolution.
		return time.Now().UTC().Format("20060102150405.000000") + ext
	}
	return fmt.Sprintf("%s_%s%s",
		time.Now().UTC().Format("20060102150405.000000"),
		hex.EncodeToString(buf),
		ext,
	)
}

func extensionFor(mimeType string) string {
	// Strip parameters like "; charset=binary" before lookup.
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	switch base {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
