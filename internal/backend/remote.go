package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	retoucherrors "retouch/internal/errors"
	"retouch/internal/logging"
)

// RemoteConfig configures the remote generator client.
type RemoteConfig struct {
	// Endpoint receives one POST per turn with the request as JSON and
	// answers with a GenerateResult body.
	Endpoint string
	// Secure1PSID and Secure1PSIDTS authenticate the upstream session.
	Secure1PSID   string
	Secure1PSIDTS string
	Proxy         string
}

// Remote is a Generator backed by an upstream generation endpoint. The
// caller bounds each Generate with a context deadline.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	logger logging.Logger
}

// NewRemote builds the client. Endpoint is required.
func NewRemote(cfg RemoteConfig, logger logging.Logger) (*Remote, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("backend endpoint is required")
	}
	transport := http.DefaultTransport
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &Remote{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logging.OrNop(logger),
	}, nil
}

// Generate forwards one turn upstream and decodes the result.
func (r *Remote) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	body, err := json.Marshal(remoteRequest{
		Prompt:  req.Prompt,
		Files:   req.Files,
		Model:   req.Model,
		Gem:     req.Gem,
		Context: req.Context,
	})
	if err != nil {
		return nil, NewError("encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.AddCookie(&http.Cookie{Name: "__Secure-1PSID", Value: r.cfg.Secure1PSID})
	if r.cfg.Secure1PSIDTS != "" {
		httpReq.AddCookie(&http.Cookie{Name: "__Secure-1PSIDTS", Value: r.cfg.Secure1PSIDTS})
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, NewError("generate", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthExpired
	case retoucherrors.IsTransientHTTPStatus(resp.StatusCode):
		return nil, retoucherrors.Transient(fmt.Errorf("upstream status %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, retoucherrors.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode), resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError("read response", err)
	}
	var result GenerateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewError("decode response", err)
	}
	return &result, nil
}

type remoteRequest struct {
	Prompt  string   `json:"prompt"`
	Files   []string `json:"files,omitempty"`
	Model   string   `json:"model,omitempty"`
	Gem     string   `json:"gem,omitempty"`
	Context Context  `json:"context,omitempty"`
}
