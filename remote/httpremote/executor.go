// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package httpremote implements offsync.RemoteExecutor over a JSON
// record API: one resource per target under {base}/v1/{target}, with
// record versions carried as base_version query parameters and version
// conflicts answered with 409 plus the current server row.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pavelkorolev/go-offsync/offsync"
)

// Executor is a JSON-over-HTTP remote executor.
type Executor struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the default HTTP client; use it to control
// timeouts and transports.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.http = c }
}

// NewExecutor creates an executor for the API rooted at baseURL.
func NewExecutor(baseURL string, tokens TokenSource, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create posts a new record; the record ID travels inside the payload.
func (e *Executor) Create(ctx context.Context, target string, payload json.RawMessage) (offsync.RemoteRecord, error) {
	resp, err := e.send(ctx, http.MethodPost, e.recordURL(target, ""), payload)
	if err != nil {
		return offsync.RemoteRecord{}, err
	}
	defer resp.Body.Close()
	return decodeRecord(resp)
}

// Update puts a record guarded by baseVersion; a stale version comes
// back as *offsync.RemoteConflictError carrying the current server row.
func (e *Executor) Update(ctx context.Context, target, recordID string, payload json.RawMessage, baseVersion int64) (offsync.RemoteRecord, error) {
	u := e.recordURL(target, recordID) + fmt.Sprintf("?base_version=%d", baseVersion)
	resp, err := e.send(ctx, http.MethodPut, u, payload)
	if err != nil {
		return offsync.RemoteRecord{}, err
	}
	defer resp.Body.Close()
	return decodeRecord(resp)
}

// Delete removes a record guarded by baseVersion.
func (e *Executor) Delete(ctx context.Context, target, recordID string, baseVersion int64) error {
	u := e.recordURL(target, recordID) + fmt.Sprintf("?base_version=%d", baseVersion)
	resp, err := e.send(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Query lists records matching params, passed URL-encoded in the q
// parameter.
func (e *Executor) Query(ctx context.Context, target string, params json.RawMessage) ([]offsync.RemoteRecord, error) {
	u := e.recordURL(target, "")
	if len(params) > 0 {
		u += "?q=" + url.QueryEscape(string(params))
	}
	resp, err := e.send(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var records []offsync.RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	return records, nil
}

func (e *Executor) recordURL(target, id string) string {
	u := e.baseURL + "/v1/" + url.PathEscape(target)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// send builds an authenticated request and maps non-2xx statuses onto
// the offsync error taxonomy.
func (e *Executor) send(ctx context.Context, method, rawURL string, body json.RawMessage) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, &offsync.AuthError{Err: fmt.Errorf("failed to get token: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, &offsync.RetryableError{Err: fmt.Errorf("failed to send HTTP request: %w", err)}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	e.logger.Debug("remote request rejected",
		"method", method, "url", rawURL, "status", resp.StatusCode)
	return nil, statusError(resp.StatusCode, respBody)
}

func statusError(status int, body []byte) error {
	switch {
	case status == http.StatusConflict:
		var rec offsync.RemoteRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return &offsync.RemoteConflictError{Remote: rec}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &offsync.AuthError{Err: fmt.Errorf("server returned status %d: %s", status, body)}
	case status == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w (server returned status %d)", offsync.ErrBatchTooLarge, status)
	case status >= 500:
		return &offsync.RetryableError{Err: fmt.Errorf("server returned status %d: %s", status, body)}
	default:
		return fmt.Errorf("server returned status %d: %s", status, body)
	}
}

func decodeRecord(resp *http.Response) (offsync.RemoteRecord, error) {
	var rec offsync.RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return offsync.RemoteRecord{}, fmt.Errorf("failed to decode record response: %w", err)
	}
	return rec, nil
}
