// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package rest is the HTTP client for the two Snapgather endpoints the
// sync core depends on: the batch processing-status check used by the
// upload reconciler, and the bulk status update issued by the
// moderation batcher. Plain CRUD endpoints are out of scope here.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/snapgather/snapgather-go/internal/common"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "snapgather-go/1.0"
)

// MediaStatus is one media item's processing-status snapshot.
type MediaStatus struct {
	MediaID    string    `json:"mediaId"`
	Stage      string    `json:"stage"`
	Percentage float64   `json:"percentage"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// BatchStatusResponse is the response of POST /media/status/batch.
type BatchStatusResponse struct {
	Statuses []MediaStatus `json:"statuses"`
}

// StatusResult is one media item's outcome of a bulk status update.
type StatusResult struct {
	MediaID string `json:"mediaId"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// UpdateStatusResponse is the response of POST /media/status.
type UpdateStatusResponse struct {
	Results []StatusResult `json:"results"`
}

// Client talks to the Snapgather HTTP API.
type Client struct {
	baseURL   *url.URL
	token     string
	http      *http.Client
	userAgent string
}

// NewClient builds a Client for the given API base URL. The token is
// sent as a bearer credential on every request.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	return &Client{
		baseURL:   base,
		token:     token,
		http:      &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
	}, nil
}

// batchStatusRequest is the body of POST /media/status/batch.
type batchStatusRequest struct {
	MediaIDs []string `json:"mediaIds"`
}

// BatchStatus fetches processing-status snapshots for the given media
// ids. Used by the upload reconciler as the polling fallback when the
// real-time channel is degraded.
func (c *Client) BatchStatus(ctx context.Context, mediaIDs []string) (*BatchStatusResponse, error) {
	var resp BatchStatusResponse
	err := c.post(ctx, "/media/status/batch", batchStatusRequest{MediaIDs: mediaIDs}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// updateStatusRequest is the body of POST /media/status.
type updateStatusRequest struct {
	MediaIDs []string `json:"mediaIds"`
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
}

// UpdateStatus applies one moderation status to a set of media ids in
// a single call.
func (c *Client) UpdateStatus(ctx context.Context, mediaIDs []string, status, reason string) (*UpdateStatusResponse, error) {
	var resp UpdateStatusResponse
	err := c.post(ctx, "/media/status", updateStatusRequest{MediaIDs: mediaIDs, Status: status, Reason: reason}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// post issues a JSON POST and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrTransport, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, path); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// checkStatus maps HTTP status codes onto the shared error taxonomy.
func checkStatus(resp *http.Response, path string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d", common.ErrAuth, path, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", common.ErrRateLimited, path)
	default:
		// Include a bounded slice of the body for diagnostics.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}
