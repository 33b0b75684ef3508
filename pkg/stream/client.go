// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"io"
	"net/http"
)

// =============================================================================
// HTTP Client Interface
// =============================================================================

// HTTPClient abstracts the HTTP transport so tests can inject canned SSE
// responses without network calls.
//
// Implementations must honor the request context: cancelling it must abort
// both the connection attempt and any subsequent body read.
type HTTPClient interface {
	// Post sends a POST request. The caller owns the response body.
	Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error)

	// Get sends a GET request. The caller owns the response body.
	Get(ctx context.Context, url string) (*http.Response, error)

	// Delete sends a DELETE request. The caller owns the response body.
	Delete(ctx context.Context, url string) (*http.Response, error)
}

// NewHTTPClient wraps an *http.Client as an HTTPClient. Pass nil to use a
// client suited for streaming: no overall timeout, since a healthy stream
// may legitimately run for minutes (stalls are the idle watchdog's job).
func NewHTTPClient(c *http.Client) HTTPClient {
	if c == nil {
		c = &http.Client{}
	}
	return &defaultHTTPClient{client: c}
}

type defaultHTTPClient struct {
	client *http.Client
}

func (c *defaultHTTPClient) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")
	return c.client.Do(req)
}

func (c *defaultHTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *defaultHTTPClient) Delete(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

var _ HTTPClient = (*defaultHTTPClient)(nil)
