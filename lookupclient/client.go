// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

// Package lookupclient implements a client for the remote key lookup service.
package lookupclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

var UserAgent = ""

const maxResponseSize = 16 * 1024 * 1024

// HTTPError is returned by Lookup when the HTTP status is not 2xx.  The
// body is kept because the service reports business outcomes in it.
type HTTPError struct {
	Status     string
	StatusCode int
	URL        string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("Post %q: %s (%q)", e.URL, e.Status, bytes.TrimSpace(e.Body))
}

// Retryable reports whether the status indicates a condition that may
// clear up on its own: auth expiry, throttling, timeouts, or server faults.
func (e *HTTPError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

func newDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           newDialer().DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func newClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return errors.New("redirects not followed")
		},
		Timeout: timeout,
	}
}

// NewHTTPClient creates an HTTP client using the default environment proxy settings.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return newClient(newTransport(), timeout)
}

// NewHTTPClientWithProxy creates an HTTP client that sends requests through proxyURL.
// http and https proxies are handled by the transport; socks5 and socks5h proxies
// are dialed directly.  If proxyURL is nil, http.ProxyFromEnvironment is used.
func NewHTTPClientWithProxy(proxyURL *url.URL, timeout time.Duration) (*http.Client, error) {
	transport := newTransport()
	if proxyURL == nil {
		return newClient(transport, timeout), nil
	}

	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(proxyURL, newDialer())
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxyURL.Redacted(), err)
		}
		transport.Proxy = nil
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
	return newClient(transport, timeout), nil
}

var defaultHTTPClient = NewHTTPClient(0)

// Request is the JSON body sent for every lookup.
type Request struct {
	Action      string `json:"action"`
	ID          string `json:"id"`
	RequestedAt int64  `json:"requestedAt"` // Unix milliseconds
}

// Client talks to one lookup endpoint.
type Client struct {
	URL        *url.URL
	Action     string
	HTTPClient *http.Client // nil to use a default client
	Name       string       // for logging; typically the proxy address
}

// Lookup posts a request for id and returns the raw response body.  A
// non-2xx status is reported as *HTTPError carrying the body.
func (c *Client) Lookup(ctx context.Context, token string, id string) ([]byte, error) {
	payload, err := json.Marshal(Request{
		Action:      c.Action,
		ID:          id,
		RequestedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return post(ctx, c.HTTPClient, c.URL.String(), token, payload)
}

func post(ctx context.Context, httpClient *http.Client, fullURL string, token string, payload []byte) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", UserAgent)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	if httpClient == nil {
		httpClient = defaultHTTPClient
	}

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("Post %q: error reading response: %w", fullURL, err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, &HTTPError{
			Status:     response.Status,
			StatusCode: response.StatusCode,
			URL:        fullURL,
			Body:       body,
		}
	}
	return body, nil
}
