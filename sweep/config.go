// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package sweep

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/tracertea/src/keysweep/keyspace"
	"github.com/tracertea/src/keysweep/partlog"
)

const (
	DefaultAlphabet    = "0123456789ABC"
	DefaultDepth       = 6
	DefaultWindowSize  = 50
	DefaultSentinel    = "not assigned"
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 1 * time.Second
	DefaultAction      = "lookup"

	DefaultRequestTimeout = 60 * time.Second
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

type Config struct {
	Alphabet string
	Depth    int
	Prefix   string

	Endpoint        string
	Action          string
	Proxies         []string
	RequestTimeout  time.Duration
	BreakerCooldown time.Duration // how long a proxy sits out after repeated failures; 0 means 5m
	Credentials     TokenSource

	WindowSize  int
	Sentinel    string
	MaxAttempts int
	BackoffBase time.Duration // attempt n waits BackoffBase * 2^n before attempt n+1

	DataDir      string
	MaxPartBytes int64
	MaxPartLines int64

	StartIndex uint64 // first index when no checkpoint is further along
	EndIndex   uint64 // exclusive; 0 means the end of the key space

	Verbose bool
	RunID   string
	Logger  *slog.Logger
}

// DefaultConfig returns a Config with every tunable at its default.
func DefaultConfig() Config {
	return Config{
		Alphabet:       DefaultAlphabet,
		Depth:          DefaultDepth,
		Action:         DefaultAction,
		RequestTimeout: DefaultRequestTimeout,
		WindowSize:     DefaultWindowSize,
		Sentinel:       DefaultSentinel,
		MaxAttempts:    DefaultMaxAttempts,
		BackoffBase:    DefaultBackoffBase,
		MaxPartBytes:   partlog.DefaultMaxBytes,
		MaxPartLines:   partlog.DefaultMaxLines,
	}
}

// Validate checks the fields Run depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("endpoint %q is not an http(s) URL", c.Endpoint))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if c.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("window size must be at least 1 (got %d)", c.WindowSize))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1 (got %d)", c.MaxAttempts))
	}
	if c.BackoffBase < 0 {
		errs = append(errs, fmt.Errorf("backoff base must not be negative (got %s)", c.BackoffBase))
	}
	if c.BreakerCooldown < 0 {
		errs = append(errs, fmt.Errorf("breaker cooldown must not be negative (got %s)", c.BreakerCooldown))
	}
	if c.Sentinel == "" {
		errs = append(errs, errors.New("sentinel must not be empty"))
	}
	if c.EndIndex != 0 && c.EndIndex <= c.StartIndex {
		errs = append(errs, fmt.Errorf("end index (%d) must be greater than start index (%d)", c.EndIndex, c.StartIndex))
	}
	if _, err := c.KeySpace(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) KeySpace() (*keyspace.Space, error) {
	return keyspace.New(keyspace.SplitAlphabet(c.Alphabet), c.Depth, c.Prefix)
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
