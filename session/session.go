// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

// Package session owns the bearer credential used by lookups.
//
// The credential lives in a Cell.  Lookups read it on every request; only
// Login and a Refresher store into it.  A stale credential costs at most a
// retryable failure, so readers never wait on the writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var ErrNoCredential = errors.New("no credential obtained")

type Credential struct {
	Token      string
	ObtainedAt time.Time
}

// ClientMeta describes this client to the session provider.
type ClientMeta struct {
	UserAgent string
	RunID     string
}

// Provider obtains and renews credentials.  The browser-driven provider
// used in production lives outside this module; it hands tokens over
// through a file read by FileProvider.
type Provider interface {
	Login(ctx context.Context, meta ClientMeta) (Credential, error)
	Refresh(ctx context.Context, current Credential) (Credential, error)
}

// Cell is a shared credential slot with a single writer.
type Cell struct {
	cred atomic.Pointer[Credential]
}

// Token returns the current bearer token, or "" before the first Store.
func (c *Cell) Token() string {
	if cred := c.cred.Load(); cred != nil {
		return cred.Token
	}
	return ""
}

func (c *Cell) Load() (Credential, bool) {
	if cred := c.cred.Load(); cred != nil {
		return *cred, true
	}
	return Credential{}, false
}

func (c *Cell) Store(cred Credential) {
	c.cred.Store(&cred)
}

// Login obtains the initial credential and stores it in cell.  Failing to
// get one is fatal for a run.
func Login(ctx context.Context, provider Provider, meta ClientMeta, cell *Cell) error {
	cred, err := provider.Login(ctx, meta)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if cred.Token == "" {
		return ErrNoCredential
	}
	cell.Store(cred)
	return nil
}

// StaticProvider always returns the same token.
type StaticProvider struct {
	Token string
}

func (p *StaticProvider) Login(context.Context, ClientMeta) (Credential, error) {
	if p.Token == "" {
		return Credential{}, ErrNoCredential
	}
	return Credential{Token: p.Token, ObtainedAt: time.Now()}, nil
}

func (p *StaticProvider) Refresh(_ context.Context, current Credential) (Credential, error) {
	return current, nil
}

// FileProvider reads the token from a file that an external session job
// rewrites as it renews the login.
type FileProvider struct {
	Path string
}

func (p *FileProvider) read() (Credential, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Credential{}, err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return Credential{}, fmt.Errorf("%s: %w", p.Path, ErrNoCredential)
	}
	return Credential{Token: token, ObtainedAt: time.Now()}, nil
}

func (p *FileProvider) Login(context.Context, ClientMeta) (Credential, error) {
	return p.read()
}

func (p *FileProvider) Refresh(context.Context, Credential) (Credential, error) {
	return p.read()
}

// Refresher renews the credential in Cell on a fixed interval.
type Refresher struct {
	Provider Provider
	Cell     *Cell
	Interval time.Duration
	Logger   *slog.Logger
}

// Run refreshes until ctx is done.  Failures are logged and the previous
// credential stays in place until the next tick.
func (r *Refresher) Run(ctx context.Context) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOnce(ctx, logger)
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context, logger *slog.Logger) {
	current, _ := r.Cell.Load()
	cred, err := r.Provider.Refresh(ctx, current)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("credential refresh failed; keeping previous credential", slog.Any("error", err))
		}
		return
	}
	if cred.Token == "" {
		logger.Warn("credential refresh returned an empty token; keeping previous credential")
		return
	}
	r.Cell.Store(cred)
	logger.Debug("credential refreshed", slog.Time("obtained_at", cred.ObtainedAt))
}
