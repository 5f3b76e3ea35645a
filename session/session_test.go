// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracertea/src/keysweep/session"
)

type scriptedProvider struct {
	refreshes atomic.Int64
	fail      atomic.Bool
}

func (p *scriptedProvider) Login(context.Context, session.ClientMeta) (session.Credential, error) {
	return session.Credential{Token: "t0"}, nil
}

func (p *scriptedProvider) Refresh(context.Context, session.Credential) (session.Credential, error) {
	n := p.refreshes.Add(1)
	if p.fail.Load() {
		return session.Credential{}, errors.New("session expired")
	}
	return session.Credential{Token: "t" + string(rune('0'+n))}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCell_IsEmptyUntilStored(t *testing.T) {
	t.Parallel()

	var cell session.Cell
	assert.Equal(t, "", cell.Token())
	_, ok := cell.Load()
	assert.False(t, ok)

	cell.Store(session.Credential{Token: "abc"})
	assert.Equal(t, "abc", cell.Token())
}

func TestLogin_FailsWithoutCredential(t *testing.T) {
	t.Parallel()

	var cell session.Cell
	err := session.Login(context.Background(), &session.StaticProvider{}, session.ClientMeta{}, &cell)
	require.ErrorIs(t, err, session.ErrNoCredential)
	assert.Equal(t, "", cell.Token())
}

func TestFileProvider_RereadsTokenOnRefresh(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	provider := &session.FileProvider{Path: path}
	var cell session.Cell
	require.NoError(t, session.Login(context.Background(), provider, session.ClientMeta{}, &cell))
	assert.Equal(t, "first", cell.Token())

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	cred, err := provider.Refresh(context.Background(), session.Credential{})
	require.NoError(t, err)
	assert.Equal(t, "second", cred.Token)

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	_, err = provider.Refresh(context.Background(), session.Credential{})
	require.ErrorIs(t, err, session.ErrNoCredential)
}

func TestRefresher_UpdatesCellAndKeepsCredentialOnFailure(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{}
	var cell session.Cell
	require.NoError(t, session.Login(context.Background(), provider, session.ClientMeta{}, &cell))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	refresher := &session.Refresher{Provider: provider, Cell: &cell, Interval: 5 * time.Millisecond, Logger: quietLogger()}
	go func() {
		refresher.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return cell.Token() != "t0" }, time.Second, time.Millisecond)

	provider.fail.Store(true)
	failedAt := provider.refreshes.Load()
	require.Eventually(t, func() bool { return provider.refreshes.Load() > failedAt+2 }, time.Second, time.Millisecond)
	held := cell.Token()
	assert.NotEmpty(t, held)
	assert.NotEqual(t, "t0", held)

	cancel()
	<-done
	assert.Equal(t, held, cell.Token())
}
