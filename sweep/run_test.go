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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracertea/src/keysweep/lookupclient"
	"github.com/tracertea/src/keysweep/partlog"
)

// lookupServer answers keys ending in "A" with a standby list and every
// other key with the not-assigned message.  The first request for each
// key in flaky fails with a 503.
type lookupServer struct {
	mu    sync.Mutex
	ids   []string
	flaky map[string]bool
}

func (s *lookupServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req lookupclient.Request
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.ids = append(s.ids, req.ID)
	failNow := s.flaky[req.ID]
	delete(s.flaky, req.ID)
	s.mu.Unlock()

	if failNow {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if strings.HasSuffix(req.ID, "A") {
		_, _ = w.Write([]byte(`{"data":{"list_standby":["` + req.ID + `"]}}`))
		return
	}
	_, _ = w.Write([]byte(`{"message":"Not Assigned"}`))
}

func (s *lookupServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ids)
}

func testConfig(t *testing.T, endpoint string) *Config {
	t.Helper()
	config := DefaultConfig()
	config.Alphabet = "AB"
	config.Depth = 2
	config.Prefix = "K"
	config.Endpoint = endpoint
	config.DataDir = t.TempDir()
	config.Credentials = staticToken("tok")
	config.WindowSize = 2
	config.BackoffBase = time.Millisecond
	config.RequestTimeout = 5 * time.Second
	config.Logger = discardLogger()
	config.RunID = "test-run"
	return &config
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	server := &lookupServer{flaky: map[string]bool{"KBA": true}}
	ts := httptest.NewServer(server)
	defer ts.Close()
	config := testConfig(t, ts.URL)

	require.NoError(t, Run(context.Background(), config))

	seen := server.seen()
	slices.Sort(seen)
	assert.Equal(t, []string{"KAA", "KAB", "KBA", "KBA", "KBB"}, seen)

	var successes []SuccessRecord
	require.NoError(t, partlog.Scan(filepath.Join(config.DataDir, SuccessDirName), func(_ int, line []byte) error {
		var rec SuccessRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		successes = append(successes, rec)
		return nil
	}))
	require.Len(t, successes, 2)
	slices.SortFunc(successes, func(a, b SuccessRecord) int { return int(a.Index) - int(b.Index) })
	assert.Equal(t, "KAA", successes[0].Key)
	assert.Equal(t, uint64(2), successes[1].Index)
	assert.JSONEq(t, `["KBA"]`, string(successes[1].Payload))

	summary, err := Summarize(config.DataDir, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), summary.Checkpoint)
	assert.Equal(t, uint64(4), summary.AuditLines)
	assert.Equal(t, uint64(2), summary.Outcomes[OutcomeSuccess])
	assert.Equal(t, uint64(2), summary.Outcomes[OutcomeTerminalSignal])

	receipt, err := os.ReadFile(filepath.Join(config.DataDir, CompletedFileName))
	require.NoError(t, err)
	assert.Contains(t, string(receipt), "Run: test-run")

	var out bytes.Buffer
	_, err = summary.WriteTo(&out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "distinct audit keys:   4")
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	server := &lookupServer{}
	ts := httptest.NewServer(server)
	defer ts.Close()
	config := testConfig(t, ts.URL)
	require.NoError(t, os.WriteFile(filepath.Join(config.DataDir, CheckpointFileName), []byte(`{"lastIndex": 2}`), 0o644))

	require.NoError(t, Run(context.Background(), config))

	assert.Equal(t, []string{"KBA", "KBB"}, sortedStrings(server.seen()))
	assert.Equal(t, uint64(4), ReadCheckpoint(filepath.Join(config.DataDir, CheckpointFileName), discardLogger()))
}

func TestRun_DoesNothingWhenAlreadyComplete(t *testing.T) {
	t.Parallel()

	server := &lookupServer{}
	ts := httptest.NewServer(server)
	defer ts.Close()
	config := testConfig(t, ts.URL)
	require.NoError(t, WriteCheckpoint(filepath.Join(config.DataDir, CheckpointFileName), 4))

	require.NoError(t, Run(context.Background(), config))
	assert.Empty(t, server.seen())
}

func TestRun_HonorsIndexRange(t *testing.T) {
	t.Parallel()

	server := &lookupServer{}
	ts := httptest.NewServer(server)
	defer ts.Close()
	config := testConfig(t, ts.URL)
	config.StartIndex = 1
	config.EndIndex = 3

	require.NoError(t, Run(context.Background(), config))
	assert.Equal(t, []string{"KAB", "KBA"}, sortedStrings(server.seen()))
}

func TestRun_RecordsExhaustedRetriesWithoutFailing(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()
	config := testConfig(t, ts.URL)
	config.MaxAttempts = 2
	config.EndIndex = 2
	config.BreakerCooldown = 5 * time.Millisecond

	require.NoError(t, Run(context.Background(), config))

	summary, err := Summarize(config.DataDir, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), summary.Outcomes[OutcomeRetryExhausted])
	assert.Zero(t, summary.SuccessLines)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.WindowSize = 0
	config.Alphabet = "AA"
	err := config.Validate()
	require.Error(t, err)
	for _, want := range []string{"endpoint is required", "data directory is required", "window size", "appears more than once"} {
		assert.Contains(t, err.Error(), want)
	}
}

func sortedStrings(s []string) []string {
	slices.Sort(s)
	return s
}
