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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracertea/src/keysweep/keyspace"
	"github.com/tracertea/src/keysweep/partlog"
)

func newTestScheduler(t *testing.T, dataDir string, symbols []string, depth, windowSize int, dispatch dispatchFunc) *scheduler {
	t.Helper()

	space, err := keyspace.New(symbols, depth, "")
	require.NoError(t, err)
	audit, err := partlog.Open[AuditRecord](filepath.Join(dataDir, AuditDirName), partlog.Options{Logger: discardLogger()})
	require.NoError(t, err)
	success, err := partlog.Open[SuccessRecord](filepath.Join(dataDir, SuccessDirName), partlog.Options{Logger: discardLogger()})
	require.NoError(t, err)

	return &scheduler{
		space:          space,
		dispatch:       dispatch,
		audit:          audit,
		success:        success,
		checkpointPath: filepath.Join(dataDir, CheckpointFileName),
		windowSize:     windowSize,
		logger:         discardLogger(),
	}
}

// evenSucceeds treats even indices as successes.
func evenSucceeds(_ context.Context, key string, index uint64) Result {
	audit := AuditRecord{Key: key, Index: index, Outcome: OutcomeTerminalSignal, Response: json.RawMessage(`{"message":"not assigned"}`)}
	if index%2 != 0 {
		return Result{Audit: audit}
	}
	audit.Outcome = OutcomeSuccess
	audit.Response = json.RawMessage(`{"data":{"list_standby":[]}}`)
	return Result{Audit: audit, Success: &SuccessRecord{Index: index, Key: key, Payload: json.RawMessage(`[]`)}}
}

func readIndices(t *testing.T, dir string) []uint64 {
	t.Helper()
	var indices []uint64
	err := partlog.Scan(dir, func(_ int, line []byte) error {
		var rec struct {
			Index uint64 `json:"index"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		indices = append(indices, rec.Index)
		return nil
	})
	require.NoError(t, err)
	return indices
}

func TestRun_WritesEveryKeyAndFiltersSuccesses(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	s := newTestScheduler(t, dataDir, []string{"A", "B", "C"}, 2, 4, evenSucceeds)

	require.NoError(t, s.run(context.Background(), 0, 9))

	audit := readIndices(t, filepath.Join(dataDir, AuditDirName))
	slices.Sort(audit)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8}, audit)

	success := readIndices(t, filepath.Join(dataDir, SuccessDirName))
	slices.Sort(success)
	assert.Equal(t, []uint64{0, 2, 4, 6, 8}, success)

	assert.Equal(t, uint64(9), ReadCheckpoint(s.checkpointPath, discardLogger()))
	assert.Equal(t, 3, s.windows, "two full windows and one partial")
	assert.Equal(t, uint64(9), s.keys)
	assert.Equal(t, uint64(5), s.successes)
}

func TestRun_PreservesOrderAcrossWindows(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	// Later keys in a window finish first.
	dispatch := func(ctx context.Context, key string, index uint64) Result {
		time.Sleep(time.Duration(3-index%3) * time.Millisecond)
		return evenSucceeds(ctx, key, index)
	}
	s := newTestScheduler(t, dataDir, []string{"A", "B", "C"}, 2, 3, dispatch)

	require.NoError(t, s.run(context.Background(), 0, 9))

	audit := readIndices(t, filepath.Join(dataDir, AuditDirName))
	require.Len(t, audit, 9)
	for w := 0; w < 3; w++ {
		got := slices.Clone(audit[w*3 : w*3+3])
		slices.Sort(got)
		want := []uint64{uint64(w * 3), uint64(w*3 + 1), uint64(w*3 + 2)}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("window %d holds wrong indices (-want +got):\n%s", w, diff)
		}
	}
}

func TestRun_FillsWindowBeforeWaiting(t *testing.T) {
	t.Parallel()

	const windowSize = 5
	var inFlight, peak atomic.Int64
	var mu sync.Mutex
	release := make(chan struct{})
	dispatch := func(ctx context.Context, key string, index uint64) Result {
		n := inFlight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		if n == windowSize {
			close(release)
			release = make(chan struct{})
		}
		ch := release
		mu.Unlock()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
		}
		inFlight.Add(-1)
		return evenSucceeds(ctx, key, index)
	}
	s := newTestScheduler(t, t.TempDir(), []string{"A", "B"}, 4, windowSize, dispatch)

	began := time.Now()
	require.NoError(t, s.run(context.Background(), 0, 10))

	assert.Equal(t, int64(windowSize), peak.Load(), "window must be fully in flight, and never more")
	assert.Less(t, time.Since(began), 2*time.Second, "all dispatches of a window should have been released together")
}

func TestScheduler_CheckpointNeverRunsAheadOfAuditLog(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	auditDir := filepath.Join(dataDir, AuditDirName)
	checkpointPath := filepath.Join(dataDir, CheckpointFileName)

	var violations atomic.Int64
	dispatch := func(ctx context.Context, key string, index uint64) Result {
		cp := ReadCheckpoint(checkpointPath, discardLogger())
		written := readIndices(t, auditDir)
		if uint64(len(written)) < cp {
			violations.Add(1)
		}
		return evenSucceeds(ctx, key, index)
	}
	s := newTestScheduler(t, dataDir, []string{"A", "B"}, 3, 3, dispatch)

	require.NoError(t, s.run(context.Background(), 0, 8))
	assert.Zero(t, violations.Load())
}

func TestScheduler_ReplaysWindowAfterFailedCheckpoint(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	s := newTestScheduler(t, dataDir, []string{"A", "B"}, 2, 2, evenSucceeds)

	// Checkpoint writes fail: the first window reaches the logs but the
	// checkpoint stays behind, as if the process died in between.
	goodPath := s.checkpointPath
	s.checkpointPath = filepath.Join(dataDir, "missing-dir", CheckpointFileName)
	require.Error(t, s.run(context.Background(), 0, 4))
	assert.Equal(t, []uint64{0, 1}, sortedIndices(t, filepath.Join(dataDir, AuditDirName)))

	restarted := newTestScheduler(t, dataDir, []string{"A", "B"}, 2, 2, evenSucceeds)
	restarted.checkpointPath = goodPath
	start := ReadCheckpoint(goodPath, discardLogger())
	require.Equal(t, uint64(0), start)
	require.NoError(t, restarted.run(context.Background(), start, 4))

	assert.Equal(t, []uint64{0, 0, 1, 1, 2, 3}, sortedIndices(t, filepath.Join(dataDir, AuditDirName)))

	summary, err := Summarize(dataDir, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), summary.AuditLines)
	assert.Equal(t, uint64(4), summary.DistinctAuditIndices)
	assert.Equal(t, uint64(4), summary.Checkpoint)
	assert.Equal(t, uint64(2), summary.DistinctSuccesses)
	assert.Equal(t, uint64(3), summary.SuccessLines)
}

func sortedIndices(t *testing.T, dir string) []uint64 {
	t.Helper()
	indices := readIndices(t, dir)
	slices.Sort(indices)
	return indices
}

func TestScheduler_CancelDiscardsUnflushedWindow(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatch := func(ctx context.Context, key string, index uint64) Result {
		if index == 5 {
			cancel()
		}
		return evenSucceeds(ctx, key, index)
	}
	s := newTestScheduler(t, dataDir, []string{"A", "B"}, 3, 4, dispatch)

	err := s.run(ctx, 0, 8)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, uint64(4), ReadCheckpoint(s.checkpointPath, discardLogger()))
	assert.Equal(t, []uint64{0, 1, 2, 3}, sortedIndices(t, filepath.Join(dataDir, AuditDirName)))
}

func TestRun_StopsOnAppendFailureWithoutAdvancingCheckpoint(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	s := newTestScheduler(t, dataDir, []string{"A", "B"}, 2, 2, evenSucceeds)
	require.NoError(t, WriteCheckpoint(s.checkpointPath, 0))

	// Point the success log at a directory that does not exist.
	broken, err := partlog.Open[SuccessRecord](filepath.Join(dataDir, "tmp-success"), partlog.Options{})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(broken.Dir()))
	s.success = broken

	require.Error(t, s.run(context.Background(), 0, 4))
	assert.Equal(t, uint64(0), ReadCheckpoint(s.checkpointPath, discardLogger()))
}
