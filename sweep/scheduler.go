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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/tracertea/src/keysweep/keyspace"
	"github.com/tracertea/src/keysweep/partlog"
)

const (
	AuditDirName      = "audit"
	SuccessDirName    = "success"
	CompletedFileName = "completed.txt"
)

// dispatchFunc resolves one key.  It must not block past ctx and must
// always return a Result.
type dispatchFunc func(ctx context.Context, key string, index uint64) Result

type scheduler struct {
	space          *keyspace.Space
	dispatch       dispatchFunc
	audit          *partlog.Writer[AuditRecord]
	success        *partlog.Writer[SuccessRecord]
	checkpointPath string
	windowSize     int
	logger         *slog.Logger
	onWindow       func(keys int64)

	windows   int
	keys      uint64
	successes uint64
}

// window is one batch of in-flight dispatches covering [begin, end).
type window struct {
	begin, end uint64
	group      errgroup.Group

	mu      sync.Mutex
	results []Result // in completion order
}

func (w *window) size() int { return int(w.end - w.begin) }

func (w *window) submit(ctx context.Context, dispatch dispatchFunc, key string, index uint64) {
	w.end = index + 1
	w.group.Go(func() error {
		result := dispatch(ctx, key, index)
		w.mu.Lock()
		w.results = append(w.results, result)
		w.mu.Unlock()
		return nil
	})
}

// Run sweeps the key space described by config, resuming from the
// checkpoint in config.DataDir.
func Run(ctx context.Context, config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	logger := config.logger()
	space, err := config.KeySpace()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return fmt.Errorf("error preparing data directory: %w", err)
	}
	logOpts := partlog.Options{MaxBytes: config.MaxPartBytes, MaxLines: config.MaxPartLines, Logger: logger}
	audit, err := partlog.Open[AuditRecord](filepath.Join(config.DataDir, AuditDirName), logOpts)
	if err != nil {
		return fmt.Errorf("error opening audit log: %w", err)
	}
	success, err := partlog.Open[SuccessRecord](filepath.Join(config.DataDir, SuccessDirName), logOpts)
	if err != nil {
		return fmt.Errorf("error opening success log: %w", err)
	}

	checkpointPath := filepath.Join(config.DataDir, CheckpointFileName)
	start := max(ReadCheckpoint(checkpointPath, logger), config.StartIndex)
	end := space.Size()
	if config.EndIndex != 0 && config.EndIndex < end {
		end = config.EndIndex
	}
	if start >= end {
		logger.Info("sweep has already completed; nothing to do", slog.Uint64("resume_index", start), slog.Uint64("end_index", end))
		return nil
	}
	spaceAttrs := slog.Group("key_space",
		slog.String("prefix", space.Prefix()),
		slog.Int("depth", space.Depth()),
		slog.Uint64("size", space.Size()),
	)
	if start == 0 {
		logger.Info("starting new sweep", spaceAttrs, slog.Uint64("end_index", end), slog.Int("window_size", config.WindowSize))
	} else {
		logger.Info("resuming sweep", spaceAttrs, slog.Uint64("resume_index", start), slog.Uint64("end_index", end), slog.Int("window_size", config.WindowSize))
	}
	logger.Debug("recovered log state",
		slog.Any("audit", audit.State()),
		slog.Any("success", success.State()),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool, err := NewClientPool(ctx, config)
	if err != nil {
		return err
	}
	dispatcher := NewDispatcher(config, pool)

	s := &scheduler{
		space:          space,
		dispatch:       dispatcher.Attempt,
		audit:          audit,
		success:        success,
		checkpointPath: checkpointPath,
		windowSize:     config.WindowSize,
		logger:         logger,
		onWindow:       pool.AddKeysProcessed,
	}
	began := time.Now()
	if err := s.run(ctx, start, end); err != nil {
		return err
	}

	logger.Info("sweep completed",
		slog.Uint64("keys", s.keys),
		slog.Uint64("successes", s.successes),
		slog.Int("windows", s.windows),
		slog.Duration("elapsed", time.Since(began).Round(time.Second)),
	)
	receipt := fmt.Sprintf(
		"Sweep completed successfully.\nTimestamp: %s\nRun: %s\nRange: %d - %d\nKeys: %d\nSuccesses: %d\n",
		time.Now().UTC().Format(time.RFC3339),
		config.RunID,
		start,
		end,
		s.keys,
		s.successes,
	)
	if err := atomic.WriteFile(filepath.Join(config.DataDir, CompletedFileName), bytes.NewReader([]byte(receipt))); err != nil {
		// The checkpoint already records completion.
		logger.Warn("could not write completion receipt", slog.Any("error", err))
	}
	return nil
}

// run dispatches every index in [start, end) in windows of windowSize,
// flushing each window before the next is started.
func (s *scheduler) run(ctx context.Context, start, end uint64) error {
	w := &window{begin: start, end: start}
	for index, key := range s.space.Enumerate(start) {
		if index >= end {
			break
		}
		if err := ctx.Err(); err != nil {
			_ = w.group.Wait()
			return err
		}
		w.submit(ctx, s.dispatch, key, index)
		if w.size() == s.windowSize {
			if err := s.flush(ctx, w); err != nil {
				return err
			}
			w = &window{begin: w.end, end: w.end}
		}
	}
	if w.size() > 0 {
		return s.flush(ctx, w)
	}
	return nil
}

// flush waits for every dispatch in w, appends the audit batch and then
// the success batch, and only then advances the checkpoint past w.
func (s *scheduler) flush(ctx context.Context, w *window) error {
	began := time.Now()
	_ = w.group.Wait()
	if err := ctx.Err(); err != nil {
		// The window is replayed on the next run.
		return err
	}

	auditBatch := make([]AuditRecord, 0, len(w.results))
	var successBatch []SuccessRecord
	for _, result := range w.results {
		auditBatch = append(auditBatch, result.Audit)
		if result.Success != nil {
			successBatch = append(successBatch, *result.Success)
		}
	}

	if err := s.audit.AppendBatch(auditBatch); err != nil {
		return fmt.Errorf("error writing audit records for [%d, %d): %w", w.begin, w.end, err)
	}
	if err := s.success.AppendBatch(successBatch); err != nil {
		return fmt.Errorf("error writing success records for [%d, %d): %w", w.begin, w.end, err)
	}
	if err := WriteCheckpoint(s.checkpointPath, w.end); err != nil {
		return fmt.Errorf("error saving checkpoint: %w", err)
	}

	s.windows++
	s.keys += uint64(len(auditBatch))
	s.successes += uint64(len(successBatch))
	if s.onWindow != nil {
		s.onWindow(int64(len(auditBatch)))
	}
	s.logger.Info("window flushed",
		slog.Uint64("begin", w.begin),
		slog.Uint64("end", w.end),
		slog.Int("successes", len(successBatch)),
		slog.Duration("elapsed", time.Since(began).Round(time.Millisecond)),
		slog.String("progress", fmt.Sprintf("%.2f%%", 100*float64(w.end)/float64(s.space.Size()))),
	)
	return nil
}
