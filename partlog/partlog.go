// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

// Package partlog implements an append-only directory of newline-delimited
// JSON part files that rotates by size and line count.
//
// The part files are the only source of truth.  The meta.json file written
// after each append mirrors the in-memory state for humans and monitoring
// tools, but it is never read back: data and metadata writes are not atomic
// with respect to each other, so after a crash they may disagree.
package partlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/natefinch/atomic"
)

const (
	DefaultMaxBytes = 250 * 1024 * 1024
	DefaultMaxLines = 500_000

	MetadataFileName = "meta.json"

	filePerm = 0o644
	dirPerm  = 0o755
)

var partFileRegexp = regexp.MustCompile(`^part-([0-9]+)\.ndjson$`)

// PartFileName returns the file name of part number n.
func PartFileName(n int) string {
	return fmt.Sprintf("part-%06d.ndjson", n)
}

type Options struct {
	MaxBytes int64 // rotate before a batch would push the part past this size
	MaxLines int64 // rotate before a batch would push the part past this many lines
	Logger   *slog.Logger
}

// State describes the part currently being appended to.
type State struct {
	Part  int
	Bytes int64
	Lines int64
}

// Metadata is the advisory contents of meta.json.
type Metadata struct {
	Part      int       `json:"part"`
	Lines     int64     `json:"lines"`
	Bytes     int64     `json:"bytes"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Writer appends batches of T, one JSON object per line.  A Writer must
// be used by one goroutine at a time, and no other process may write to
// the same directory.
type Writer[T any] struct {
	dir    string
	opts   Options
	state  State
	logger *slog.Logger
}

// Open creates dir if necessary and recovers the current part from disk.
func Open[T any](dir string, opts Options) (*Writer[T], error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("error creating log directory %s: %w", dir, err)
	}
	w := &Writer[T]{dir: dir, opts: opts, logger: logger}
	if _, err := w.RecoverState(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer[T]) Dir() string { return w.dir }

// State returns the in-memory state of the current part.
func (w *Writer[T]) State() State { return w.state }

func (w *Writer[T]) PartPath(n int) string {
	return filepath.Join(w.dir, PartFileName(n))
}

// RecoverState recomputes the current part from the directory contents:
// the highest-numbered part file, its size from the filesystem, and its
// line count from a scan for '\n' bytes.  If no part exists, an empty
// part 1 is created.  A final line without its '\n', left by a crash in
// the middle of an append, is cut off so the next append starts on a
// line boundary.
func (w *Writer[T]) RecoverState() (State, error) {
	parts, err := ListParts(w.dir)
	if err != nil {
		return State{}, err
	}

	var state State
	if len(parts) == 0 {
		state.Part = 1
		if err := createEmptyFile(w.PartPath(1), filePerm); err != nil && !os.IsExist(err) {
			return State{}, fmt.Errorf("error creating %s: %w", w.PartPath(1), err)
		}
	} else {
		state.Part = parts[len(parts)-1]
	}

	path := w.PartPath(state.Part)
	size, err := fileSize(path)
	if err != nil {
		return State{}, fmt.Errorf("error sizing %s: %w", path, err)
	}
	if state.Lines, state.Bytes, err = completeLines(path); err != nil {
		return State{}, fmt.Errorf("error counting lines in %s: %w", path, err)
	}
	if state.Bytes < size {
		w.logger.Warn("discarding torn final line",
			slog.String("path", path),
			slog.Int64("bytes", size-state.Bytes),
		)
		if err := truncateSyncFile(path, state.Bytes); err != nil {
			return State{}, fmt.Errorf("error truncating torn line in %s: %w", path, err)
		}
	}

	w.state = state
	return state, nil
}

// AppendBatch writes records to the current part.  If the batch would
// push the part past MaxBytes or MaxLines, a new part is started first.
// A batch is never split: an oversized batch goes whole into a fresh part.
func (w *Writer[T]) AppendBatch(records []T) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for i := range records {
		line, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("error encoding record %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	batchBytes := int64(buf.Len())
	batchLines := int64(len(records))

	overflow := w.state.Bytes+batchBytes > w.opts.MaxBytes || w.state.Lines+batchLines > w.opts.MaxLines
	if overflow && (w.state.Bytes > 0 || w.state.Lines > 0) {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	path := w.PartPath(w.state.Part)
	if err := appendSyncFile(path, buf.Bytes(), filePerm); err != nil {
		return fmt.Errorf("error appending to %s: %w", path, err)
	}
	w.state.Bytes += batchBytes
	w.state.Lines += batchLines

	if err := w.writeMetadata(); err != nil {
		w.logger.Warn("error writing advisory metadata", slog.String("dir", w.dir), slog.Any("error", err))
	}
	return nil
}

func (w *Writer[T]) rotate() error {
	next := w.state.Part + 1
	path := w.PartPath(next)
	if err := createEmptyFile(path, filePerm); err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	w.logger.Debug("rotated log part",
		slog.String("dir", w.dir),
		slog.Int("part", next),
		slog.Int64("previous_bytes", w.state.Bytes),
		slog.Int64("previous_lines", w.state.Lines),
	)
	w.state = State{Part: next}
	return nil
}

func (w *Writer[T]) writeMetadata() error {
	data, err := json.Marshal(Metadata{
		Part:      w.state.Part,
		Lines:     w.state.Lines,
		Bytes:     w.state.Bytes,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return atomic.WriteFile(filepath.Join(w.dir, MetadataFileName), bytes.NewReader(data))
}

// ReadMetadata returns the advisory metadata of dir.  It is for reporting
// only; nothing in this package relies on it.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFileName))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", MetadataFileName, err)
	}
	return &meta, nil
}

// ListParts returns the part numbers present in dir in ascending order.
func ListParts(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", dir, err)
	}
	var parts []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := partFileRegexp.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		parts = append(parts, n)
	}
	slices.Sort(parts)
	return parts, nil
}
