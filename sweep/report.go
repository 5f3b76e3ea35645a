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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/tracertea/src/keysweep/partlog"
)

// Summary describes the contents of a data directory.  Audit lines can
// exceed DistinctAuditIndices when a window was replayed after a crash.
type Summary struct {
	Checkpoint           uint64
	AuditParts           int
	AuditLines           uint64
	DistinctAuditIndices uint64
	MalformedAuditLines  uint64
	SuccessLines         uint64
	DistinctSuccesses    uint64
	Outcomes             map[Outcome]uint64
}

// indexSet is a growable bitset of indices.
type indexSet struct {
	words []uint64
	count uint64
}

func (s *indexSet) add(i uint64) bool {
	word, bit := i/64, uint64(1)<<(i%64)
	if word >= uint64(len(s.words)) {
		s.words = append(s.words, make([]uint64, word+1-uint64(len(s.words)))...)
	}
	if s.words[word]&bit != 0 {
		return false
	}
	s.words[word] |= bit
	s.count++
	return true
}

// Summarize scans the audit and success logs under dataDir.  Memory use
// is one bit per index, not one entry per line.
func Summarize(dataDir string, logger *slog.Logger) (*Summary, error) {
	summary := &Summary{
		Checkpoint: ReadCheckpoint(filepath.Join(dataDir, CheckpointFileName), logger),
		Outcomes:   make(map[Outcome]uint64),
	}

	var auditIndices indexSet
	auditDir := filepath.Join(dataDir, AuditDirName)
	parts, err := listPartsIfExists(auditDir)
	if err != nil {
		return nil, err
	}
	summary.AuditParts = len(parts)
	err = partlog.Scan(auditDir, func(_ int, line []byte) error {
		summary.AuditLines++
		var rec struct {
			Index   *uint64 `json:"index"`
			Outcome Outcome `json:"outcome"`
		}
		if json.Unmarshal(line, &rec) != nil || rec.Index == nil {
			summary.MalformedAuditLines++
			return nil
		}
		auditIndices.add(*rec.Index)
		summary.Outcomes[rec.Outcome]++
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	summary.DistinctAuditIndices = auditIndices.count

	var successIndices indexSet
	err = partlog.Scan(filepath.Join(dataDir, SuccessDirName), func(_ int, line []byte) error {
		summary.SuccessLines++
		var rec struct {
			Index uint64 `json:"index"`
		}
		if json.Unmarshal(line, &rec) == nil {
			successIndices.add(rec.Index)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	summary.DistinctSuccesses = successIndices.count
	return summary, nil
}

func listPartsIfExists(dir string) ([]int, error) {
	parts, err := partlog.ListParts(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return parts, err
}

// WriteTo prints the summary in a human-readable form.
func (s *Summary) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w,
		"checkpoint:            %d\naudit parts:           %d\naudit lines:           %d\ndistinct audit keys:   %d\nduplicate audit lines: %d\nmalformed audit lines: %d\nsuccess lines:         %d\ndistinct successes:    %d\n",
		s.Checkpoint,
		s.AuditParts,
		s.AuditLines,
		s.DistinctAuditIndices,
		s.AuditLines-s.MalformedAuditLines-s.DistinctAuditIndices,
		s.MalformedAuditLines,
		s.SuccessLines,
		s.DistinctSuccesses,
	)
	total := int64(n)
	if err != nil {
		return total, err
	}
	for _, outcome := range []Outcome{OutcomeSuccess, OutcomeTerminalSignal, OutcomeTerminalMessage, OutcomeRetryExhausted} {
		n, err := fmt.Fprintf(w, "  %-21s %d\n", string(outcome)+":", s.Outcomes[outcome])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
