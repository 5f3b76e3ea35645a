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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/natefinch/atomic"
)

const CheckpointFileName = "checkpoint.json"

// checkpoint is the on-disk resume point.  LastIndex is the first index
// whose records have not yet been durably written; a run resumes there.
// It is an exclusive bound, so once the final window is flushed it equals
// the size of the key space, one past the last valid index.
type checkpoint struct {
	LastIndex uint64 `json:"lastIndex"`
}

// ReadCheckpoint returns the resume index stored at path, or 0 if the file
// is missing or unreadable.
func ReadCheckpoint(path string, logger *slog.Logger) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("could not read checkpoint; starting from the beginning", slog.String("path", path), slog.Any("error", err))
		}
		return 0
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		logger.Warn("could not parse checkpoint; starting from the beginning", slog.String("path", path), slog.Any("error", err))
		return 0
	}
	return cp.LastIndex
}

// WriteCheckpoint atomically replaces the checkpoint at path.
func WriteCheckpoint(path string, index uint64) error {
	data, err := json.Marshal(checkpoint{LastIndex: index})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}
