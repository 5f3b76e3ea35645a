// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package partlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Scan calls fn for every line of every part in dir, in part order.  The
// trailing newline is stripped and line is only valid during the call.
// A final line without a newline (a torn write) is passed to fn as well.
func Scan(dir string, fn func(part int, line []byte) error) error {
	parts, err := ListParts(dir)
	if err != nil {
		return err
	}
	for _, part := range parts {
		if err := scanPart(filepath.Join(dir, PartFileName(part)), part, fn); err != nil {
			return err
		}
	}
	return nil
}

func scanPart(path string, part int, fn func(int, []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, scanChunkSize)
	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// Long line: fall back to an allocating read for the remainder.
			head := append([]byte(nil), line...)
			rest, err2 := reader.ReadBytes('\n')
			line = append(head, rest...)
			err = err2
		}
		if len(line) > 0 {
			if line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
			}
			if ferr := fn(part, line); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading %s: %w", path, err)
		}
	}
}
