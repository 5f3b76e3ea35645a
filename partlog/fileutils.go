// Copyright (C) 2017, 2023 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package partlog

import (
	"bytes"
	"errors"
	"io"
	"os"
)

const scanChunkSize = 64 * 1024

// appendSyncFile appends data to filename and syncs it to disk before
// returning.  The file is created if it does not exist.
func appendSyncFile(filename string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, perm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err2 := f.Sync(); err2 != nil && err == nil {
		err = err2
	}
	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	return err
}

// createEmptyFile creates filename with zero length, failing if it exists.
func createEmptyFile(filename string, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	err = f.Sync()
	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	return err
}

// completeLines counts the '\n' bytes in filename and returns the offset
// just past the last one.  The file is read in fixed-size chunks, so
// memory use does not depend on the file size.
func completeLines(filename string) (lines int64, end int64, err error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()
	return scanNewlines(file)
}

func scanNewlines(r io.Reader) (lines int64, end int64, err error) {
	buf := make([]byte, scanChunkSize)
	var offset int64
	for {
		n, err := r.Read(buf)
		chunk := buf[:n]
		if last := bytes.LastIndexByte(chunk, '\n'); last >= 0 {
			lines += int64(bytes.Count(chunk, []byte{'\n'}))
			end = offset + int64(last) + 1
		}
		offset += int64(n)
		if errors.Is(err, io.EOF) {
			return lines, end, nil
		}
		if err != nil {
			return lines, end, err
		}
	}
}

// truncateSyncFile cuts filename down to size and syncs it to disk.
func truncateSyncFile(filename string, size int64) error {
	f, err := os.OpenFile(filename, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	err = f.Truncate(size)
	if err2 := f.Sync(); err2 != nil && err == nil {
		err = err2
	}
	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	return err
}

func fileSize(filename string) (int64, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
