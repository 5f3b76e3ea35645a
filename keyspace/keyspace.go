// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

// Package keyspace maps global indices to lookup keys.
//
// A key is a fixed prefix followed by depth symbols drawn from an ordered
// alphabet. The suffix of the key at index i is the base-len(alphabet)
// representation of i, most significant digit first, with each digit
// replaced by the alphabet symbol at that position.
package keyspace

import (
	"errors"
	"fmt"
	"iter"
	"math/bits"
	"strings"
)

var ErrOutOfRange = errors.New("index out of range")

type Space struct {
	symbols []string
	depth   int
	prefix  string
	size    uint64
}

// SplitAlphabet returns one symbol per rune of s.
func SplitAlphabet(s string) []string {
	symbols := make([]string, 0, len(s))
	for _, r := range s {
		symbols = append(symbols, string(r))
	}
	return symbols
}

// New returns the key space over symbols at the given depth.  Symbols must
// be non-empty and distinct, and len(symbols)^depth must fit in a uint64.
func New(symbols []string, depth int, prefix string) (*Space, error) {
	if len(symbols) == 0 {
		return nil, errors.New("alphabet is empty")
	}
	if depth < 1 {
		return nil, fmt.Errorf("depth must be at least 1 (got %d)", depth)
	}
	seen := make(map[string]bool, len(symbols))
	for i, sym := range symbols {
		if sym == "" {
			return nil, fmt.Errorf("alphabet symbol %d is empty", i)
		}
		if seen[sym] {
			return nil, fmt.Errorf("alphabet symbol %q appears more than once", sym)
		}
		seen[sym] = true
	}

	base := uint64(len(symbols))
	size := uint64(1)
	for range depth {
		hi, lo := bits.Mul64(size, base)
		if hi != 0 {
			return nil, fmt.Errorf("key space %d^%d does not fit in 64 bits", base, depth)
		}
		size = lo
	}

	return &Space{
		symbols: append([]string(nil), symbols...),
		depth:   depth,
		prefix:  prefix,
		size:    size,
	}, nil
}

// Size returns the number of keys in the space.
func (s *Space) Size() uint64 { return s.size }

func (s *Space) Depth() int     { return s.depth }
func (s *Space) Prefix() string { return s.prefix }

// KeyAt returns the key at index.
func (s *Space) KeyAt(index uint64) (string, error) {
	if index >= s.size {
		return "", fmt.Errorf("%w: %d >= %d", ErrOutOfRange, index, s.size)
	}
	return s.keyAt(index), nil
}

func (s *Space) keyAt(index uint64) string {
	base := uint64(len(s.symbols))
	digits := make([]string, s.depth)
	for pos := s.depth - 1; pos >= 0; pos-- {
		digits[pos] = s.symbols[index%base]
		index /= base
	}
	var b strings.Builder
	b.WriteString(s.prefix)
	for _, d := range digits {
		b.WriteString(d)
	}
	return b.String()
}

// IndexOf is the inverse of KeyAt.
func (s *Space) IndexOf(key string) (uint64, error) {
	suffix, ok := strings.CutPrefix(key, s.prefix)
	if !ok {
		return 0, fmt.Errorf("key %q does not start with prefix %q", key, s.prefix)
	}
	base := uint64(len(s.symbols))
	var index uint64
	for pos := 0; pos < s.depth; pos++ {
		matched := false
		for digit, sym := range s.symbols {
			if strings.HasPrefix(suffix, sym) {
				index = index*base + uint64(digit)
				suffix = suffix[len(sym):]
				matched = true
				break
			}
		}
		if !matched {
			return 0, fmt.Errorf("key %q is not in the key space", key)
		}
	}
	if suffix != "" {
		return 0, fmt.Errorf("key %q is longer than the key space depth", key)
	}
	return index, nil
}

// Enumerate yields (index, key) pairs starting at from, in index order.
// Resuming at any index costs nothing: no earlier key is generated.
func (s *Space) Enumerate(from uint64) iter.Seq2[uint64, string] {
	return func(yield func(uint64, string) bool) {
		for i := from; i < s.size; i++ {
			if !yield(i, s.keyAt(i)) {
				return
			}
		}
	}
}
