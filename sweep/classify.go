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
	"strings"

	"golang.org/x/text/cases"
)

type responseClass int

const (
	classTransient responseClass = iota
	classSuccess
	classTerminalSignal
	classTerminalMessage
)

func (c responseClass) String() string {
	switch c {
	case classSuccess:
		return "success"
	case classTerminalSignal:
		return "terminal signal"
	case classTerminalMessage:
		return "terminal message"
	default:
		return "transient"
	}
}

// foldCase returns s case-folded for caseless comparison.  A Caser is
// stateful, so each call gets its own.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

type classification struct {
	class   responseClass
	payload json.RawMessage // data.list_standby, for classSuccess
	message string
}

// classify inspects a response body.  In priority order: a data.list_standby
// array is a success; a message containing foldedSentinel is a terminal
// signal; any other message is terminal; anything else is transient.
func classify(body []byte, foldedSentinel string) classification {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		return classification{class: classTransient}
	}

	if rawData, ok := top["data"]; ok {
		var data map[string]json.RawMessage
		if json.Unmarshal(rawData, &data) == nil {
			if list, ok := data["list_standby"]; ok && isJSONArray(list) {
				return classification{class: classSuccess, payload: list}
			}
		}
	}

	if rawMessage, ok := top["message"]; ok && !isJSONNull(rawMessage) {
		message := messageText(rawMessage)
		if strings.Contains(foldCase(message), foldedSentinel) {
			return classification{class: classTerminalSignal, message: message}
		}
		return classification{class: classTerminalMessage, message: message}
	}

	return classification{class: classTransient}
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func messageText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
