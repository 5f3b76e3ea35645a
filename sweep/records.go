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
	"time"
)

type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTerminalSignal  Outcome = "terminal_signal"
	OutcomeTerminalMessage Outcome = "terminal_message"
	OutcomeRetryExhausted  Outcome = "retry_exhausted"
	OutcomeCanceled        Outcome = "canceled"
)

// AuditRecord is written for every attempted key.  Exactly one of
// Response and Error is set.
type AuditRecord struct {
	Key       string          `json:"key"`
	Index     uint64          `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	Outcome   Outcome         `json:"outcome"`
	Attempts  int             `json:"attempts"`
}

// SuccessRecord is written for keys whose response carried a standby list.
type SuccessRecord struct {
	Index     uint64          `json:"index"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Result is what one dispatch hands back to the scheduler.
type Result struct {
	Audit   AuditRecord
	Success *SuccessRecord
}
