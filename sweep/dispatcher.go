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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracertea/src/keysweep/lookupclient"
)

// Transport performs a single lookup request.
type Transport interface {
	Lookup(ctx context.Context, token string, id string) ([]byte, error)
}

// Dispatcher issues the lookup for one key and classifies the response,
// retrying transient failures with exponential backoff.
type Dispatcher struct {
	transport      Transport
	credentials    TokenSource
	foldedSentinel string
	maxAttempts    int
	backoffBase    time.Duration
	logger         *slog.Logger

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

func NewDispatcher(config *Config, transport Transport) *Dispatcher {
	return &Dispatcher{
		transport:      transport,
		credentials:    config.Credentials,
		foldedSentinel: foldCase(config.Sentinel),
		maxAttempts:    config.MaxAttempts,
		backoffBase:    config.BackoffBase,
		logger:         config.logger(),
		sleep:          sleep,
		now:            time.Now,
	}
}

// Attempt looks up key and always returns a Result; failures are recorded
// in the audit record rather than returned.
func (d *Dispatcher) Attempt(ctx context.Context, key string, index uint64) Result {
	return d.attempt(ctx, key, index, 1)
}

func (d *Dispatcher) attempt(ctx context.Context, key string, index uint64, attemptNumber int) Result {
	body, cls, err := d.lookupOnce(ctx, key)
	audit := AuditRecord{
		Key:       key,
		Index:     index,
		Timestamp: d.now().UTC(),
		Attempts:  attemptNumber,
	}

	switch cls.class {
	case classSuccess:
		audit.Response = body
		audit.Outcome = OutcomeSuccess
		return Result{
			Audit: audit,
			Success: &SuccessRecord{
				Index:     index,
				Key:       key,
				Payload:   cls.payload,
				Timestamp: audit.Timestamp,
			},
		}
	case classTerminalSignal:
		audit.Response = body
		audit.Outcome = OutcomeTerminalSignal
		return Result{Audit: audit}
	case classTerminalMessage:
		audit.Response = body
		audit.Outcome = OutcomeTerminalMessage
		d.logger.Debug("unrecognized terminal message", slog.String("key", key), slog.String("message", cls.message))
		return Result{Audit: audit}
	}

	if ctx.Err() != nil {
		audit.Outcome = OutcomeCanceled
		audit.Error = ctx.Err().Error()
		return Result{Audit: audit}
	}
	if attemptNumber >= d.maxAttempts {
		audit.Outcome = OutcomeRetryExhausted
		audit.Error = fmt.Sprintf("gave up after %d attempts: %s", attemptNumber, describeFailure(body, err))
		d.logger.Warn("retries exhausted", slog.String("key", key), slog.Uint64("index", index), slog.String("error", audit.Error))
		return Result{Audit: audit}
	}

	delay := d.backoff(attemptNumber)
	d.logger.Debug("transient lookup failure",
		slog.String("key", key),
		slog.Int("attempt", attemptNumber),
		slog.Duration("retry_in", delay),
		slog.String("error", describeFailure(body, err)),
	)
	if err := d.sleep(ctx, delay); err != nil {
		audit.Outcome = OutcomeCanceled
		audit.Error = err.Error()
		return Result{Audit: audit}
	}
	return d.attempt(ctx, key, index, attemptNumber+1)
}

// lookupOnce performs one request.  Bodies of non-2xx responses are
// classified like any other unless the status is itself retryable.
func (d *Dispatcher) lookupOnce(ctx context.Context, key string) ([]byte, classification, error) {
	token := ""
	if d.credentials != nil {
		token = d.credentials.Token()
	}
	body, err := d.transport.Lookup(ctx, token, key)
	if err != nil {
		var httpErr *lookupclient.HTTPError
		if !errors.As(err, &httpErr) || httpErr.Retryable() {
			return nil, classification{class: classTransient}, err
		}
		body = httpErr.Body
	}
	cls := classify(body, d.foldedSentinel)
	if cls.class == classTransient {
		if err == nil {
			err = errMalformedResponse
		}
		return body, cls, err
	}
	return body, cls, nil
}

var errMalformedResponse = errors.New("response has neither a standby list nor a message")

func (d *Dispatcher) backoff(attemptNumber int) time.Duration {
	return d.backoffBase << attemptNumber
}

func describeFailure(body []byte, err error) string {
	if len(body) == 0 {
		return err.Error()
	}
	const maxBody = 256
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return fmt.Sprintf("%s (body %q)", err, body)
}

func sleep(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
