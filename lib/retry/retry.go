// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry provides the single generic retry adapter used by
// every reconnect-with-backoff loop in the listener: the notifier
// client, the directory client, and any future external collaborator
// that needs the same "retry transient errors forever (or up to a
// budget), give up immediately on fatal errors" shape.
//
// This factors out what would otherwise be a retry loop hand-copied
// into each client, matching this codebase's existing
// exponential-backoff sync loop convention: an operation closure, an
// error classifier, and an injected clock.Clock so tests can drive
// backoff without sleeping.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/univention/directory-listener/lib/clock"
)

// Outcome classifies the result of one attempt.
type Outcome int

const (
	// Transient means the error is expected to heal; retry.
	Transient Outcome = iota
	// Fatal means the error will not heal by retrying; give up.
	Fatal
	// OK means the attempt succeeded.
	OK
)

// Classifier inspects the error from one attempt and reports how to
// proceed. A nil error must classify as OK.
type Classifier func(err error) Outcome

// Policy controls backoff and the retry budget.
type Policy struct {
	// MaxAttempts bounds the number of attempts. Zero means unlimited.
	MaxAttempts int

	// Backoff computes the delay that follows the n-th failed attempt
	// (1-indexed: n=1 is the delay before the first retry). If nil,
	// [DefaultBackoff] is used.
	Backoff func(attempt int) time.Duration
}

// DefaultBackoff implements the listener's reconnect policy: delay =
// min(2^n, 32) seconds for the n-th attempt, capped at attempt 5
// (2^5 = 32s).
func DefaultBackoff(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// ErrBudgetExhausted is returned when Policy.MaxAttempts is reached
// without success.
type ErrBudgetExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrBudgetExhausted) Error() string {
	return fmt.Sprintf("retry: exhausted %d attempts, last error: %v", e.Attempts, e.Last)
}

func (e *ErrBudgetExhausted) Unwrap() error { return e.Last }

// Do runs operation, retrying on Transient outcomes per policy until
// it succeeds, the classifier reports Fatal, the budget is exhausted,
// or ctx is cancelled. Delays between attempts are driven by clk so
// tests can run the whole sequence without wall-clock sleeps.
func Do(ctx context.Context, clk clock.Clock, policy Policy, classify Classifier, operation func(context.Context) error) error {
	backoff := policy.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}

	for attempt := 1; ; attempt++ {
		err := operation(ctx)
		outcome := classify(err)

		switch outcome {
		case OK:
			return nil
		case Fatal:
			return err
		case Transient:
			if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
				return &ErrBudgetExhausted{Attempts: attempt, Last: err}
			}

			delay := backoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(delay):
			}
		default:
			return fmt.Errorf("retry: classifier returned unknown outcome %d for error %v", outcome, err)
		}
	}
}
