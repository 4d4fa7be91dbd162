//  Copyright 2025 The quickvulkan-init Authors
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package retry provides bounded retries with backoff for operations that
// depend on resources becoming available, such as host sockets.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/GoogleCloudPlatform/galog"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the maximum number of attempts before giving up.
	MaxAttempts int
	// Jitter is the base delay between attempts.
	Jitter time.Duration
	// BackoffFactor is the multiplier applied to the delay on each attempt. A
	// factor of 1 yields a constant delay.
	BackoffFactor float64
	// MaximumBackoff caps the delay between attempts when set.
	MaximumBackoff time.Duration
}

// backoff computes the delay to apply after the given zero-based attempt.
func backoff(attempt int, policy Policy) time.Duration {
	d := time.Duration(float64(policy.Jitter) * math.Pow(policy.BackoffFactor, float64(attempt)))
	if policy.MaximumBackoff > 0 && d > policy.MaximumBackoff {
		return policy.MaximumBackoff
	}
	return d
}

// Run retries fn until it succeeds, the policy is exhausted or ctx is done.
// The last error seen from fn is returned on exhaustion.
func Run(ctx context.Context, policy Policy, fn func() error) error {
	if fn == nil {
		return fmt.Errorf("invalid retry argument, fn cannot be nil")
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		galog.V(2).Debugf("Attempt %d failed: %v, retrying", attempt+1, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt, policy)):
		}
	}

	return fmt.Errorf("retry budget exhausted after %d attempts, last error: %w", policy.MaxAttempts, lastErr)
}

// RunWithResponse retries fn like [Run] but returns fn's response on success.
func RunWithResponse[T any](ctx context.Context, policy Policy, fn func() (T, error)) (T, error) {
	var resp T
	err := Run(ctx, policy, func() error {
		var err error
		resp, err = fn()
		return err
	})
	return resp, err
}
