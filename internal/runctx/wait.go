package runctx

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/flowengine/internal/model"
)

// WaitPolicy selects how WaitRuns evaluates child-run completion.
type WaitPolicy string

const (
	// WaitAll requires every run to complete; any failure aborts
	// immediately (fail-fast).
	WaitAll WaitPolicy = "all"
	// WaitAny succeeds as soon as one run completes; only aborts once
	// every run has failed.
	WaitAny WaitPolicy = "any"
)

// WaitResult reports which run ids completed vs failed/cancelled.
type WaitResult struct {
	Completed []uuid.UUID
	Failed    []uuid.UUID
	PolicyMet bool
}

const (
	waitBackoffThreshold = 10 * time.Second
	waitBackoffCap       = 2 * time.Second
	waitBackoffFactor    = 1.25
)

// WaitRuns polls run statuses until policy is satisfied or timeout
// elapses, grounded on wait_runs: a fresh pool connection per poll (to
// avoid stale reads from a cached session), ownership re-asserted each
// iteration, adaptive jittered backoff after 10 elapsed seconds capped
// at 2s, and progress emission when called from inside a step.
func (rc *RunContext) WaitRuns(ctx context.Context, runIDs []uuid.UUID, policy WaitPolicy, timeout time.Duration, pollInterval time.Duration) (*WaitResult, error) {
	start := time.Now()
	poll := pollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	for {
		if err := rc.AssertOwnership(ctx); err != nil {
			return nil, err
		}

		if timeout > 0 && time.Since(start) > timeout {
			return nil, &model.ErrTimeout{Policy: string(policy)}
		}

		rows, err := rc.Store.ListRunStatuses(ctx, runIDs)
		if err != nil {
			return nil, fmt.Errorf("wait runs: %w", err)
		}

		var completed, failed []uuid.UUID
		for _, row := range rows {
			switch row.Status {
			case model.RunCompleted:
				completed = append(completed, row.ID)
			case model.RunFailed, model.RunCancelled:
				failed = append(failed, row.ID)
			}
		}
		done := len(completed) + len(failed)

		switch policy {
		case WaitAll:
			if len(failed) > 0 {
				return nil, fmt.Errorf("%d child run(s) failed (fail-fast): %v", len(failed), failed)
			}
			if done == len(runIDs) {
				return &WaitResult{Completed: completed, PolicyMet: true}, nil
			}
		case WaitAny:
			if len(completed) > 0 {
				return &WaitResult{Completed: completed, Failed: failed, PolicyMet: true}, nil
			}
			if len(failed) == len(runIDs) {
				return nil, fmt.Errorf("all %d child runs failed (policy=any): %v", len(failed), failed)
			}
		default:
			return nil, fmt.Errorf("wait runs: unknown policy %q", policy)
		}

		if rc.currentStep != nil && len(runIDs) > 0 {
			progress := float64(done) / float64(len(runIDs))
			_ = rc.EmitProgress(ctx, fmt.Sprintf("waiting for child runs: %d/%d done", done, len(runIDs)), &progress)
		}

		sleepFor := poll + jitter(100*time.Millisecond)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleepFor):
		}

		if time.Since(start) > waitBackoffThreshold && poll < waitBackoffCap {
			poll = time.Duration(math.Min(float64(waitBackoffCap), float64(poll)*waitBackoffFactor))
		}
	}
}

// jitter returns a uniform random duration in [0, max), grounded on
// wait_runs's `random.uniform(0, 0.1)`.
func jitter(max time.Duration) time.Duration {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	n := binary.BigEndian.Uint64(buf[:])
	return time.Duration(n % uint64(max))
}
