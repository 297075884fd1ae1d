// Package ratelimit implements the per-job token bucket that throttles
// item processing across all workers of a job.
//
// The bucket is a single JSON document in the state store. Every mutation
// is a read-compute-swap cycle against it: on a conflicting concurrent
// write the cycle retries with a bounded attempt count, so no global lock
// exists and no caller holds anything across an I/O boundary.
//
// Tokens accrue lazily from elapsed time at every acquire instead of via a
// background timer. Grants are recorded as time-bounded leases per worker;
// a crashed worker that never releases loses its lease to expiry, and the
// tokens fold back into the pool on the next cycle.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.drove.dev/drove/pkg/state"
	"go.drove.dev/drove/pkg/taskerr"
)

// LeaseEntry is one worker's outstanding token claim.
type LeaseEntry struct {
	Count     int   `json:"count"`
	ExpiresAt int64 `json:"expires_at_ms"`
}

// Bucket is the token bucket document.
// Invariant: Tokens + sum of lease counts <= Capacity.
type Bucket struct {
	JobID      string                `json:"job_id"`
	Capacity   int                   `json:"capacity"`
	RefillRate float64               `json:"refill_rate"` // tokens per second
	Tokens     float64               `json:"tokens"`
	LastRefill int64                 `json:"last_refill_ms"`
	Paused     bool                  `json:"paused"`
	Leases     map[string]LeaseEntry `json:"leases,omitempty"`
}

// Outstanding returns the sum of all leased tokens.
func (b *Bucket) Outstanding() int {
	var n int
	for _, lease := range b.Leases {
		n += lease.Count
	}
	return n
}

// refill accrues tokens for the elapsed time and reclaims expired leases.
func (b *Bucket) refill(now time.Time) {
	nowMS := now.UnixMilli()
	for worker, lease := range b.Leases {
		if nowMS > lease.ExpiresAt {
			b.Tokens += float64(lease.Count)
			delete(b.Leases, worker)
		}
	}
	elapsed := float64(nowMS-b.LastRefill) / 1000
	if elapsed > 0 {
		b.Tokens += elapsed * b.RefillRate
	}
	// Cap so the conservation invariant holds even after reclaim.
	if max := float64(b.Capacity - b.Outstanding()); b.Tokens > max {
		b.Tokens = max
	}
	if b.Tokens < 0 {
		b.Tokens = 0
	}
	b.LastRefill = nowMS
}

// Limiter issues and releases token leases for jobs.
type Limiter struct {
	// Required components
	State state.Store
	// Required config
	LeaseTTL       time.Duration
	MaxSwapRetries int
	// Clock returns the current time; overridable in tests.
	Clock func() time.Time
}

func (l *Limiter) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

func bucketKey(jobID string) string { return "ratelimit/" + jobID }

// Init creates the bucket for a job with a full token pool.
// Re-initializing an existing bucket is a no-op, so submission stays
// idempotent here too.
func (l *Limiter) Init(ctx context.Context, jobID string, capacity int, refillRate float64) error {
	if capacity <= 0 || refillRate <= 0 {
		return fmt.Errorf("ratelimit: capacity and refill rate must be positive")
	}
	bucket := Bucket{
		JobID:      jobID,
		Capacity:   capacity,
		RefillRate: refillRate,
		Tokens:     float64(capacity),
		LastRefill: l.now().UnixMilli(),
		Leases:     map[string]LeaseEntry{},
	}
	data, err := json.Marshal(&bucket)
	if err != nil {
		return err
	}
	_, err = l.State.CompareAndSwap(ctx, bucketKey(jobID), "", string(data))
	return err
}

// mutate runs one bounded read-compute-swap cycle against the bucket.
func (l *Limiter) mutate(ctx context.Context, jobID string, fn func(b *Bucket)) (Bucket, error) {
	key := bucketKey(jobID)
	var bucket Bucket
	for attempt := 0; attempt < l.MaxSwapRetries; attempt++ {
		cur, ok, err := l.State.Get(ctx, key)
		if err != nil {
			return Bucket{}, taskerr.New(taskerr.Infrastructure, "ratelimit read", err)
		}
		if !ok {
			return Bucket{}, fmt.Errorf("ratelimit: no bucket for job %s", jobID)
		}
		bucket = Bucket{}
		if err := json.Unmarshal([]byte(cur), &bucket); err != nil {
			return Bucket{}, taskerr.New(taskerr.CorruptState, "ratelimit decode", err)
		}
		if bucket.Leases == nil {
			bucket.Leases = map[string]LeaseEntry{}
		}
		bucket.refill(l.now())
		fn(&bucket)
		next, err := json.Marshal(&bucket)
		if err != nil {
			return Bucket{}, err
		}
		swapped, err := l.State.CompareAndSwap(ctx, key, cur, string(next))
		if err != nil {
			return Bucket{}, taskerr.New(taskerr.Infrastructure, "ratelimit swap", err)
		}
		if swapped {
			if attempt > 0 {
				swapConflicts.WithLabelValues(jobID).Add(float64(attempt))
			}
			return bucket, nil
		}
		// Lost the race; re-read and try again.
	}
	return Bucket{}, taskerr.Newf(taskerr.Infrastructure, "ratelimit swap",
		"gave up after %d conflicting writes", l.MaxSwapRetries)
}

// Acquire grants up to count tokens to a worker, possibly zero.
// A paused bucket grants nothing.
func (l *Limiter) Acquire(ctx context.Context, jobID, workerID string, count int) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("ratelimit: count must be positive")
	}
	var granted int
	_, err := l.mutate(ctx, jobID, func(b *Bucket) {
		granted = 0
		if b.Paused {
			return
		}
		granted = count
		if avail := int(math.Floor(b.Tokens)); granted > avail {
			granted = avail
		}
		if granted == 0 {
			return
		}
		b.Tokens -= float64(granted)
		lease := b.Leases[workerID]
		lease.Count += granted
		lease.ExpiresAt = l.now().Add(l.LeaseTTL).UnixMilli()
		b.Leases[workerID] = lease
	})
	if err != nil {
		return 0, err
	}
	tokensGranted.WithLabelValues(jobID).Add(float64(granted))
	return granted, nil
}

// Release shrinks a worker's lease by count tokens. Consumed tokens do not
// return to the pool; replacement tokens re-enter only through refill.
func (l *Limiter) Release(ctx context.Context, jobID, workerID string, count int) error {
	if count <= 0 {
		return fmt.Errorf("ratelimit: count must be positive")
	}
	_, err := l.mutate(ctx, jobID, func(b *Bucket) {
		lease, ok := b.Leases[workerID]
		if !ok {
			return // lease already expired and reclaimed
		}
		if count > lease.Count {
			count = lease.Count
		}
		lease.Count -= count
		if lease.Count == 0 {
			delete(b.Leases, workerID)
		} else {
			b.Leases[workerID] = lease
		}
	})
	return err
}

// SetPaused stops (or resumes) token issuance for a job.
// In-flight leases are unaffected, so running items finish.
func (l *Limiter) SetPaused(ctx context.Context, jobID string, paused bool) error {
	_, err := l.mutate(ctx, jobID, func(b *Bucket) {
		b.Paused = paused
	})
	return err
}

// Snapshot returns the current bucket state after refill, without granting.
func (l *Limiter) Snapshot(ctx context.Context, jobID string) (Bucket, error) {
	return l.mutate(ctx, jobID, func(*Bucket) {})
}

// AcquireWait blocks until at least one token is granted, backing off
// exponentially between attempts. It keeps waiting while the bucket is
// paused; it returns only on a grant, a context cancellation, or an
// infrastructure failure.
func (l *Limiter) AcquireWait(ctx context.Context, jobID, workerID string, count int) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // wait as long as the context allows
	var granted int
	err := backoff.Retry(func() error {
		var err error
		granted, err = l.Acquire(ctx, jobID, workerID, count)
		if err != nil {
			return backoff.Permanent(err)
		}
		if granted == 0 {
			return fmt.Errorf("no tokens available")
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return 0, err
	}
	return granted, nil
}
