package bandit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/UCI-Networking-Group/AutoFR/engine/autofrerr"
	"github.com/UCI-Networking-Group/AutoFR/engine/snapshot"
	"github.com/UCI-Networking-Group/AutoFR/engine/telemetry/metrics"
)

// BatchItem pairs an action with the snapshot chosen for it. Snapshot
// selection happens on the owner goroutine before dispatch so the seeded
// RNG never crosses into the pool.
type BatchItem struct {
	Actions  []string
	Snapshot *snapshot.Snapshot
}

// PullBatch evaluates a batch of items on the worker pool, chunked at the
// configured threshold: each chunk completes before the next is issued, and
// within a chunk results arrive in completion order. A pull that fails,
// times out, or is cancelled yields no result; the caller treats the pull
// as absent.
func (b *Controlled) PullBatch(ctx context.Context, items []BatchItem) []*PullResult {
	var results []*PullResult
	chunk := b.cfg.ChunkThreshold

	for start := 0; start < len(items); start += chunk {
		end := start + chunk
		if end > len(items) {
			end = len(items)
		}
		out := make(chan *PullResult, end-start)

		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(b.cfg.Workers)
		for _, item := range items[start:end] {
			item := item
			grp.Go(func() error {
				res, err := b.pullWithTimeout(grpCtx, item)
				if err != nil {
					b.metrics.IncCounter(metrics.PullFailuresTotal, 1)
					b.log.Warnf("dropping pull %v: %v", item.Actions, err)
					return nil
				}
				out <- res
				return nil
			})
		}
		_ = grp.Wait()
		close(out)
		for res := range out {
			results = append(results, res)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// pullWithTimeout runs one pull under the per-pull deadline. The simulation
// does not observe the context: on cancellation or timeout the pull is
// reported as failed at once, while its goroutine runs to completion in the
// background and still stores its outcome in the feedback cache.
func (b *Controlled) pullWithTimeout(ctx context.Context, item BatchItem) (*PullResult, error) {
	if b.cfg.PullTimeoutSeconds <= 0 {
		return b.pullCancellable(ctx, item)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.PullTimeoutSeconds)*time.Second)
	defer cancel()
	res, err := b.pullCancellable(ctx, item)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", autofrerr.ErrPullTimeout, item.Actions)
	}
	return res, err
}

func (b *Controlled) pullCancellable(ctx context.Context, item BatchItem) (*PullResult, error) {
	type outcome struct {
		res *PullResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := b.Pull(item.Actions, item.Snapshot)
		done <- outcome{res, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		if o.err != nil {
			return nil, fmt.Errorf("%w: %v", autofrerr.ErrPullFailure, o.err)
		}
		return o.res, nil
	}
}
