// Package scrape fetches raw issue-tracker records page by page and
// normalizes provider schemas into the store's common record shape.
//
// Each provider implements the same capability set: streaming issues in
// ascending update order since a cursor, draining one issue's comments,
// and a best-effort total count for progress display. Streams are
// restartable but not resumable mid-walk; resumability across runs comes
// from the persisted cursor alone.
package scrape

import (
	"context"
	"math/rand"
	"time"
)

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// politeSleep pauses between page fetches with +/-15% jitter. This is
// the only defense against tripping provider rate limits; it must stay
// in place even though it is not correctness-critical.
func politeSleep(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return ctx.Err()
	}
	span := float64(base) * 0.15
	d := time.Duration(float64(base) - span + rand.Float64()*2*span)
	return sleepCtx(ctx, d)
}
