package reception

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Per-call time budgets. Queries and small mutations are quick; document
// rendering and slot booking get a longer window.
const (
	defaultQueryBudget    = 10 * time.Second
	defaultDocumentBudget = 20 * time.Second
)

const retryInitialInterval = 100 * time.Millisecond

// runJournaled executes an external call at most once per (process, key).
// A journal hit returns the recorded result without re-invoking fn. A miss
// runs fn under bounded exponential backoff capped at budget, then journals
// the result before the caller persists the next step transition. Exhausted
// retries surface as an error; the run loop turns that into a terminal
// failure result.
func runJournaled[T any](ctx context.Context, h *Host, id, key string, budget time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	raw, ok, err := h.store.LookupStep(ctx, id, key)
	if err != nil {
		return zero, err
	}
	if ok {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("reception: decode journal %s/%s: %w", id, key, err)
		}
		h.metrics.ObserveStep(key, "journaled")
		h.logger.Debug("journal hit, skipping call", "process_id", id, "step", key)
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxElapsedTime = budget

	var out T
	op := func() error {
		var err error
		out, err = fn(ctx)
		return err
	}
	notify := func(err error, next time.Duration) {
		h.metrics.ObserveRetry()
		h.logger.Warn("step call failed, retrying",
			"process_id", id, "step", key, "next_attempt_in", next, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		h.metrics.ObserveStep(key, "failed")
		return zero, fmt.Errorf("reception: step %s exhausted retries: %w", key, err)
	}

	recorded, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("reception: encode journal %s/%s: %w", id, key, err)
	}
	if err := h.store.RecordStep(ctx, id, key, recorded); err != nil {
		return zero, err
	}
	h.metrics.ObserveStep(key, "completed")
	return out, nil
}
