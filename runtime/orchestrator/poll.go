package orchestrator

import (
	"time"

	"github.com/mainloop-ai/mainloop/runtime/engine"
)

// awaitFirst waits for a user decision from two sources at once: the typed
// topic receiver (in-app responses relayed as signals) and a forge check run
// between receive attempts. Whichever source yields a value first wins; a
// decision arriving on the losing source later is ignored by the caller's
// state machine because the task has already moved on.
//
// The forge check runs on an exponential schedule starting at
// pollInitialInterval and capped at pollMaxInterval, so an attentive user
// gets sub-minute latency while an idle task costs a few hundred requests a
// day. A nil, nil return means pollBudget elapsed with no decision from
// either source.
func awaitFirst[T any](r *workerRun, recv engine.Receiver[T], check func() (*T, error)) (*T, error) {
	ctx := r.wctx.Context()
	deadline := r.wctx.Now().Add(pollBudget)
	interval := pollInitialInterval
	for {
		v, ok, err := recv.ReceiveWithTimeout(ctx, interval)
		if err != nil {
			return nil, err
		}
		if ok {
			return &v, nil
		}
		if !r.wctx.Now().Before(deadline) {
			return nil, nil
		}
		decision, err := check()
		if err != nil {
			// Forge polling is best effort; the signal path stays live and
			// the next poll retries.
			r.o.logger.Warn(ctx, "forge poll failed", "task_id", r.task.ID, "err", err)
		} else if decision != nil {
			return decision, nil
		}
		interval = time.Duration(float64(interval) * pollMultiplier)
		if interval > pollMaxInterval {
			interval = pollMaxInterval
		}
	}
}
