package arduino

import (
	"context"
	"time"

	"github.com/skilledcamman/microscope/stage"
)

const (
	defaultConfirmInterval = 500 * time.Millisecond
	defaultConfirmTimeout  = 8 * time.Second
)

// Confirmer polls the controller after a move until the reported
// position departs from the last known reading.
//
// Controllers echo stale or repeated positions, so a poll that
// matches the baseline proves nothing; only a change counts as
// confirmation. When no baseline exists the first reading is adopted
// without confirming.
type Confirmer struct {
	Interval time.Duration // poll spacing, default 500ms
	Timeout  time.Duration // overall deadline, default 8s

	// Now and Sleep exist so tests can run against a virtual clock.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// Wait runs the confirmation loop against query. last is the
// position on record before the move was issued; haveLast is false
// when no reading had been obtained yet. A closed window is reported
// through Confirmation.Confirmed, not an error; the only error
// returned is the context's.
func (c Confirmer) Wait(ctx context.Context, query func() (stage.Status, error), last int, haveLast bool) (stage.Confirmation, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	interval := c.Interval
	if interval <= 0 {
		interval = defaultConfirmInterval
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}

	deadline := now().Add(timeout)
	res := stage.Confirmation{Position: last, Known: haveLast}
	for {
		if err := sleep(ctx, interval); err != nil {
			return res, err
		}
		st, err := query()
		if err == nil && st.PositionOK {
			if !res.Known {
				res.Position = st.Position
				res.Known = true
			} else if st.Position != res.Position {
				res.Position = st.Position
				res.Confirmed = true
				return res, nil
			}
		}
		if !now().Before(deadline) {
			return res, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
