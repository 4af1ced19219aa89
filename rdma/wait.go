package rdma

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// DefaultWaitTimeout bounds Wait and PollUntil when WaitOptions.Timeout is zero.
const DefaultWaitTimeout = 5 * time.Second

// WaitOptions bounds a progress loop.
type WaitOptions struct {
	// Timeout caps the total wait. Zero selects DefaultWaitTimeout; a
	// negative value leaves only the context and MaxProgress as bounds.
	Timeout time.Duration
	// Interval is slept after a progress call that advanced nothing. Zero
	// yields the processor instead of sleeping.
	Interval time.Duration
	// MaxProgress caps the number of progress calls. Zero means no cap.
	MaxProgress int
}

// Progresser is the part of a Worker the wait helpers drive.
type Progresser interface {
	Progress() int
}

// ConditionFunc reports whether a polled condition holds.
type ConditionFunc func() (bool, error)

// Poll drives one progress step on w and reports whether req has completed.
// On completion it returns the request status.
func Poll(w Progresser, req *Request) (bool, error) {
	if req == nil {
		return true, nil
	}
	if !req.Completed() && w != nil {
		w.Progress()
	}
	if !req.Completed() {
		return false, nil
	}
	return true, req.Status()
}

// Wait drives progress on w until req completes, then frees req. It returns
// the request's final status, or an error wrapping ErrIncomplete when the
// bounds in opts or ctx expire first. An incomplete request is left to the
// caller.
func Wait(ctx context.Context, w Progresser, req *Request, opts WaitOptions) error {
	if req == nil {
		return nil
	}
	err := PollUntil(ctx, w, func() (bool, error) {
		return req.Completed(), nil
	}, opts)
	if err != nil {
		return err
	}
	status := req.Status()
	req.Free()
	return status
}

// PollUntil calls w.Progress and then cond until cond returns true or an
// error, or the bounds in opts or ctx expire.
func PollUntil(ctx context.Context, w Progresser, cond ConditionFunc, opts WaitOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultWaitTimeout
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for calls := 0; ; calls++ {
		advanced := 0
		if w != nil {
			advanced = w.Progress()
		}
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrIncomplete, ctx.Err())
		default:
		}
		if opts.MaxProgress > 0 && calls+1 >= opts.MaxProgress {
			return fmt.Errorf("%w: gave up after %d progress calls", ErrIncomplete, calls+1)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: timed out after %s", ErrIncomplete, timeout)
		}
		if advanced > 0 {
			continue
		}
		if opts.Interval > 0 {
			time.Sleep(opts.Interval)
		} else {
			runtime.Gosched()
		}
	}
}
