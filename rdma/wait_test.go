package rdma

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingWorker struct {
	calls      int
	completeAt int
	req        *Request
	status     error
}

func (w *countingWorker) Address() ([]byte, error)         { return []byte("counting"), nil }
func (w *countingWorker) Connect([]byte) (Endpoint, error) { return nil, StatusNotImplemented }
func (w *countingWorker) Close() error                     { return nil }

func (w *countingWorker) Progress() int {
	w.calls++
	if w.req != nil && w.calls == w.completeAt {
		w.req.Complete(w.status)
		return 1
	}
	return 0
}

func TestWaitCompletesAfterProgress(t *testing.T) {
	var fired int
	req := NewRequest(func(r *Request, status error) {
		fired++
		if status != nil {
			t.Errorf("unexpected callback status %v", status)
		}
	})
	w := &countingWorker{completeAt: 3, req: req}

	if err := Wait(context.Background(), w, req, WaitOptions{Timeout: time.Second}); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected callback to fire once, fired %d", fired)
	}
	if w.calls != 3 {
		t.Fatalf("expected 3 progress calls, got %d", w.calls)
	}
	if !req.Freed() {
		t.Fatalf("expected request to be freed after completion")
	}
}

func TestWaitReturnsCompletionStatus(t *testing.T) {
	req := NewRequest(nil)
	w := &countingWorker{completeAt: 1, req: req, status: StatusUnreachable.WithOp("put")}

	err := Wait(context.Background(), w, req, WaitOptions{})
	if !errors.Is(err, StatusUnreachable) {
		t.Fatalf("expected StatusUnreachable, got %v", err)
	}
}

func TestWaitMaxProgressIsIncomplete(t *testing.T) {
	req := NewRequest(nil)
	w := &countingWorker{req: req}

	err := Wait(context.Background(), w, req, WaitOptions{MaxProgress: 5, Timeout: -1})
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if w.calls != 5 {
		t.Fatalf("expected 5 progress calls, got %d", w.calls)
	}
	if req.Freed() {
		t.Fatalf("incomplete request must be left to the caller")
	}
	if !errors.Is(req.Status(), StatusInProgress) {
		t.Fatalf("expected in-progress status, got %v", req.Status())
	}
}

func TestWaitTimeout(t *testing.T) {
	req := NewRequest(nil)
	w := &countingWorker{req: req}

	start := time.Now()
	err := Wait(context.Background(), w, req, WaitOptions{Timeout: 20 * time.Millisecond, Interval: time.Millisecond})
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("returned before the timeout elapsed")
	}
}

func TestWaitContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Wait(ctx, &countingWorker{}, NewRequest(nil), WaitOptions{Timeout: time.Second})
	if !errors.Is(err, ErrIncomplete) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrIncomplete wrapping context.Canceled, got %v", err)
	}
}

func TestWaitNilRequestIsImmediate(t *testing.T) {
	w := &countingWorker{}
	if err := Wait(context.Background(), w, nil, WaitOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.calls != 0 {
		t.Fatalf("expected no progress for an immediate completion")
	}
}

func TestPollSingleStep(t *testing.T) {
	req := NewRequest(nil)
	w := &countingWorker{completeAt: 2, req: req}

	done, err := Poll(w, req)
	if done || err != nil {
		t.Fatalf("expected pending after first poll, got done=%v err=%v", done, err)
	}
	done, err = Poll(w, req)
	if !done || err != nil {
		t.Fatalf("expected completion after second poll, got done=%v err=%v", done, err)
	}
}

func TestPollUntilPropagatesConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := PollUntil(context.Background(), nil, func() (bool, error) { return false, boom }, WaitOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected condition error, got %v", err)
	}
}

func TestRequestCompleteOnce(t *testing.T) {
	var fired int
	req := NewRequest(func(*Request, error) { fired++ })
	req.Complete(nil)
	req.Complete(StatusIOError)
	if fired != 1 {
		t.Fatalf("expected one callback, got %d", fired)
	}
	if err := req.Status(); err != nil {
		t.Fatalf("expected first status to stick, got %v", err)
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusOK {
		t.Fatalf("nil error should map to StatusOK")
	}
	if got := StatusOf(StatusNoMemory.WithOp("map")); got != StatusNoMemory {
		t.Fatalf("expected StatusNoMemory, got %v", got)
	}
	if got := StatusOf(errors.New("other")); got != StatusIOError {
		t.Fatalf("expected StatusIOError fallback, got %v", got)
	}
	if StatusUnreachable.String() != "Destination is unreachable" {
		t.Fatalf("unexpected status text %q", StatusUnreachable.String())
	}
}
