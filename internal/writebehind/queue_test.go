package writebehind_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"podline/internal/writebehind"
)

func TestCoalescesWithinWindow(t *testing.T) {
	q := writebehind.New(writebehind.Options{Window: 50 * time.Millisecond, MaxAttempts: 1})
	var calls int32
	var last int32
	for i := int32(1); i <= 5; i++ {
		v := i
		if err := q.Schedule("wo-1", func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			atomic.StoreInt32(&last, v)
			return nil
		}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if calls != 1 || last != 5 {
		t.Fatalf("expected one write of the latest op, got calls=%d last=%d", calls, last)
	}
	if st := q.Status(); st.Written != 1 || st.Pending != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestWindowElapses(t *testing.T) {
	q := writebehind.New(writebehind.Options{Window: 10 * time.Millisecond, MaxAttempts: 1})
	done := make(chan struct{})
	_ = q.Schedule("k", func(ctx context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("write never ran")
	}
}

func TestRetriesThenRecordsFailure(t *testing.T) {
	q := writebehind.New(writebehind.Options{MaxAttempts: 3, Backoff: time.Millisecond})
	var calls int32
	_ = q.Schedule("wo-1", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("disk full")
	})
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	st := q.Status()
	if st.Failed != 1 || len(st.Failures) != 1 || st.Failures[0].Key != "wo-1" || st.Failures[0].Attempts != 3 {
		t.Fatalf("failure not recorded: %+v", st)
	}

	_ = q.Schedule("wo-1", func(ctx context.Context) error { return nil })
	_ = q.Flush(context.Background())
	if st := q.Status(); len(st.Failures) != 0 {
		t.Fatalf("success should clear failure: %+v", st)
	}
}

func TestPanicIsContained(t *testing.T) {
	q := writebehind.New(writebehind.Options{MaxAttempts: 1})
	_ = q.Schedule("k", func(ctx context.Context) error { panic("boom") })
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if st := q.Status(); st.Failed != 1 {
		t.Fatalf("panic should count as failure: %+v", st)
	}
}

func TestWritesForOneKeyNeverOverlap(t *testing.T) {
	q := writebehind.New(writebehind.Options{MaxAttempts: 1})
	var running, overlap int32
	var wg sync.WaitGroup
	op := func(ctx context.Context) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Schedule("same", op)
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if overlap != 0 {
		t.Fatalf("writes for one key overlapped")
	}
}

func TestCloseRejectsLaterWrites(t *testing.T) {
	q := writebehind.New(writebehind.Options{Window: time.Hour, MaxAttempts: 1})
	var calls int32
	_ = q.Schedule("k", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if calls != 1 {
		t.Fatalf("close should flush the pending write")
	}
	if err := q.Schedule("k", func(ctx context.Context) error { return nil }); !errors.Is(err, writebehind.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
