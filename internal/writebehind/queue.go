// Package writebehind debounces durable writes. Work scheduled under the same
// key within the window coalesces into one write of the latest op, writes for
// one key never overlap, and failures are retried a bounded number of times
// and then recorded without blocking callers.
package writebehind

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Op performs one durable write.
type Op func(ctx context.Context) error

// Options configure a Queue. Window is the debounce window; zero writes on
// the next tick. Timeout bounds a single attempt; zero means none.
type Options struct {
	Window      time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Failure describes the last failed write for a key.
type Failure struct {
	Key      string `json:"key"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
	At       string `json:"at" format:"date-time"`
}

// Status is a snapshot of the queue's bookkeeping.
type Status struct {
	Pending  int       `json:"pending"`
	Written  int64     `json:"written"`
	Failed   int64     `json:"failed"`
	Failures []Failure `json:"failures"`
}

var ErrClosed = errors.New("writebehind: queue closed")

type entry struct {
	op    Op
	timer *time.Timer
}

type Queue struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	pending  map[string]*entry
	running  map[string]*sync.Mutex
	failures map[string]Failure
	written  int64
	failed   int64
	closed   bool
	inflight sync.WaitGroup
}

func New(opts Options) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Window < 0 {
		opts.Window = 0
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		opts:     opts,
		log:      log.With("component", "writebehind"),
		pending:  map[string]*entry{},
		running:  map[string]*sync.Mutex{},
		failures: map[string]Failure{},
	}
}

// Schedule queues op under key, replacing any op still waiting for that key.
// It never blocks on the write itself.
func (q *Queue) Schedule(key string, op Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.log.Warn("write dropped after close", "key", key)
		return ErrClosed
	}
	if e, ok := q.pending[key]; ok {
		e.op = op
		return nil
	}
	e := &entry{op: op}
	q.pending[key] = e
	q.inflight.Add(1)
	e.timer = time.AfterFunc(q.opts.Window, func() {
		defer q.inflight.Done()
		q.fire(key, e)
	})
	return nil
}

// fire takes the pending op for key, if it is still the one e armed, and
// runs it under the key's lock.
func (q *Queue) fire(key string, e *entry) {
	q.mu.Lock()
	cur, ok := q.pending[key]
	if !ok || cur != e {
		q.mu.Unlock()
		return
	}
	delete(q.pending, key)
	op := e.op
	lock := q.running[key]
	if lock == nil {
		lock = &sync.Mutex{}
		q.running[key] = lock
	}
	q.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	q.run(key, op)
}

func (q *Queue) run(key string, op Op) {
	var err error
	attempts := 0
	for attempts < q.opts.MaxAttempts {
		attempts++
		err = q.attempt(op)
		if err == nil {
			break
		}
		q.log.Debug("write attempt failed", "key", key, "attempt", attempts, "err", err)
		if attempts < q.opts.MaxAttempts && q.opts.Backoff > 0 {
			time.Sleep(time.Duration(attempts) * q.opts.Backoff)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		q.written++
		delete(q.failures, key)
		return
	}
	q.failed++
	q.failures[key] = Failure{
		Key:      key,
		Error:    err.Error(),
		Attempts: attempts,
		At:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	q.log.Error("durable write failed", "key", key, "attempts", attempts, "err", err)
}

func (q *Queue) attempt(op Op) (err error) {
	ctx := context.Background()
	if q.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("writebehind: op panicked")
			q.log.Error("write op panicked", "panic", r)
		}
	}()
	return op(ctx)
}

// Flush runs every pending op now and waits until all writes in flight have
// finished or ctx is done.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	keys := make([]string, 0, len(q.pending))
	for k, e := range q.pending {
		if e.timer.Stop() {
			// the timer's own Done will never run
			q.inflight.Done()
			keys = append(keys, k)
		}
	}
	q.mu.Unlock()
	sort.Strings(keys)

	for _, k := range keys {
		q.mu.Lock()
		e := q.pending[k]
		q.mu.Unlock()
		if e != nil {
			q.fire(k, e)
		}
	}

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects any later Schedule and flushes what is already queued.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Flush(ctx)
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		Pending:  len(q.pending),
		Written:  q.written,
		Failed:   q.failed,
		Failures: make([]Failure, 0, len(q.failures)),
	}
	for _, f := range q.failures {
		st.Failures = append(st.Failures, f)
	}
	sort.Slice(st.Failures, func(i, j int) bool { return st.Failures[i].Key < st.Failures[j].Key })
	return st
}
