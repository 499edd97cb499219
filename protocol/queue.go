package protocol

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrWouldBlock = errors.New("queue is over capacity")
	ErrClosed     = errors.New("queue is closed")
)

// Queue is a bounded FIFO of records. Drain blocks while the queue is full
// and Feed blocks while it is empty, both until the context is done or the
// queue is closed. Records drained before Close can still be fed.
type Queue struct {
	lock   sync.Mutex
	recs   Records
	limit  int
	closed bool
	// changed is closed and replaced on every state change
	changed chan struct{}
}

// NewQueue makes a queue holding up to limit records.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		panic("queue limit must be positive")
	}
	return &Queue{limit: limit, changed: make(chan struct{})}
}

func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.recs)
}

// TryDrain queues recs without waiting, all or nothing.
func (q *Queue) TryDrain(recs Records) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.recs)+len(recs) > q.limit {
		return ErrWouldBlock
	}
	q.recs = append(q.recs, recs...)
	q.signal()
	return nil
}

func (q *Queue) Drain(ctx context.Context, recs Records) error {
	for len(recs) > 0 {
		q.lock.Lock()
		if q.closed {
			q.lock.Unlock()
			return ErrClosed
		}
		room := min(q.limit-len(q.recs), len(recs))
		if room > 0 {
			q.recs = append(q.recs, recs[:room]...)
			recs = recs[room:]
			q.signal()
			q.lock.Unlock()
			continue
		}
		changed := q.changed
		q.lock.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *Queue) Feed(ctx context.Context) (Records, error) {
	for {
		q.lock.Lock()
		if len(q.recs) > 0 {
			recs := q.recs
			q.recs = nil
			q.signal()
			q.lock.Unlock()
			return recs, nil
		}
		if q.closed {
			q.lock.Unlock()
			return nil, ErrClosed
		}
		changed := q.changed
		q.lock.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
	return nil
}
