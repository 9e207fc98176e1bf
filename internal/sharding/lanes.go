package sharding

import (
	"context"
	"errors"
	"sync"
)

var ErrLanesClosed = errors.New("sharding: lanes closed")

// Lanes runs work serially per key and in parallel across keys. A key always maps
// to the same lane, so jobs for one key run in the order they were enqueued.
type Lanes struct {
	mu     sync.RWMutex
	closed bool
	queues []chan func()
	wg     sync.WaitGroup
}

// NewLanes starts n lanes, each buffering up to buffer pending jobs.
func NewLanes(n, buffer int) *Lanes {
	if n <= 0 {
		n = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	l := &Lanes{queues: make([]chan func(), n)}
	for i := range l.queues {
		q := make(chan func(), buffer)
		l.queues[i] = q
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for job := range q {
				job()
			}
		}()
	}
	return l
}

// Lane returns the lane index for key.
func (l *Lanes) Lane(key string) int {
	return GetShardID(key) % len(l.queues)
}

// Go enqueues fn on the lane for key. It blocks while the lane is full.
func (l *Lanes) Go(ctx context.Context, key string, fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLanesClosed
	}
	select {
	case l.queues[l.Lane(key)] <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do enqueues fn on the lane for key and waits for it to finish. If ctx ends first
// Do returns ctx.Err() and fn may still run later.
func (l *Lanes) Do(ctx context.Context, key string, fn func()) error {
	done := make(chan struct{})
	if err := l.Go(ctx, key, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, runs what is already queued and waits for the lanes
// to exit.
func (l *Lanes) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		for _, q := range l.queues {
			close(q)
		}
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Pending returns the number of jobs queued but not yet started across all lanes.
func (l *Lanes) Pending() int {
	n := 0
	for _, q := range l.queues {
		n += len(q)
	}
	return n
}
