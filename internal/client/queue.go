package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/xremote/internal/message"
)

var errQueueFull = errors.New("request queue full")

// job is one request waiting for a channel. reply is buffered so the
// handler never blocks on a caller that gave up; it is nil for the
// shutdown marker.
type job struct {
	id       uuid.UUID
	req      message.Request
	reply    chan message.Response
	enqueued time.Time
}

func newJob(req message.Request) *job {
	return &job{
		id:       uuid.New(),
		req:      req,
		reply:    make(chan message.Response, 1),
		enqueued: time.Now(),
	}
}

func (j *job) marker() bool { return j.reply == nil }

func (j *job) deliver(resp message.Response) {
	if j.reply == nil {
		return
	}
	select {
	case j.reply <- resp:
	default:
	}
}

// queue is a bounded FIFO shared by every channel handler. pending counts
// jobs in the channel; active counts jobs taken by a handler and not yet
// answered. A job moves from pending to active without a window where it
// is counted in neither.
type queue struct {
	ch      chan *job
	pending atomic.Int64
	active  atomic.Int64
}

func newQueue(capacity int) *queue {
	return &queue{ch: make(chan *job, capacity)}
}

// push enqueues j, waiting up to wait for room.
func (q *queue) push(ctx context.Context, j *job, wait time.Duration) error {
	q.pending.Add(1)
	select {
	case q.ch <- j:
		return nil
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case q.ch <- j:
		return nil
	case <-timer.C:
		q.pending.Add(-1)
		return errQueueFull
	case <-ctx.Done():
		q.pending.Add(-1)
		return ctx.Err()
	}
}

// pop takes the next job, waiting at most timeout. The caller must call
// done once the job is answered.
func (q *queue) pop(timeout time.Duration) (*job, bool) {
	var j *job
	select {
	case j = <-q.ch:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case j = <-q.ch:
		case <-timer.C:
			return nil, false
		}
	}
	q.active.Add(1)
	q.pending.Add(-1)
	return j, true
}

func (q *queue) done() { q.active.Add(-1) }

// idle reports whether nothing is queued or in flight.
func (q *queue) idle() bool {
	return q.pending.Load() == 0 && q.active.Load() == 0
}

// drain removes every queued job without marking it active.
func (q *queue) drain() []*job {
	var out []*job
	for {
		select {
		case j := <-q.ch:
			q.pending.Add(-1)
			out = append(out, j)
		default:
			return out
		}
	}
}
