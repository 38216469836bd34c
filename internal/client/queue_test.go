package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/xremote/internal/message"
)

func TestQueue_PopMovesPendingToActive(t *testing.T) {
	q := newQueue(4)
	require.True(t, q.idle())

	j := newJob(&message.ShellRequest{Cmd: []string{"true"}})
	require.NoError(t, q.push(context.Background(), j, time.Second))
	require.EqualValues(t, 1, q.pending.Load())
	require.False(t, q.idle())

	got, ok := q.pop(10 * time.Millisecond)
	require.True(t, ok)
	require.Same(t, j, got)
	require.EqualValues(t, 0, q.pending.Load())
	require.EqualValues(t, 1, q.active.Load())
	require.False(t, q.idle())

	q.done()
	require.True(t, q.idle())
}

func TestQueue_PopTimesOutWhenEmpty(t *testing.T) {
	q := newQueue(1)
	start := time.Now()
	_, ok := q.pop(50 * time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.True(t, q.idle())
}

func TestQueue_PushFullTimesOut(t *testing.T) {
	q := newQueue(1)
	require.NoError(t, q.push(context.Background(), newJob(&message.PortRequest{}), time.Second))
	err := q.push(context.Background(), newJob(&message.PortRequest{}), 20*time.Millisecond)
	require.ErrorIs(t, err, errQueueFull)
	require.EqualValues(t, 1, q.pending.Load())
}

func TestQueue_DrainCountsDown(t *testing.T) {
	q := newQueue(8)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.push(context.Background(), newJob(&message.PortRequest{}), time.Second))
	}
	require.Len(t, q.drain(), 3)
	require.True(t, q.idle())
}

// Many consumers against many producers: every job is taken exactly once and
// the counters settle at zero.
func TestQueue_ConcurrentConsumers(t *testing.T) {
	const jobs, consumers = 200, 4
	q := newQueue(16)

	var mu sync.Mutex
	seen := map[*job]int{}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				j, ok := q.pop(5 * time.Millisecond)
				if !ok {
					continue
				}
				mu.Lock()
				seen[j]++
				mu.Unlock()
				j.deliver(&message.PortResponse{})
				q.done()
			}
		}()
	}

	all := make([]*job, jobs)
	for i := range all {
		all[i] = newJob(&message.PortRequest{})
		require.NoError(t, q.push(context.Background(), all[i], time.Second))
	}
	require.Eventually(t, q.idle, 5*time.Second, 5*time.Millisecond)
	close(stop)
	wg.Wait()

	require.Len(t, seen, jobs)
	for _, j := range all {
		require.Equal(t, 1, seen[j])
		require.Len(t, j.reply, 1)
	}
}

func TestJob_DeliverNeverBlocks(t *testing.T) {
	j := newJob(&message.PortRequest{})
	j.deliver(&message.PortResponse{Port: 1})
	j.deliver(&message.PortResponse{Port: 2})
	require.Equal(t, 1, (<-j.reply).(*message.PortResponse).Port)

	marker := &job{req: &message.TerminateRequest{}}
	require.True(t, marker.marker())
	marker.deliver(&message.TerminateResponse{})
}
