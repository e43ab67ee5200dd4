package serial

import (
	"context"
	"sync"
)

// Sink receives complete, trimmed lines in the order they arrived on the wire.
//
// Deliver is called from the receive worker only. ctx is cancelled when Stop is
// called, so a Sink that may block must give up once ctx is done; the line is
// then dropped. Deliver must not call Stop on the transport feeding it.
type Sink interface {
	Deliver(ctx context.Context, line string) error
}

// SinkFunc adapts a plain function to a Sink. The function should not block.
type SinkFunc func(line string)

// Deliver calls f(line).
func (f SinkFunc) Deliver(_ context.Context, line string) error {
	f(line)
	return nil
}

type chanSink chan<- string

// ChanSink returns a Sink that sends each line on ch. A full channel applies
// backpressure to the receive worker until the consumer catches up or Stop is called.
func ChanSink(ch chan<- string) Sink {
	return chanSink(ch)
}

// Deliver sends line on the channel or returns ctx.Err() once ctx is done.
func (c chanSink) Deliver(ctx context.Context, line string) error {
	select {
	case c <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue is an unbounded FIFO of received lines. Deliver never blocks.
// The zero value is ready to use.
type Queue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

// Deliver appends line to the queue and wakes a waiting Get.
func (q *Queue) Deliver(_ context.Context, line string) error {
	q.mu.Lock()
	q.items = append(q.items, line)
	if q.notify != nil {
		close(q.notify)
		q.notify = nil
	}
	q.mu.Unlock()
	return nil
}

// Get removes and returns the oldest line, waiting until one is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			line := q.pop()
			q.mu.Unlock()
			return line, nil
		}
		if q.notify == nil {
			q.notify = make(chan struct{})
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// TryGet removes and returns the oldest line if there is one.
func (q *Queue) TryGet() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	return q.pop(), true
}

// Len returns the number of queued lines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pop() string {
	line := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return line
}
