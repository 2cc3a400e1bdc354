package broker

import (
	"context"
	"sync"
)

// Queue is an in-process Source and Publisher backed by a single ordered
// partition. Committed offsets are tracked so tests can assert on them.
type Queue struct {
	topic string
	ch    chan Message
	done  chan struct{}
	once  sync.Once

	mu        sync.Mutex
	next      int64
	committed int64
}

func NewQueue(topic string, size int) *Queue {
	return &Queue{
		topic:     topic,
		ch:        make(chan Message, size),
		done:      make(chan struct{}),
		committed: -1,
	}
}

// Publish enqueues value. Offsets are assigned under the lock so they follow
// enqueue order.
func (q *Queue) Publish(ctx context.Context, key string, value []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	msg := Message{Topic: q.topic, Offset: q.next, Key: key, Value: value}
	select {
	case q.ch <- msg:
		q.next++
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Fetch(ctx context.Context) (Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-q.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (q *Queue) Commit(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg.Offset > q.committed {
		q.committed = msg.Offset
	}
	return nil
}

// Committed returns the highest committed offset, or -1.
func (q *Queue) Committed() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committed
}

func (q *Queue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
