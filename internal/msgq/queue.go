package msgq

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultBatchTimeout = 500 * time.Millisecond
	// defaultBuffer sizes the fifo channel and so bounds in-flight entries
	// even when MaxLen is zero.
	defaultBuffer = 10000
)

// Config configures a Queue. The zero value gives a deduplicating,
// non-batching queue bounded only by the fifo buffer.
type Config struct {
	// DisableReuse turns off identity deduplication: every Put constructs a
	// fresh message. Reuse is on by default.
	DisableReuse bool
	// MaxLen bounds the number of unresolved messages; Put fails with
	// ErrQueueFull when it is exceeded. Zero means no explicit bound, but
	// the fifo buffer still caps in-flight entries at defaultBuffer.
	MaxLen int
	// AllowBatching enables batch pools. Requires BatchArgs or BatchKwargs.
	AllowBatching bool
	// BatchTimeout is the coalescing window a batch waits for more members
	// after its first message is dequeued.
	BatchTimeout time.Duration
	// BatchArgs lists positional indices whose values are batchable.
	BatchArgs []int
	// BatchKwargs lists keyword keys whose values are batchable.
	BatchKwargs []string
}

// Queue is a single-producer/multi-consumer FIFO with identity
// deduplication and optional batch coalescing.
type Queue struct {
	config Config

	fifo chan *Message

	mu       sync.Mutex
	registry map[string]*Message
	batches  map[string][]*Message
	pending  int
}

// NewQueue validates the configuration and constructs a queue.
func NewQueue(config Config) (*Queue, error) {
	if config.AllowBatching && len(config.BatchArgs) == 0 && len(config.BatchKwargs) == 0 {
		return nil, fmt.Errorf("msgq: batching enabled without batch args or kwargs")
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = defaultBatchTimeout
	}
	buffer := defaultBuffer
	if config.MaxLen > buffer {
		buffer = config.MaxLen
	}
	return &Queue{
		config:   config,
		fifo:     make(chan *Message, buffer),
		registry: make(map[string]*Message),
		batches:  make(map[string][]*Message),
	}, nil
}

// Put registers and enqueues a message. When reuse is on and id is already
// registered, pending or resolved, the existing message is returned and
// nothing is enqueued. A non-empty batchID adds the message to the batch
// pool with that key.
func (q *Queue) Put(id string, p Payload, h Handler, batchID string) (*Message, error) {
	if batchID != "" && !q.config.AllowBatching {
		return nil, ErrBatchingDisabled
	}

	q.mu.Lock()
	if !q.config.DisableReuse {
		if existing, ok := q.registry[id]; ok {
			q.mu.Unlock()
			return existing, nil
		}
	}
	if q.config.MaxLen > 0 && q.pending >= q.config.MaxLen {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	msg := newMessage(id, batchID, p, h, q.config.BatchArgs, q.config.BatchKwargs)
	msg.onDone = q.messageDone

	// Enqueue before registering, still under the lock, so a concurrent Put
	// with the same id can never observe a message that failed to enqueue.
	// The send cannot block: the buffer covers MaxLen (or the default bound).
	select {
	case q.fifo <- msg:
	default:
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	if !q.config.DisableReuse {
		q.registry[id] = msg
	}
	q.pending++
	if batchID != "" {
		q.batches[batchID] = append(q.batches[batchID], msg)
	}
	q.mu.Unlock()
	return msg, nil
}

// Get dequeues the next unclaimed entry, waiting up to timeout for one to
// arrive. A message belonging to a batch pool first waits BatchTimeout so
// more members can accumulate, then the whole pool is drained and returned;
// the members remaining in the fifo are skipped by later calls.
func (q *Queue) Get(timeout time.Duration) ([]*Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		var msg *Message
		timer := time.NewTimer(remaining)
		select {
		case msg = <-q.fifo:
			timer.Stop()
		case <-timer.C:
			return nil, false
		}

		q.mu.Lock()
		if msg.claimed {
			q.mu.Unlock()
			continue
		}
		if msg.batchID == "" {
			msg.claimed = true
			q.mu.Unlock()
			return []*Message{msg}, true
		}
		q.mu.Unlock()

		// Coalescing window: let more batch members arrive before draining.
		time.Sleep(q.config.BatchTimeout)

		q.mu.Lock()
		pool := q.batches[msg.batchID]
		delete(q.batches, msg.batchID)
		for _, member := range pool {
			member.claimed = true
		}
		q.mu.Unlock()

		if len(pool) == 0 {
			// The pool was drained by a competing worker while we slept.
			continue
		}
		return pool, true
	}
}

// GetMsg looks up a registered message by id. Requires reuse.
func (q *Queue) GetMsg(id string) (*Message, bool) {
	if q.config.DisableReuse {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.registry[id]
	return msg, ok
}

// Pending returns the number of unresolved messages.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *Queue) messageDone() {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
}
