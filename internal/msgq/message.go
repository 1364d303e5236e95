// Package msgq implements the work dispatch at the centre of the pipeline:
// identity-deduplicated messages, a FIFO queue with optional batch
// coalescing, and the worker pools that drain it.
package msgq

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned by Response when the completion slot is not
	// filled within the requested window.
	ErrTimeout = errors.New("msgq: timed out waiting for response")
	// ErrQueueFull is returned by Put when the queue already holds MaxLen
	// unresolved messages.
	ErrQueueFull = errors.New("msgq: queue is full")
	// ErrBatchingDisabled is returned by Put when a batch id is passed to a
	// queue that was not configured for batching.
	ErrBatchingDisabled = errors.New("msgq: batching not enabled on this queue")
	// ErrBatchMismatch fails a batch whose members disagree on handler,
	// arity or keyword keys.
	ErrBatchMismatch = errors.New("msgq: messages are not batch compatible")
)

// Handler is a stage-supplied processing function. Positional arguments at
// batchable indices may be lists (one entry per batched message).
type Handler func(args []any, kwargs map[string]any) (any, error)

// Payload carries the positional and keyword-style arguments of one message.
type Payload struct {
	Args   []any
	Kwargs map[string]any
}

// Message is a typed work unit. Two messages with equal id are the same
// work: the queue hands out the already-registered message instead of
// constructing a duplicate.
type Message struct {
	id      string
	batchID string
	handler Handler

	batchArgs   []int
	batchKwargs []string

	started atomic.Bool

	mu      sync.Mutex
	payload *Payload
	value   any
	err     error
	done    chan struct{}

	// claimed is guarded by the owning queue's lock, not by mu.
	claimed bool

	onDone func()
}

func newMessage(id, batchID string, p Payload, h Handler, batchArgs []int, batchKwargs []string) *Message {
	return &Message{
		id:          id,
		batchID:     batchID,
		handler:     h,
		batchArgs:   batchArgs,
		batchKwargs: batchKwargs,
		payload:     &p,
		done:        make(chan struct{}),
	}
}

// ID returns the message identity.
func (m *Message) ID() string { return m.id }

// Released reports whether the payload and handler references have been
// dropped. Both go when the completion slot is filled, so resolved messages
// never pin their inputs.
func (m *Message) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payload == nil && m.handler == nil
}

// Resolved reports whether the completion slot has been filled.
func (m *Message) Resolved() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Resolve invokes the handler once with the stored payload, capturing the
// returned value or error into the completion slot. The payload reference is
// dropped immediately afterwards so large inputs do not stay pinned for the
// lifetime of the registry.
func (m *Message) Resolve() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	p := m.takePayload()
	if p == nil {
		return
	}
	value, err := safeCall(m.handler, p.Args, p.Kwargs)
	m.complete(value, err)
}

// BatchResolve groups m with others into one handler invocation. Batchable
// positions are collected into lists preserving message order; the handler's
// result, a sequence of the batch's length, is distributed back to the
// completion slots in the same order. A failure fails every member.
func (m *Message) BatchResolve(others []*Message) {
	batch := append([]*Message{m}, others...)
	for _, member := range batch {
		if !member.started.CompareAndSwap(false, true) {
			// A member resolved elsewhere cannot take part anymore.
			continue
		}
	}

	payloads := make([]*Payload, len(batch))
	for i, member := range batch {
		payloads[i] = member.takePayload()
		if payloads[i] == nil {
			failBatch(batch, fmt.Errorf("%w: member %q has no payload", ErrBatchMismatch, member.id))
			return
		}
	}

	if err := m.checkCompatible(batch, payloads); err != nil {
		failBatch(batch, err)
		return
	}

	args, kwargs := m.mergePayloads(payloads)
	result, err := safeCall(m.handler, args, kwargs)
	if err != nil {
		failBatch(batch, err)
		return
	}

	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Slice || rv.Len() != len(batch) {
		failBatch(batch, fmt.Errorf("%w: handler returned %d results for %d messages",
			ErrBatchMismatch, sliceLen(rv), len(batch)))
		return
	}
	for i, member := range batch {
		member.complete(rv.Index(i).Interface(), nil)
	}
}

// Response blocks until the completion slot is filled or timeout elapses.
// A non-positive timeout waits indefinitely.
func (m *Message) Response(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		<-m.done
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-m.done:
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.err
}

func (m *Message) takePayload() *Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payload
	m.payload = nil
	return p
}

func (m *Message) complete(value any, err error) {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return
	default:
	}
	m.value = value
	m.err = err
	m.payload = nil
	m.handler = nil
	close(m.done)
	m.mu.Unlock()

	if m.onDone != nil {
		m.onDone()
	}
}

func (m *Message) checkCompatible(batch []*Message, payloads []*Payload) error {
	base := reflect.ValueOf(m.handler).Pointer()
	for i, member := range batch {
		if reflect.ValueOf(member.handler).Pointer() != base {
			return fmt.Errorf("%w: member %q uses a different handler", ErrBatchMismatch, member.id)
		}
		if len(payloads[i].Args) != len(payloads[0].Args) {
			return fmt.Errorf("%w: member %q has arity %d, want %d",
				ErrBatchMismatch, member.id, len(payloads[i].Args), len(payloads[0].Args))
		}
		if !sameKeys(payloads[i].Kwargs, payloads[0].Kwargs) {
			return fmt.Errorf("%w: member %q has different keyword keys", ErrBatchMismatch, member.id)
		}
	}
	return nil
}

// mergePayloads places batchable positions into lists, one entry per
// message in order, while non-batchable positions are passed once.
func (m *Message) mergePayloads(payloads []*Payload) ([]any, map[string]any) {
	args := make([]any, len(payloads[0].Args))
	for i := range args {
		if containsInt(m.batchArgs, i) {
			list := make([]any, len(payloads))
			for j, p := range payloads {
				list[j] = p.Args[i]
			}
			args[i] = list
		} else {
			args[i] = payloads[0].Args[i]
		}
	}

	var kwargs map[string]any
	if len(payloads[0].Kwargs) > 0 {
		kwargs = make(map[string]any, len(payloads[0].Kwargs))
		for k, v := range payloads[0].Kwargs {
			if containsString(m.batchKwargs, k) {
				list := make([]any, len(payloads))
				for j, p := range payloads {
					list[j] = p.Kwargs[k]
				}
				kwargs[k] = list
			} else {
				kwargs[k] = v
			}
		}
	}
	return args, kwargs
}

func failBatch(batch []*Message, err error) {
	for _, member := range batch {
		member.complete(nil, err)
	}
}

func safeCall(h Handler, args []any, kwargs map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("msgq: handler panicked: %v", r)
		}
	}()
	return h(args, kwargs)
}

func sliceLen(rv reflect.Value) int {
	if rv.Kind() == reflect.Slice {
		return rv.Len()
	}
	return -1
}

func sameKeys(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
