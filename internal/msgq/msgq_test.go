package msgq

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, config Config) *Queue {
	t.Helper()
	q, err := NewQueue(config)
	require.NoError(t, err)
	return q
}

func startPool(t *testing.T, q *Queue, workers int) *WorkerPool {
	t.Helper()
	wp := NewWorkerPool(q, WorkerConfig{
		WorkerCount:  workers,
		PollInterval: 10 * time.Millisecond,
	})
	wp.Start()
	t.Cleanup(wp.Stop)
	return wp
}

func TestDedupUnderContention(t *testing.T) {
	q := newTestQueue(t, Config{})
	startPool(t, q, 4)

	var calls atomic.Int64
	handler := func(args []any, _ map[string]any) (any, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return args[0], nil
	}

	var wg sync.WaitGroup
	results := make([]any, 100)
	errs := make([]error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := q.Put("k", Payload{Args: []any{"x"}}, handler, "")
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = msg.Response(5 * time.Second)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "handler invoked exactly once")
	for i := 0; i < 100; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "x", results[i])
	}
}

func TestReuseReturnsResolvedResult(t *testing.T) {
	q := newTestQueue(t, Config{})
	startPool(t, q, 1)

	var calls atomic.Int64
	handler := func(args []any, _ map[string]any) (any, error) {
		calls.Add(1)
		return args[0], nil
	}

	first, err := q.Put("id", Payload{Args: []any{42}}, handler, "")
	require.NoError(t, err)
	v, err := first.Response(time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	// A later Put with the same id returns the already-resolved message.
	second, err := q.Put("id", Payload{Args: []any{99}}, handler, "")
	require.NoError(t, err)
	assert.Same(t, first, second)
	v, err = second.Response(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int64(1), calls.Load())
}

func TestBatchCoalescing(t *testing.T) {
	q := newTestQueue(t, Config{
		AllowBatching: true,
		BatchArgs:     []int{0},
		BatchTimeout:  20 * time.Millisecond,
	})
	startPool(t, q, 1)

	var calls atomic.Int64
	handler := func(args []any, _ map[string]any) (any, error) {
		calls.Add(1)
		lists := args[0].([]any)
		out := make([]any, len(lists))
		for i, l := range lists {
			tokens := l.([]string)
			out[i] = strings.Join(tokens, "")
		}
		return out, nil
	}

	inputs := [][]string{{"a"}, {"b"}, {"c"}}
	msgs := make([]*Message, len(inputs))
	for i, tokens := range inputs {
		msg, err := q.Put(fmt.Sprintf("m%d", i), Payload{Args: []any{tokens}}, handler, "b")
		require.NoError(t, err)
		msgs[i] = msg
	}

	want := []string{"a", "b", "c"}
	for i, msg := range msgs {
		v, err := msg.Response(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, want[i], v, "outputs are distributed in arrival order")
	}
	assert.Equal(t, int64(1), calls.Load(), "batch resolved with one handler call")
}

func TestBatchIDOnNonBatchingQueue(t *testing.T) {
	q := newTestQueue(t, Config{})
	_, err := q.Put("id", Payload{}, func([]any, map[string]any) (any, error) { return nil, nil }, "b")
	assert.ErrorIs(t, err, ErrBatchingDisabled)
}

func TestBatchingWithoutArgsIsConfigError(t *testing.T) {
	_, err := NewQueue(Config{AllowBatching: true})
	assert.Error(t, err)
}

func TestBatchFailureFailsAllMembers(t *testing.T) {
	q := newTestQueue(t, Config{
		AllowBatching: true,
		BatchArgs:     []int{0},
		BatchTimeout:  10 * time.Millisecond,
	})
	startPool(t, q, 1)

	boom := errors.New("stage exploded")
	handler := func([]any, map[string]any) (any, error) { return nil, boom }

	a, err := q.Put("a", Payload{Args: []any{1}}, handler, "grp")
	require.NoError(t, err)
	b, err := q.Put("b", Payload{Args: []any{2}}, handler, "grp")
	require.NoError(t, err)

	_, errA := a.Response(5 * time.Second)
	_, errB := b.Response(5 * time.Second)
	assert.ErrorIs(t, errA, boom)
	assert.ErrorIs(t, errB, boom)
}

func TestHandlerErrorDoesNotKillWorker(t *testing.T) {
	q := newTestQueue(t, Config{})
	startPool(t, q, 1)

	failing := func([]any, map[string]any) (any, error) { return nil, errors.New("nope") }
	ok := func(args []any, _ map[string]any) (any, error) { return args[0], nil }

	bad, err := q.Put("bad", Payload{Args: []any{0}}, failing, "")
	require.NoError(t, err)
	_, err = bad.Response(5 * time.Second)
	assert.Error(t, err)

	good, err := q.Put("good", Payload{Args: []any{"still alive"}}, ok, "")
	require.NoError(t, err)
	v, err := good.Response(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
}

func TestHandlerPanicIsCaptured(t *testing.T) {
	q := newTestQueue(t, Config{})
	startPool(t, q, 1)

	msg, err := q.Put("p", Payload{}, func([]any, map[string]any) (any, error) {
		panic("kaboom")
	}, "")
	require.NoError(t, err)

	_, err = msg.Response(5 * time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestMaxLen(t *testing.T) {
	q := newTestQueue(t, Config{MaxLen: 2})
	handler := func([]any, map[string]any) (any, error) { return nil, nil }

	_, err := q.Put("1", Payload{}, handler, "")
	require.NoError(t, err)
	_, err = q.Put("2", Payload{}, handler, "")
	require.NoError(t, err)
	_, err = q.Put("3", Payload{}, handler, "")
	assert.ErrorIs(t, err, ErrQueueFull)

	// Draining frees capacity again.
	startPool(t, q, 1)
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 10*time.Millisecond)
	_, err = q.Put("3", Payload{}, handler, "")
	assert.NoError(t, err)
}

func TestResponseTimeout(t *testing.T) {
	q := newTestQueue(t, Config{})
	// No workers: the message never resolves.
	msg, err := q.Put("slow", Payload{}, func([]any, map[string]any) (any, error) { return nil, nil }, "")
	require.NoError(t, err)

	_, err = msg.Response(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGetMsg(t *testing.T) {
	q := newTestQueue(t, Config{})
	put, err := q.Put("known", Payload{}, func([]any, map[string]any) (any, error) { return nil, nil }, "")
	require.NoError(t, err)

	got, ok := q.GetMsg("known")
	require.True(t, ok)
	assert.Same(t, put, got)

	_, ok = q.GetMsg("unknown")
	assert.False(t, ok)

	noReuse := newTestQueue(t, Config{DisableReuse: true})
	_, err = noReuse.Put("x", Payload{}, func([]any, map[string]any) (any, error) { return nil, nil }, "")
	require.NoError(t, err)
	_, ok = noReuse.GetMsg("x")
	assert.False(t, ok, "GetMsg requires reuse")
}

func TestFIFOOrder(t *testing.T) {
	q := newTestQueue(t, Config{})

	var mu sync.Mutex
	var order []int
	handler := func(args []any, _ map[string]any) (any, error) {
		mu.Lock()
		order = append(order, args[0].(int))
		mu.Unlock()
		return nil, nil
	}

	var msgs []*Message
	for i := 0; i < 10; i++ {
		msg, err := q.Put(fmt.Sprintf("%d", i), Payload{Args: []any{i}}, handler, "")
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	// A single worker preserves put order.
	startPool(t, q, 1)
	for _, msg := range msgs {
		_, err := msg.Response(5 * time.Second)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPayloadDroppedAfterResolve(t *testing.T) {
	q := newTestQueue(t, Config{})
	startPool(t, q, 1)

	big := make([]byte, 1<<20)
	msg, err := q.Put("img", Payload{Args: []any{big}}, func(args []any, _ map[string]any) (any, error) {
		return len(args[0].([]byte)), nil
	}, "")
	require.NoError(t, err)

	v, err := msg.Response(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1<<20, v)
	assert.Nil(t, msg.payload, "payload reference dropped after resolution")
	assert.Nil(t, msg.handler, "handler reference dropped after resolution")
}

func TestFailedPutLeavesNoRegistration(t *testing.T) {
	q := newTestQueue(t, Config{MaxLen: 1})
	handler := func([]any, map[string]any) (any, error) { return nil, nil }

	// Shrink the fifo below MaxLen so the enqueue itself is what fails.
	q.fifo = make(chan *Message)

	_, err := q.Put("full", Payload{}, handler, "")
	require.ErrorIs(t, err, ErrQueueFull)

	// A failed Put must not be visible to concurrent same-id callers:
	// a stranded registered message would never resolve.
	_, ok := q.GetMsg("full")
	assert.False(t, ok)
	assert.Equal(t, 0, q.Pending())
}
