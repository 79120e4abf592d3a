package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_ExactSubscription(t *testing.T) {
	b := New()
	got := make(chan Event, 1)
	b.On("workeffort:created", func(ev Event) error { got <- ev; return nil })

	b.Emit("workeffort:created", map[string]string{"id": "WE-260101-ab12"}, nil)
	b.Emit("ticket:created", map[string]string{"id": "TKT-ab12-001"}, nil)

	select {
	case ev := <-got:
		assert.Equal(t, "workeffort:created", ev.Type)
		assert.NotZero(t, ev.Meta["timestamp"])
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
	assert.Empty(t, got)
}

func TestBus_NamespaceWildcard(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var seen []string
	b.On("workeffort:*", func(ev Event) error {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		return nil
	})

	b.Emit("workeffort:created", nil, nil)
	b.Emit("workeffort:completed", nil, nil)
	b.Emit("ticket:created", nil, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"workeffort:created", "workeffort:completed"}, seen)
}

func TestBus_GlobalWildcard(t *testing.T) {
	b := New()
	count := 0
	b.On("*", func(ev Event) error { count++; return nil })

	b.Emit("a", nil, nil)
	b.Emit("b", nil, nil)

	assert.Equal(t, 2, count)
}

func TestBus_Once(t *testing.T) {
	b := New()
	count := 0
	b.Once("x", func(ev Event) error { count++; return nil })

	b.Emit("x", nil, nil)
	b.Emit("x", nil, nil)

	assert.Equal(t, 1, count)
}

func TestBus_PriorityOrder(t *testing.T) {
	b := New()
	var order []int
	b.OnPriority("x", 1, func(ev Event) error { order = append(order, 1); return nil })
	b.OnPriority("x", 10, func(ev Event) error { order = append(order, 10); return nil })
	b.OnPriority("x", 5, func(ev Event) error { order = append(order, 5); return nil })

	b.Emit("x", nil, nil)

	assert.Equal(t, []int{10, 5, 1}, order)
}

func TestBus_MiddlewareStopsPropagation(t *testing.T) {
	b := New()
	b.Use(func(ev Event) bool { return ev.Type != "blocked" })
	fired := false
	b.On("*", func(ev Event) error { fired = true; return nil })

	b.Emit("blocked", nil, nil)
	assert.False(t, fired)

	b.Emit("allowed", nil, nil)
	assert.True(t, fired)
}

func TestBus_HandlerErrorDoesNotBlockOthers(t *testing.T) {
	b := New()
	secondRan := false
	b.On("x", func(ev Event) error { return errors.New("boom") })
	b.On("x", func(ev Event) error { secondRan = true; return nil })

	b.Emit("x", nil, nil)
	assert.True(t, secondRan)
}

func TestBus_History(t *testing.T) {
	b := New()
	b.Emit("a", nil, nil)
	b.Emit("b", nil, nil)

	hist := b.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "a", hist[0].Type)
	assert.Equal(t, "b", hist[1].Type)
}

func TestBus_EmitBatchedCoalesces(t *testing.T) {
	b := New()
	b.batchWin = 20 * time.Millisecond
	got := make(chan Event, 4)
	b.On("burst", func(ev Event) error { got <- ev; return nil })

	for i := 0; i < 3; i++ {
		b.EmitBatched("burst", i, nil)
	}

	select {
	case ev := <-got:
		payload, ok := ev.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, true, payload["batch"])
		assert.Equal(t, 3, payload["count"])
	case <-time.After(time.Second):
		t.Fatal("expected one batched emission")
	}
	assert.Empty(t, got)
}

func TestBus_PauseResumeReplaysQueued(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var seen []string
	b.On("*", func(ev Event) error {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		return nil
	})

	b.Pause()
	b.Emit("a", nil, nil)
	b.Emit("b", nil, nil)

	mu.Lock()
	assert.Empty(t, seen)
	mu.Unlock()

	b.Resume()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestUnsubscribe_RemovesHandler(t *testing.T) {
	b := New()
	count := 0
	unsub := b.On("x", func(ev Event) error { count++; return nil })

	b.Emit("x", nil, nil)
	unsub()
	b.Emit("x", nil, nil)

	assert.Equal(t, 1, count)
}
