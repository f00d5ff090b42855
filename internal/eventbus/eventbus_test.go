package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitUntil(t *testing.T, timeout, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(step)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestBus_DeliversInOrder(t *testing.T) {
	b := New(zap.NewNop())
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var got []int

	b.Subscribe(KindRunning, func(ev Event) error {
		mu.Lock()
		got = append(got, ev.Failures)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindRunning, ProcessName: "web", Failures: i})
	}

	waitUntil(t, time.Second, 5*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestBus_DropsOldestWhenFull(t *testing.T) {
	b := New(zap.NewNop(), WithCapacity(2))
	// Do not Start(): fill the queue synchronously to exercise drop logic.
	b.Publish(Event{Kind: KindRunning, Failures: 1})
	b.Publish(Event{Kind: KindRunning, Failures: 2})
	b.Publish(Event{Kind: KindRunning, Failures: 3})

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.queue, 2)
	require.Equal(t, 2, b.queue[0].Failures)
	require.Equal(t, 3, b.queue[1].Failures)
}

func TestBus_HandlerErrorIsolated(t *testing.T) {
	b := New(zap.NewNop())
	b.Start()
	defer b.Stop()

	var calledSecond atomic.Bool
	b.Subscribe(KindFatal, func(ev Event) error {
		return assertErr
	})
	b.Subscribe(KindFatal, func(ev Event) error {
		calledSecond.Store(true)
		return nil
	})

	b.Publish(Event{Kind: KindFatal, ProcessName: "web"})

	waitUntil(t, time.Second, 5*time.Millisecond, calledSecond.Load)
}

var assertErr = &testError{"boom"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }
