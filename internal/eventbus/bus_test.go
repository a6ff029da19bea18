package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFanOutOrder(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub := bus.SubscribeChan(8)
	defer sub.Close()

	for i := int64(1); i <= 3; i++ {
		bus.Publish(Event{Type: TypeStep, WorkID: "w1", Seq: i})
	}

	for i := int64(1); i <= 3; i++ {
		select {
		case got := <-sub.Events:
			require.Equal(t, i, got.Seq)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSubscribeCallbackAndUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	var mu sync.Mutex
	var seen []int64
	unsubscribe := bus.Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Seq)
		mu.Unlock()
	})

	bus.Publish(Event{Type: TypeStatus, Seq: 1})
	bus.Publish(Event{Type: TypeStatus, Seq: 2})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	bus.Publish(Event{Type: TypeStatus, Seq: 3})
	// A second unsubscribe must be harmless.
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{1, 2}, seen)
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub := bus.SubscribeChan(1)
	defer sub.Close()

	bus.Publish(Event{Type: TypeProgress, Seq: 1})
	bus.Publish(Event{Type: TypeProgress, Seq: 2})

	select {
	case got := <-sub.Events:
		require.Equal(t, int64(2), got.Seq, "oldest event should have been dropped")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for surviving event")
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	bus := New()
	sub := bus.SubscribeChan(4)

	bus.Close()

	_, open := <-sub.Events
	require.False(t, open, "channel should be closed after bus close")

	// Publishing after close must not panic or deliver.
	bus.Publish(Event{Type: TypeStatus, Seq: 9})

	late := bus.SubscribeChan(4)
	_, open = <-late.Events
	require.False(t, open, "subscriptions after close get a closed channel")
}

func TestConcurrentPublishers(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub := bus.SubscribeChan(1024)
	defer sub.Close()

	const publishers = 8
	const perPublisher = 50

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(Event{Type: TypeStep, WorkID: "w1"})
			}
		}()
	}
	wg.Wait()

	got := 0
	for {
		select {
		case <-sub.Events:
			got++
		default:
			require.Equal(t, publishers*perPublisher, got)
			return
		}
	}
}
