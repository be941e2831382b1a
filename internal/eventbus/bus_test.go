package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutByTopic(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	runs, unsubRuns := b.Subscribe(4, "run")
	defer unsubRuns()

	b.Publish(Event{Topic: "run", Data: 1})
	b.Publish(Event{Topic: "other", Data: 2})

	require.Len(t, all, 2)
	require.Len(t, runs, 1)
	ev := <-runs
	require.Equal(t, 1, ev.Data)
	require.False(t, ev.Time.IsZero())
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 3; i++ {
		b.Publish(Event{Topic: "x"})
	}
	require.EqualValues(t, 2, b.Dropped())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Topic: "after"})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, unsub := b.Subscribe(2)
			for j := 0; j < 50; j++ {
				b.Publish(Event{Topic: "t", Data: j})
			}
			unsub()
			for range ch {
			}
		}()
	}
	wg.Wait()
}
