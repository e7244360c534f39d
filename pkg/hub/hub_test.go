package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/ethpandaops/dvtoor/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHub(buffer int) *Hub {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return New(log, nil, buffer)
}

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()

	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")

		return Event{}
	}
}

func assertEmpty(t *testing.T, sub *Subscriber) {
	t.Helper()

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestHub_TwoSubscribersWithDetach(t *testing.T) {
	h := newHub(8)

	a := h.Subscribe()
	b := h.Subscribe()
	assert.Equal(t, 2, h.Count())

	h.Publish(Event{Type: EventStarted, RunID: "run-1"})

	assert.Equal(t, "run-1", receive(t, a).RunID)
	assert.Equal(t, "run-1", receive(t, b).RunID)

	h.Unsubscribe(b)
	assert.Equal(t, 1, h.Count())

	h.Publish(Event{Type: EventCompleted, RunID: "run-1"})

	ev := receive(t, a)
	assert.Equal(t, EventCompleted, ev.Type)
	assertEmpty(t, b)

	select {
	case <-b.Done():
	default:
		t.Fatal("detached subscriber should be done")
	}

	// Second detach is harmless.
	h.Unsubscribe(b)
	assert.Equal(t, 1, h.Count())
}

func TestHub_NoReplayForLateSubscribers(t *testing.T) {
	h := newHub(8)

	h.Publish(Event{Type: EventStarted, RunID: "early"})

	late := h.Subscribe()
	assertEmpty(t, late)

	h.Publish(Event{Type: EventStarted, RunID: "late"})
	assert.Equal(t, "late", receive(t, late).RunID)
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h := newHub(8)

	assert.NotPanics(t, func() {
		h.Publish(Event{Type: EventFailed, RunID: "run-1", Error: "boom"})
	})
}

func TestHub_EvictsSlowSubscriber(t *testing.T) {
	m := metrics.New(config.MetricsConfig{Enabled: true, Namespace: "test"})

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	h := New(log, m, 1)

	slow := h.Subscribe()
	fast := h.Subscribe()

	h.Publish(Event{Type: EventStarted, RunID: "run-1"})
	receive(t, fast)

	// slow never drained its single slot.
	h.Publish(Event{Type: EventCompleted, RunID: "run-1"})

	assert.Equal(t, 1, h.Count())
	assert.Equal(t, EventCompleted, receive(t, fast).Type)

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow subscriber should be evicted")
	}

	count, err := testutil.GatherAndCount(m.Registry(), "test_subscriber_evictions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHub_Close(t *testing.T) {
	h := newHub(8)
	sub := h.Subscribe()

	h.Close()
	assert.Equal(t, 0, h.Count())

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscriber should be done after close")
	}

	h.Publish(Event{Type: EventStarted})
	assertEmpty(t, sub)

	after := h.Subscribe()

	select {
	case <-after.Done():
	default:
		t.Fatal("subscribing to a closed hub returns a detached subscriber")
	}

	assert.Equal(t, 0, h.Count())
	h.Close()
}

func TestHub_ConcurrentPublishAndDetach(t *testing.T) {
	h := newHub(4)

	subs := make([]*Subscriber, 20)
	for i := range subs {
		subs[i] = h.Subscribe()
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		for range 100 {
			h.Publish(Event{Type: EventStarted, RunID: "run"})
		}
	}()

	go func() {
		defer wg.Done()

		for _, s := range subs {
			h.Unsubscribe(s)
		}
	}()

	wg.Wait()

	assert.Equal(t, 0, h.Count())
}

func TestHub_DetachLogsConnectedDuration(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	h := New(log, nil, 1)

	before := time.Now()
	sub := h.Subscribe()
	assert.False(t, sub.AttachedAt().Before(before))

	time.Sleep(5 * time.Millisecond)
	h.Unsubscribe(sub)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Subscriber detached", entry.Message)

	connected, err := time.ParseDuration(entry.Data["connected"].(string))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, connected, 5*time.Millisecond)
}
