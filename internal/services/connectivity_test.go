package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	mu  sync.Mutex
	err error
}

func (f *fakeProbe) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeProbe) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestConnectivityMonitor(t *testing.T) {
	t.Run("starts offline", func(t *testing.T) {
		monitor := NewConnectivityMonitor(&fakeProbe{}, 0, nil)
		assert.False(t, monitor.Online())
	})

	t.Run("offline to online fires callbacks", func(t *testing.T) {
		monitor := NewConnectivityMonitor(&fakeProbe{}, 0, nil)
		fired := 0
		monitor.OnOnline(func() { fired++ })

		monitor.SetOnline(true)
		assert.True(t, monitor.Online())
		assert.Equal(t, 1, fired)
	})

	t.Run("repeated online reports do not re-fire", func(t *testing.T) {
		monitor := NewConnectivityMonitor(&fakeProbe{}, 0, nil)
		fired := 0
		monitor.OnOnline(func() { fired++ })

		monitor.SetOnline(true)
		monitor.SetOnline(true)
		monitor.SetOnline(true)
		assert.Equal(t, 1, fired)
	})

	t.Run("going offline fires nothing", func(t *testing.T) {
		monitor := NewConnectivityMonitor(&fakeProbe{}, 0, nil)
		fired := 0
		monitor.OnOnline(func() { fired++ })

		monitor.SetOnline(true)
		monitor.SetOnline(false)
		assert.Equal(t, 1, fired)
		assert.False(t, monitor.Online())
	})

	t.Run("each recovery fires again", func(t *testing.T) {
		monitor := NewConnectivityMonitor(&fakeProbe{}, 0, nil)
		fired := 0
		monitor.OnOnline(func() { fired++ })

		monitor.SetOnline(true)
		monitor.SetOnline(false)
		monitor.SetOnline(true)
		assert.Equal(t, 2, fired)
	})

	t.Run("transitions publish connectivity events", func(t *testing.T) {
		events := NewEventStream()
		ch, cancel := events.Subscribe()
		defer cancel()

		monitor := NewConnectivityMonitor(&fakeProbe{}, 0, events)
		monitor.SetOnline(true)
		monitor.SetOnline(false)

		ev := <-ch
		assert.Equal(t, EventConnectivity, ev.Type)
		assert.Equal(t, "online", ev.Status)

		ev = <-ch
		assert.Equal(t, "offline", ev.Status)
	})

	t.Run("probe outcome drives the state", func(t *testing.T) {
		probe := &fakeProbe{err: errors.New("no route to host")}
		monitor := NewConnectivityMonitor(probe, 0, nil)
		ctx := context.Background()

		monitor.probeOnce(ctx)
		assert.False(t, monitor.Online())

		probe.setErr(nil)
		monitor.probeOnce(ctx)
		assert.True(t, monitor.Online())

		probe.setErr(errors.New("timeout"))
		monitor.probeOnce(ctx)
		assert.False(t, monitor.Online())
	})
}

func TestEventStream(t *testing.T) {
	t.Run("fans out to every subscriber", func(t *testing.T) {
		stream := NewEventStream()
		ch1, cancel1 := stream.Subscribe()
		defer cancel1()
		ch2, cancel2 := stream.Subscribe()
		defer cancel2()

		stream.Publish(Event{Type: EventRecordStatus, RecordID: "r1"})

		ev1 := <-ch1
		ev2 := <-ch2
		assert.Equal(t, "r1", ev1.RecordID)
		assert.Equal(t, "r1", ev2.RecordID)
		assert.False(t, ev1.Time.IsZero(), "publish stamps the event time")
	})

	t.Run("cancelled subscribers stop receiving", func(t *testing.T) {
		stream := NewEventStream()
		ch, cancel := stream.Subscribe()
		cancel()

		stream.Publish(Event{Type: EventRecordStatus})
		_, open := <-ch
		assert.False(t, open)
	})

	t.Run("publishing never blocks on a full subscriber", func(t *testing.T) {
		stream := NewEventStream()
		_, cancel := stream.Subscribe()
		defer cancel()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 200; i++ {
				stream.Publish(Event{Type: EventRecordStatus})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			require.Fail(t, "publish blocked on a saturated subscriber")
		}
	})
}
