package services

import (
	"context"
	"sync"
	"time"

	"github.com/plantsync/engine/internal/observability"
)

// Probe checks whether the sync endpoint is reachable right now
type Probe interface {
	Probe(ctx context.Context) error
}

// ConnectivityMonitor tracks online/offline state. Platform hooks push
// transitions through SetOnline; a periodic probe catches transitions the
// platform never reports. Offline-to-online edges fire the registered
// callbacks, which is how the sync worker learns it should drain.
type ConnectivityMonitor struct {
	probe    Probe
	interval time.Duration
	events   *EventStream
	log      *observability.Logger

	mu       sync.RWMutex
	online   bool
	onOnline []func()
}

// NewConnectivityMonitor creates a new ConnectivityMonitor. The engine starts
// offline and stays offline until a probe or a platform hook says otherwise.
func NewConnectivityMonitor(probe Probe, interval time.Duration, events *EventStream) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ConnectivityMonitor{
		probe:    probe,
		interval: interval,
		events:   events,
		log:      observability.WithField("component", "connectivity"),
	}
}

// OnOnline registers a callback for offline-to-online transitions. Callbacks
// run synchronously on the transition and must not block.
func (c *ConnectivityMonitor) OnOnline(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOnline = append(c.onOnline, fn)
}

// Online reports the last observed connectivity state
func (c *ConnectivityMonitor) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// SetOnline records a connectivity transition pushed by the platform
func (c *ConnectivityMonitor) SetOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	var callbacks []func()
	if changed && online {
		callbacks = append(callbacks, c.onOnline...)
	}
	c.mu.Unlock()

	if !changed {
		return
	}

	status := "offline"
	if online {
		status = "online"
	}
	c.log.Infof("Connectivity changed: %s", status)
	if c.events != nil {
		c.events.Publish(Event{Type: EventConnectivity, Status: status})
	}
	for _, fn := range callbacks {
		fn()
	}
}

// Run probes connectivity on a fixed interval until the context ends. An
// immediate probe runs first so startup does not wait a full interval.
func (c *ConnectivityMonitor) Run(ctx context.Context) {
	c.probeOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx)
		}
	}
}

func (c *ConnectivityMonitor) probeOnce(ctx context.Context) {
	if c.probe == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := c.probe.Probe(probeCtx)
	c.SetOnline(err == nil)
}
