package resource

import (
	"sync"
	"time"
)

// Usage reports resource consumption as fractions in [0,1].
type Usage struct {
	Disk   float64
	Memory float64
}

// UsageListener receives periodic usage reports.
//
// Callbacks run on the sampler goroutine; a slow listener delays subsequent
// samples, so listeners should hand work off rather than block.
type UsageListener interface {
	UpdateResourceUsage(u Usage)
}

// UsageListenerFunc adapts a function to UsageListener.
type UsageListenerFunc func(Usage)

// UpdateResourceUsage implements UsageListener.
func (f UsageListenerFunc) UpdateResourceUsage(u Usage) { f(u) }

// Registration is a scoped listener registration. Closing it unregisters
// the listener; Close is idempotent.
type Registration struct {
	once sync.Once
	drop func()
}

// Close unregisters the listener.
func (r *Registration) Close() {
	r.once.Do(r.drop)
}

// UsageSource produces a usage sample on demand.
type UsageSource func() Usage

// UsageMonitor periodically samples a UsageSource and fans the result out to
// registered listeners. Registration uses its own mutex, distinct from any
// write-path locking in the sampled component.
type UsageMonitor struct {
	source   UsageSource
	interval time.Duration

	mu        sync.Mutex
	listeners map[uint64]UsageListener
	nextID    uint64
	last      Usage

	stop chan struct{}
	done chan struct{}
}

// NewUsageMonitor creates a monitor sampling source every interval.
// Start must be called to begin sampling.
func NewUsageMonitor(source UsageSource, interval time.Duration) *UsageMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &UsageMonitor{
		source:    source,
		interval:  interval,
		listeners: make(map[uint64]UsageListener),
	}
}

// Register adds a listener. It is immediately informed of the most recent
// sample so new listeners do not wait a full interval for their first value.
func (m *UsageMonitor) Register(l UsageListener) *Registration {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	last := m.last
	m.mu.Unlock()

	l.UpdateResourceUsage(last)

	return &Registration{drop: func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}}
}

// Start launches the sampler goroutine. Calling Start twice panics.
func (m *UsageMonitor) Start() {
	if m.stop != nil {
		panic("resource: UsageMonitor started twice")
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run()
}

// Stop terminates the sampler and waits for it to exit.
func (m *UsageMonitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop = nil
}

// Sample takes one sample synchronously and notifies listeners. Useful in
// tests and for forcing a report after a large mutation.
func (m *UsageMonitor) Sample() {
	u := m.source()

	m.mu.Lock()
	m.last = u
	ls := make([]UsageListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()

	for _, l := range ls {
		l.UpdateResourceUsage(u)
	}
}

func (m *UsageMonitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// ControllerUsage builds a UsageSource combining the controller's managed
// memory fraction with the disk usage fraction of the filesystem at path.
// An empty path reports zero disk usage.
func ControllerUsage(c *Controller, path string) UsageSource {
	return func() Usage {
		var u Usage
		if limit := c.MemoryLimit(); limit > 0 {
			u.Memory = float64(c.MemoryUsage()) / float64(limit)
			if u.Memory > 1 {
				u.Memory = 1
			}
		}
		if path != "" {
			if disk, err := diskUsageFraction(path); err == nil {
				u.Disk = disk
			}
		}
		return u
	}
}
