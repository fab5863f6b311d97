package crm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnState is the connectivity state.
type ConnState int

const (
	Offline ConnState = iota
	Online
)

func (s ConnState) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Prober checks whether the API is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober, e.g. ProberFunc(client.Auth.Ping).
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// MonitorOption configures a ConnectivityMonitor.
type MonitorOption func(*ConnectivityMonitor)

func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *ConnectivityMonitor) { m.logger = logger }
}

func WithMonitorMetrics(metrics *Metrics) MonitorOption {
	return func(m *ConnectivityMonitor) { m.metrics = metrics }
}

type subscriber struct {
	id int
	fn func(online bool)
}

// ConnectivityMonitor tracks the online/offline state. Every transition is
// delivered once to each subscriber, in transition order; signals that do
// not change the state are dropped.
//
// Subscribers run on the goroutine that reported the change. A subscriber
// may call SetOnline; the nested transition is delivered after the current
// one has reached every subscriber.
type ConnectivityMonitor struct {
	logger  *slog.Logger
	metrics *Metrics

	mu         sync.Mutex
	online     bool
	subs       []subscriber
	nextID     int
	pending    []transition
	delivering bool
}

type transition struct {
	online bool
	subs   []subscriber
}

// NewConnectivityMonitor creates a monitor in the given initial state.
func NewConnectivityMonitor(online bool, opts ...MonitorOption) *ConnectivityMonitor {
	m := &ConnectivityMonitor{online: online, logger: discardLogger()}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.setOnline(online)
	return m
}

// Online reports the current state.
func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// State returns the current state.
func (m *ConnectivityMonitor) State() ConnState {
	if m.Online() {
		return Online
	}
	return Offline
}

// SetOnline reports the platform connectivity signal. It returns whether
// the state changed.
//
// Transitions are queued under the state lock. The first caller to find no
// delivery in progress drains the queue; later callers, including
// subscribers signalling from inside a delivery, return right away.
func (m *ConnectivityMonitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.pending = append(m.pending, transition{online: online, subs: append([]subscriber(nil), m.subs...)})
	if m.delivering {
		m.mu.Unlock()
		return true
	}
	m.delivering = true
	m.mu.Unlock()

	m.drain()
	return true
}

func (m *ConnectivityMonitor) drain() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.delivering = false
			m.mu.Unlock()
			return
		}
		tr := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		m.deliver(tr)
	}
}

func (m *ConnectivityMonitor) deliver(tr transition) {
	m.metrics.setOnline(tr.online)
	if tr.online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Info("connectivity lost")
	}
	for _, s := range tr.subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("connectivity subscriber panicked", "panic", r)
				}
			}()
			s.fn(tr.online)
		}()
	}
}

// Subscribe registers fn for state changes and returns a function that
// removes it.
func (m *ConnectivityMonitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Watch probes p every interval and feeds the result into SetOnline until
// ctx is done. The first probe runs immediately.
func (m *ConnectivityMonitor) Watch(ctx context.Context, p Prober, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := p.Probe(pctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Debug("connectivity probe failed", "error", err)
		}
		m.SetOnline(err == nil)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			probe()
		}
	}
}
