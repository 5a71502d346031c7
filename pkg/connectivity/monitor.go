// Package connectivity tracks whether the server is reachable by
// probing its health endpoint on an interval.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/internal/metrics"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Pinger is the slice of the server client the monitor needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor probes the server and publishes online/offline transitions.
// It starts offline; the first successful probe flips it online.
type Monitor struct {
	pinger   Pinger
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu      sync.RWMutex
	online  bool
	probed  bool
	subs    map[int]chan bool
	nextSub int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. Non-positive durations take defaults.
func NewMonitor(pinger Pinger, interval, timeout time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Monitor{
		pinger:   pinger,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		subs:     make(map[int]chan bool),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop. An immediate probe runs first so the
// initial state settles without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.CheckNow(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit. Safe to call
// more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// CheckNow probes the server once and returns the resulting state.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(probeCtx)
	online := err == nil
	m.setOnline(online, err)
	return online
}

// Subscribe returns a channel receiving state transitions only, plus a
// cancel func. The current state is not replayed; read Online first.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan bool, 4)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (m *Monitor) setOnline(online bool, probeErr error) {
	m.mu.Lock()
	changed := !m.probed && online || m.probed && m.online != online
	m.probed = true
	m.online = online

	var notify []chan bool
	if changed {
		for _, ch := range m.subs {
			notify = append(notify, ch)
		}
	}
	m.mu.Unlock()

	if online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}
	if !changed {
		return
	}

	if online {
		m.logger.Info("Server reachable, going online")
	} else {
		m.logger.Warn("Server unreachable, going offline", zap.Error(probeErr))
	}
	for _, ch := range notify {
		select {
		case ch <- online:
		default:
		}
	}
}
