// Package alert delivers important engine events to an external channel
// without ever blocking the trading path. Events queue into a bounded channel;
// overflow is dropped and counted.
package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const defaultQueueSize = 128

type Manager struct {
	strategyID string
	symbol     string
	notifier   Notifier

	queue  chan event
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	dropped uint64
	once    sync.Once
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(strategyID, symbol string, notifier Notifier) *Manager {
	if notifier == nil {
		return nil
	}
	m := &Manager{
		strategyID: strategyID,
		symbol:     symbol,
		notifier:   notifier,
		queue:      make(chan event, defaultQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.closed.Load() {
		return
	}
	cloned := make(map[string]string, len(fields))
	for k, v := range fields {
		cloned[k] = v
	}
	select {
	case m.queue <- event{name: name, fields: cloned}:
	default:
		total := atomic.AddUint64(&m.dropped, 1)
		log.Printf("level=WARN event=alert_dropped target_event=%q dropped_total=%d", name, total)
	}
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var err error
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.stop)
		select {
		case <-m.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.name, err.Error())
	}
}

func (m *Manager) buildMessage(ev event) string {
	lines := []string{
		"[perpgrid] " + ev.name,
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"strategy: " + m.strategyID,
		"symbol: " + m.symbol,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}
