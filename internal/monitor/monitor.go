// Package monitor forwards risk and runner-health events to an alert sink
// so a human hears about halts and degraded subscriptions.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"quantcore/internal/events"
)

// AlertSink is a pluggable delivery channel for alerts.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("ALERT %s", message)
	return nil
}

// Topics a monitor watches by default.
var defaultTopics = []events.Event{
	events.EventRiskEscalation,
	events.EventKillSwitchTripped,
	events.EventKillSwitchReset,
	events.EventRunnerDegraded,
	events.EventRunnerFailed,
}

// Monitor subscribes to alert-worthy bus topics and forwards them.
type Monitor struct {
	bus    *events.Bus
	sink   AlertSink
	topics []events.Event
}

func New(bus *events.Bus, sink AlertSink) *Monitor {
	if sink == nil {
		sink = LogSink{}
	}
	return &Monitor{bus: bus, sink: sink, topics: defaultTopics}
}

// Start subscribes and forwards until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	for _, topic := range m.topics {
		stream, unsub := m.bus.Subscribe(topic, 64)
		go m.forward(ctx, topic, stream, unsub)
	}
}

func (m *Monitor) forward(ctx context.Context, topic events.Event, stream <-chan any, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-stream:
			if !ok {
				return
			}
			if err := m.sink.Send(Format(topic, payload)); err != nil {
				log.Printf("monitor: alert delivery failed: %v", err)
			}
		}
	}
}

// Format renders one event as a single human-readable line.
func Format(topic events.Event, payload any) string {
	ts := time.Now().UTC().Format(time.RFC3339)
	switch p := payload.(type) {
	case map[string]string:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+p[k])
		}
		return fmt.Sprintf("[%s] %s %s", ts, topic, strings.Join(parts, " "))
	case string:
		return fmt.Sprintf("[%s] %s %s", ts, topic, p)
	default:
		return fmt.Sprintf("[%s] %s %+v", ts, topic, payload)
	}
}
