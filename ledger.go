package sentinel

import (
	"sync"
	"time"
)

// DetectionLedger keeps the most recent anomaly verdict per target with a
// TTL, giving operators a cheap live view without a store round trip.
type DetectionLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*DetectionEvent
}

type DetectionEvent struct {
	TargetKey    string    `json:"targetKey"`
	Interval     string    `json:"interval"`
	AnomalyScore float64   `json:"anomalyScore"`
	Signals      []Signal  `json:"signals"`
	AttackID     string    `json:"attackId,omitempty"`
	AttackType   string    `json:"attackType,omitempty"`
	Recorded     time.Time `json:"recorded"`
}

type DetectionSummary struct {
	ActiveTargets  map[string]int `json:"activeTargets"`
	AnomalousCount int            `json:"anomalousCount"`
	TotalSignals   int            `json:"totalSignals"`
	LastUpdated    time.Time      `json:"lastUpdated"`
}

func NewDetectionLedger(ttl time.Duration) *DetectionLedger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DetectionLedger{
		ttl:     ttl,
		entries: make(map[string]*DetectionEvent),
	}
}

func (l *DetectionLedger) Record(event DetectionEvent) {
	if event.TargetKey == "" || len(event.Signals) == 0 {
		return
	}
	event.Recorded = time.Now()
	l.mu.Lock()
	l.entries[event.TargetKey] = &event
	l.mu.Unlock()
}

func (l *DetectionLedger) Snapshot() []DetectionEvent {
	now := time.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	var events []DetectionEvent
	for _, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			continue
		}
		events = append(events, *entry)
	}
	return events
}

func (l *DetectionLedger) Cleanup() {
	now := time.Now()
	l.mu.Lock()
	for key, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			delete(l.entries, key)
		}
	}
	l.mu.Unlock()
}

func (l *DetectionLedger) Summary() DetectionSummary {
	summary := DetectionSummary{
		ActiveTargets: make(map[string]int),
	}
	events := l.Snapshot()
	summary.AnomalousCount = len(events)
	for _, ev := range events {
		summary.ActiveTargets[ev.TargetKey] += len(ev.Signals)
		summary.TotalSignals += len(ev.Signals)
		if ev.Recorded.After(summary.LastUpdated) {
			summary.LastUpdated = ev.Recorded
		}
	}
	return summary
}
