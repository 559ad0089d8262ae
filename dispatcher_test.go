package sentinel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSink struct {
	name    string
	count   atomic.Int64
	started chan struct{}
	gate    chan struct{}
	fail    bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, event *Event) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.count.Add(1)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func TestDispatcherDeliversToAllSinks(t *testing.T) {
	holder := testHolder()
	dispatcher := NewDispatcher(holder, testLogger())

	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	dispatcher.Register(a)
	dispatcher.Register(b)

	dispatcher.Notify(Event{Kind: EventAttackDetected, Timestamp: time.Now()})
	dispatcher.Notify(Event{Kind: EventMitigationApplied, Timestamp: time.Now()})
	dispatcher.Close()

	if a.count.Load() != 2 || b.count.Load() != 2 {
		t.Fatalf("expected both sinks to see both events, got a=%d b=%d", a.count.Load(), b.count.Load())
	}
}

func TestDispatcherIsolatesFailingSink(t *testing.T) {
	holder := testHolder()
	dispatcher := NewDispatcher(holder, testLogger())

	bad := &recordingSink{name: "bad", fail: true}
	good := &recordingSink{name: "good"}
	dispatcher.Register(bad)
	dispatcher.Register(good)

	dispatcher.Notify(Event{Kind: EventAttackDetected, Timestamp: time.Now()})
	dispatcher.Close()

	if good.count.Load() != 1 {
		t.Fatalf("a failing sink must not block delivery to others, got %d", good.count.Load())
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatcher.Workers = 1
	cfg.Dispatcher.QueueSize = 1
	holder := NewConfigHolder(cfg)
	dispatcher := NewDispatcher(holder, testLogger())

	slow := &recordingSink{
		name:    "slow",
		started: make(chan struct{}, 3),
		gate:    make(chan struct{}),
	}
	dispatcher.Register(slow)

	dispatcher.Notify(Event{Kind: EventAttackDetected})
	<-slow.started // the lone worker is now parked in the sink
	dispatcher.Notify(Event{Kind: EventAttackEscalated})   // fills the queue
	dispatcher.Notify(Event{Kind: EventMitigationApplied}) // dropped

	close(slow.gate)
	dispatcher.Close()

	if got := slow.count.Load(); got != 2 {
		t.Fatalf("expected 2 delivered and 1 dropped, got %d delivered", got)
	}
}

func TestDispatcherNotifyAfterCloseIsNoop(t *testing.T) {
	holder := testHolder()
	dispatcher := NewDispatcher(holder, testLogger())

	sink := &recordingSink{name: "late"}
	dispatcher.Register(sink)
	dispatcher.Close()

	dispatcher.Notify(Event{Kind: EventAttackDetected, Timestamp: time.Now()})

	if sink.count.Load() != 0 {
		t.Fatalf("events after shutdown must be discarded, got %d delivered", sink.count.Load())
	}
}
