package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/oarkflow/log"
)

// Sink receives lifecycle events. Delivery is best effort: a sink failure
// is logged and counted, never surfaced to detection.
type Sink interface {
	Deliver(ctx context.Context, event *Event) error
	Name() string
}

// Dispatcher fans events out to registered sinks from a bounded worker
// pool. Notify never blocks the caller; when the queue is full the event is
// dropped and counted.
type Dispatcher struct {
	cfg    *ConfigHolder
	logger *log.Logger

	mu     sync.RWMutex
	sinks  []Sink
	closed bool

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

func NewDispatcher(cfg *ConfigHolder, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.Current().Dispatcher.QueueSize),
	}
	for i := 0; i < cfg.Current().Dispatcher.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Register adds a sink. Safe to call while the dispatcher is running.
func (d *Dispatcher) Register(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Notify enqueues an event without blocking. Events are dropped when the
// queue is full or the dispatcher is closed; detection latency is never
// tied to sink latency.
func (d *Dispatcher) Notify(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- event:
	default:
		dispatchDroppedMetric.Inc()
		d.logger.Warn().Str("event", string(event.Kind)).Msg("event queue full, dropping event")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(&event)
	}
}

func (d *Dispatcher) deliver(event *Event) {
	d.mu.RLock()
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	timeout := d.cfg.Current().Dispatcher.Timeout()
	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := sink.Deliver(ctx, event)
		cancel()
		if err != nil {
			dispatchFailuresMetric.WithLabelValues(sink.Name()).Inc()
			d.logger.Warn().
				Str("sink", sink.Name()).
				Str("event", string(event.Kind)).
				Str("attack", event.Attack.ID).
				Err(err).
				Msg("event delivery failed")
		}
	}
}

// Close drains the queue and stops the workers. Notify calls after Close
// are no-ops.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *log.Logger
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Deliver(ctx context.Context, event *Event) error {
	s.Logger.Info().
		Str("event", string(event.Kind)).
		Str("attack", event.Attack.ID).
		Str("target", event.Attack.TargetKey).
		Str("type", string(event.Attack.Type)).
		Str("status", string(event.Attack.Status)).
		Float64("confidence", event.Attack.Detection.Confidence).
		Int("actions", len(event.Actions)).
		Msg("attack event")
	return nil
}

// WebhookSink posts events as JSON to an HTTP endpoint.
type WebhookSink struct {
	URL    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string {
	return "webhook:" + s.URL
}

func (s *WebhookSink) Deliver(ctx context.Context, event *Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.URL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Sentinel-Events/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status code: %d", resp.StatusCode)
	}

	return nil
}
