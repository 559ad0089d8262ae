package sentinel

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSample marks ingestion payloads rejected before persistence.
var ErrInvalidSample = errors.New("invalid traffic sample")

type DefaultConfigValidator struct{}

func NewDefaultConfigValidator() *DefaultConfigValidator {
	return &DefaultConfigValidator{}
}

func (v *DefaultConfigValidator) Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	d := config.Detection
	if d.WindowHours <= 0 {
		return fmt.Errorf("detection.windowHours must be positive, got %d", d.WindowHours)
	}
	if d.MinSamples <= 0 {
		return fmt.Errorf("detection.minSamples must be positive, got %d", d.MinSamples)
	}
	if d.BaselineMultiplier <= 1 {
		return fmt.Errorf("detection.baselineMultiplier must exceed 1, got %g", d.BaselineMultiplier)
	}
	if d.AnomalyThreshold <= 0 || d.AnomalyThreshold > 1 {
		return fmt.Errorf("detection.anomalyThreshold must be in (0,1], got %g", d.AnomalyThreshold)
	}
	if d.SeverityScale <= 0 {
		return fmt.Errorf("detection.severityScale must be positive, got %g", d.SeverityScale)
	}
	total := d.Weights.Bandwidth + d.Weights.Packets + d.Weights.Requests + d.Weights.Latency
	if total <= 0 {
		return fmt.Errorf("detection.weights must sum to a positive value, got %g", total)
	}
	for _, family := range signalFamilies {
		if d.Weights.For(family) < 0 {
			return fmt.Errorf("detection.weights.%s must not be negative", family)
		}
	}
	if d.HistoryDepth <= 0 {
		return fmt.Errorf("detection.historyDepth must be positive, got %d", d.HistoryDepth)
	}

	l := config.Lifecycle
	if l.ActivationSamples < 1 {
		return fmt.Errorf("lifecycle.activationSamples must be at least 1, got %d", l.ActivationSamples)
	}
	if l.CooldownMinutes <= 0 || l.QuietMinutes <= 0 || l.GraceMinutes <= 0 {
		return fmt.Errorf("lifecycle timers must be positive")
	}
	if l.SweepSeconds <= 0 {
		return fmt.Errorf("lifecycle.sweepSeconds must be positive, got %d", l.SweepSeconds)
	}

	m := config.Mitigation
	if m.AutoConfidence < 0 || m.AutoConfidence > 100 {
		return fmt.Errorf("mitigation.autoConfidence must be in [0,100], got %g", m.AutoConfidence)
	}
	if m.MaxBlockedIPs <= 0 {
		return fmt.Errorf("mitigation.maxBlockedIPs must be positive, got %d", m.MaxBlockedIPs)
	}

	dp := config.Dispatcher
	if dp.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive, got %d", dp.Workers)
	}
	if dp.QueueSize <= 0 {
		return fmt.Errorf("dispatcher.queueSize must be positive, got %d", dp.QueueSize)
	}
	if dp.TimeoutSeconds <= 0 {
		return fmt.Errorf("dispatcher.timeoutSeconds must be positive, got %d", dp.TimeoutSeconds)
	}
	return nil
}

// TrafficInput is a raw metrics payload for a target. Required metric fields
// are pointers so that absent and zero are distinguishable.
type TrafficInput struct {
	TargetID  string     `json:"targetId"`
	Interval  string     `json:"interval"`
	Timestamp *time.Time `json:"timestamp,omitempty"`

	BandwidthIn  *float64 `json:"bandwidthIn"`
	BandwidthOut *float64 `json:"bandwidthOut,omitempty"`
	PacketsIn    *float64 `json:"packetsIn"`
	PacketsOut   *float64 `json:"packetsOut,omitempty"`
	RequestTotal *float64 `json:"requestTotal"`
	LatencyAvg   *float64 `json:"latencyAvg,omitempty"`

	// Optional context from the upstream aggregator.
	SourceIPs       []string `json:"sourceIps,omitempty"`
	SourceASNs      []string `json:"sourceAsns,omitempty"`
	SourceCountries []string `json:"sourceCountries,omitempty"`
	TargetType      string   `json:"targetType,omitempty"`
	ZoneID          string   `json:"zoneId,omitempty"`
	Endpoints       []string `json:"endpoints,omitempty"`
}

// validateTrafficInput rejects malformed payloads and materializes a sample.
// Rejected samples are never persisted.
func validateTrafficInput(in *TrafficInput) (*TrafficSample, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidSample)
	}
	interval := SampleInterval(in.Interval)
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: unknown interval %q", ErrInvalidSample, in.Interval)
	}
	required := []struct {
		name string
		val  *float64
	}{
		{"bandwidthIn", in.BandwidthIn},
		{"packetsIn", in.PacketsIn},
		{"requestTotal", in.RequestTotal},
	}
	for _, field := range required {
		if field.val == nil {
			return nil, fmt.Errorf("%w: missing required field %s", ErrInvalidSample, field.name)
		}
		if *field.val < 0 {
			return nil, fmt.Errorf("%w: field %s must not be negative", ErrInvalidSample, field.name)
		}
	}
	optional := []struct {
		name string
		val  *float64
	}{
		{"bandwidthOut", in.BandwidthOut},
		{"packetsOut", in.PacketsOut},
		{"latencyAvg", in.LatencyAvg},
	}
	for _, field := range optional {
		if field.val != nil && *field.val < 0 {
			return nil, fmt.Errorf("%w: field %s must not be negative", ErrInvalidSample, field.name)
		}
	}

	sample := &TrafficSample{
		ID:           uuid.NewString(),
		TargetID:     in.TargetID,
		Interval:     interval,
		Timestamp:    time.Now().UTC(),
		BandwidthIn:  *in.BandwidthIn,
		PacketsIn:    *in.PacketsIn,
		RequestTotal: *in.RequestTotal,
	}
	if sample.TargetID == "" {
		sample.TargetID = GlobalTarget
	}
	if in.Timestamp != nil {
		sample.Timestamp = in.Timestamp.UTC()
	}
	if in.BandwidthOut != nil {
		sample.BandwidthOut = *in.BandwidthOut
	}
	if in.PacketsOut != nil {
		sample.PacketsOut = *in.PacketsOut
	}
	if in.LatencyAvg != nil {
		sample.LatencyAvg = *in.LatencyAvg
	}
	return sample, nil
}
