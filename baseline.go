package sentinel

import (
	"context"
	"fmt"
	"time"
)

// BaselineEngine computes rolling statistical baselines from historical
// samples. Pure read: every call recomputes from the store, so there is no
// cached state to go stale under multi-instance deployment.
type BaselineEngine struct {
	store Store
	cfg   *ConfigHolder
}

func NewBaselineEngine(store Store, cfg *ConfigHolder) *BaselineEngine {
	return &BaselineEngine{store: store, cfg: cfg}
}

// Compute aggregates all samples for the target/interval within the lookback
// window. When fewer than the configured minimum exist it returns a
// zero-valued baseline, not an error; callers must suppress anomaly scoring
// against it.
func (e *BaselineEngine) Compute(ctx context.Context, targetID string, interval SampleInterval, windowHours int) (*Baseline, error) {
	detection := e.cfg.Current().Detection
	if windowHours <= 0 {
		windowHours = detection.WindowHours
	}
	if targetID == "" {
		targetID = GlobalTarget
	}
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	samples, err := e.store.SamplesSince(ctx, targetID, interval, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load samples for baseline: %w", err)
	}

	baseline := &Baseline{
		TargetID:    targetID,
		Interval:    interval,
		WindowHours: windowHours,
		SampleCount: len(samples),
		Multiplier:  detection.BaselineMultiplier,
		ComputedAt:  time.Now().UTC(),
	}
	if len(samples) < detection.MinSamples {
		return baseline, nil
	}

	for _, sample := range samples {
		baseline.AvgBandwidthIn += sample.BandwidthIn
		baseline.AvgBandwidthOut += sample.BandwidthOut
		baseline.AvgPackets += sample.PacketsIn
		baseline.AvgRequests += sample.RequestTotal
		baseline.AvgLatency += sample.LatencyAvg
		baseline.MaxBandwidthIn = maxFloat(baseline.MaxBandwidthIn, sample.BandwidthIn)
		baseline.MaxBandwidthOut = maxFloat(baseline.MaxBandwidthOut, sample.BandwidthOut)
		baseline.MaxPackets = maxFloat(baseline.MaxPackets, sample.PacketsIn)
		baseline.MaxRequests = maxFloat(baseline.MaxRequests, sample.RequestTotal)
		baseline.MaxLatency = maxFloat(baseline.MaxLatency, sample.LatencyAvg)
	}
	n := float64(len(samples))
	baseline.AvgBandwidthIn /= n
	baseline.AvgBandwidthOut /= n
	baseline.AvgPackets /= n
	baseline.AvgRequests /= n
	baseline.AvgLatency /= n

	baseline.Thresholds = BaselineThresholds{
		Bandwidth: baseline.AvgBandwidthIn * detection.BaselineMultiplier,
		Packets:   baseline.AvgPackets * detection.BaselineMultiplier,
		Requests:  baseline.AvgRequests * detection.BaselineMultiplier,
		Latency:   baseline.AvgLatency * detection.BaselineMultiplier,
	}
	return baseline, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
