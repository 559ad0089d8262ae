package sentinel

import (
	"math"
	"testing"
	"time"
)

func steadyBaseline() *Baseline {
	return &Baseline{
		TargetID:       "web-1",
		Interval:       Interval5m,
		SampleCount:    10,
		AvgBandwidthIn: 100,
		AvgPackets:     50,
		AvgRequests:    100,
		AvgLatency:     10,
		Multiplier:     3,
		Thresholds: BaselineThresholds{
			Bandwidth: 300,
			Packets:   150,
			Requests:  300,
			Latency:   30,
		},
	}
}

func TestScoreBandwidthSpike(t *testing.T) {
	scorer := NewAnomalyScorer(testHolder())
	sample := &TrafficSample{
		TargetID:     "web-1",
		Interval:     Interval5m,
		Timestamp:    time.Now().UTC(),
		BandwidthIn:  400, // 4x the 100 average against a 3x multiplier
		PacketsIn:    50,
		RequestTotal: 100,
		LatencyAvg:   10,
	}

	result := scorer.Score(sample, steadyBaseline())
	if !result.IsAnomalous {
		t.Fatalf("expected 4x bandwidth to be anomalous, score %g", result.AnomalyScore)
	}
	if len(result.Signals) != 1 || result.Signals[0].Signal != SignalBandwidth {
		t.Fatalf("expected a single bandwidth signal, got %+v", result.Signals)
	}
	if math.Abs(result.AnomalyScore-400.0/600.0) > 1e-9 {
		t.Fatalf("expected score %g, got %g", 400.0/600.0, result.AnomalyScore)
	}
}

func TestScoreRequestSpike(t *testing.T) {
	scorer := NewAnomalyScorer(testHolder())
	sample := &TrafficSample{
		TargetID:     "web-1",
		Interval:     Interval5m,
		Timestamp:    time.Now().UTC(),
		BandwidthIn:  100,
		PacketsIn:    50,
		RequestTotal: 500, // threshold is 300
		LatencyAvg:   10,
	}

	result := scorer.Score(sample, steadyBaseline())
	if !result.IsAnomalous {
		t.Fatalf("expected request spike to be anomalous, score %g", result.AnomalyScore)
	}
	if len(result.Signals) != 1 || result.Signals[0].Signal != SignalRequests {
		t.Fatalf("expected a single requests signal, got %+v", result.Signals)
	}
}

func TestScoreWithinBaselineIsQuiet(t *testing.T) {
	scorer := NewAnomalyScorer(testHolder())
	sample := &TrafficSample{
		TargetID:     "web-1",
		Interval:     Interval5m,
		Timestamp:    time.Now().UTC(),
		BandwidthIn:  250, // below the 300 threshold
		PacketsIn:    100,
		RequestTotal: 200,
		LatencyAvg:   20,
	}

	result := scorer.Score(sample, steadyBaseline())
	if result.IsAnomalous {
		t.Fatalf("traffic below thresholds must not be anomalous: %+v", result)
	}
	if len(result.Signals) != 0 {
		t.Fatalf("expected no signals, got %+v", result.Signals)
	}
}

func TestScoreSuppressedWithoutBaseline(t *testing.T) {
	scorer := NewAnomalyScorer(testHolder())
	sample := &TrafficSample{
		TargetID:     "web-1",
		Interval:     Interval5m,
		BandwidthIn:  1e9,
		PacketsIn:    1e9,
		RequestTotal: 1e9,
	}
	thin := &Baseline{SampleCount: 2}

	result := scorer.Score(sample, thin)
	if result.IsAnomalous || len(result.Signals) != 0 {
		t.Fatalf("scoring must be suppressed below the sample minimum: %+v", result)
	}
}

func TestScoreMultipleSignalsUseWeights(t *testing.T) {
	scorer := NewAnomalyScorer(testHolder())
	sample := &TrafficSample{
		TargetID:     "web-1",
		Interval:     Interval5m,
		Timestamp:    time.Now().UTC(),
		BandwidthIn:  900, // severity capped at 1
		PacketsIn:    450, // severity capped at 1
		RequestTotal: 100,
		LatencyAvg:   10,
	}

	result := scorer.Score(sample, steadyBaseline())
	if !result.IsAnomalous {
		t.Fatalf("expected anomaly, got %+v", result)
	}
	if len(result.Signals) != 2 {
		t.Fatalf("expected bandwidth and packets signals, got %+v", result.Signals)
	}
	// Both severities cap at 1, so the weighted mean over triggered
	// families must be exactly 1.
	if math.Abs(result.AnomalyScore-1) > 1e-9 {
		t.Fatalf("expected score 1, got %g", result.AnomalyScore)
	}
}
