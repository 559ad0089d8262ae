package sentinel

import (
	"math"
)

// AnomalyScorer compares a sample against its baseline and produces a
// normalized anomaly score plus the triggering signals. Weights and the
// anomaly threshold are policy, sourced from config on every call.
type AnomalyScorer struct {
	cfg *ConfigHolder
}

func NewAnomalyScorer(cfg *ConfigHolder) *AnomalyScorer {
	return &AnomalyScorer{cfg: cfg}
}

// Score evaluates one sample. An insufficient baseline suppresses scoring
// entirely: the result is non-anomalous with no signals.
func (s *AnomalyScorer) Score(sample *TrafficSample, baseline *Baseline) ScoreResult {
	detection := s.cfg.Current().Detection
	if sample == nil || !baseline.Sufficient(detection.MinSamples) {
		return ScoreResult{}
	}

	observations := map[SignalFamily]struct {
		observed  float64
		threshold float64
	}{
		SignalBandwidth: {sample.BandwidthIn, baseline.Thresholds.Bandwidth},
		SignalPackets:   {sample.PacketsIn, baseline.Thresholds.Packets},
		SignalRequests:  {sample.RequestTotal, baseline.Thresholds.Requests},
		SignalLatency:   {sample.LatencyAvg, baseline.Thresholds.Latency},
	}

	var result ScoreResult
	var weighted, triggeredWeight float64
	for _, family := range signalFamilies {
		obs := observations[family]
		if obs.threshold <= 0 || obs.observed <= obs.threshold {
			continue
		}
		severity := math.Min(1, obs.observed/(obs.threshold*detection.SeverityScale))
		result.Signals = append(result.Signals, Signal{
			Signal:    family,
			Observed:  obs.observed,
			Threshold: obs.threshold,
			Severity:  severity,
		})
		weight := detection.Weights.For(family)
		weighted += weight * severity
		triggeredWeight += weight
	}
	if triggeredWeight > 0 {
		result.AnomalyScore = weighted / triggeredWeight
	}
	result.IsAnomalous = result.AnomalyScore >= detection.AnomalyThreshold
	return result
}
