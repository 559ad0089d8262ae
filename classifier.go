package sentinel

import (
	"context"
	"math"
	"time"
)

// DetectionMethod is recorded on every classification this engine produces.
const DetectionMethod = "baseline_deviation"

// Classifier maps anomaly signals to an attack type/subtype with a
// confidence score and an estimated start time.
type Classifier struct {
	store Store
	cfg   *ConfigHolder
}

func NewClassifier(store Store, cfg *ConfigHolder) *Classifier {
	return &Classifier{store: store, cfg: cfg}
}

// classifyFunc resolves the dominant signal family to a concrete attack
// type and subtype for the sample being classified.
type classifyFunc func(sample *TrafficSample, detection DetectionConfig) (AttackType, string)

// classifierTable is the exhaustive dispatch over the closed signal family
// set. Adding a family without a handler is a startup panic, not a silent
// misclassification.
var classifierTable = map[SignalFamily]classifyFunc{
	SignalBandwidth: classifyBandwidthDominant,
	SignalPackets:   classifyPacketDominant,
	SignalRequests:  classifyRequestDominant,
	SignalLatency:   classifyLatencyDominant,
}

func init() {
	for _, family := range signalFamilies {
		if _, ok := classifierTable[family]; !ok {
			panic("sentinel: no classifier registered for signal family " + string(family))
		}
	}
}

func classifyBandwidthDominant(sample *TrafficSample, detection DetectionConfig) (AttackType, string) {
	return AttackVolumetric, "bandwidth_flood"
}

func classifyPacketDominant(sample *TrafficSample, detection DetectionConfig) (AttackType, string) {
	// High packet rate made of tiny packets is protocol abuse (SYN/ACK style
	// floods); large packets at volume is plain volumetric traffic.
	if avgPacketSize(sample) < detection.SmallPacketBytes {
		return AttackProtocol, "packet_flood"
	}
	return AttackVolumetric, "packet_flood"
}

func classifyRequestDominant(sample *TrafficSample, detection DetectionConfig) (AttackType, string) {
	return AttackApplication, "http_flood"
}

func classifyLatencyDominant(sample *TrafficSample, detection DetectionConfig) (AttackType, string) {
	return AttackApplication, "resource_exhaustion"
}

func avgPacketSize(sample *TrafficSample) float64 {
	packets := sample.PacketsIn + sample.PacketsOut
	if packets <= 0 {
		return 0
	}
	return (sample.BandwidthIn + sample.BandwidthOut) / packets
}

// Classify produces an attack classification from a positive score result.
// The caller guarantees result.IsAnomalous.
func (c *Classifier) Classify(ctx context.Context, sample *TrafficSample, result ScoreResult) Classification {
	detection := c.cfg.Current().Detection

	cls := Classification{
		Method:       DetectionMethod,
		Signals:      result.Signals,
		AnomalyScore: result.AnomalyScore,
	}

	dominant := dominantFamily(result.Signals, detection.Weights)
	handler := classifierTable[dominant]
	cls.Type, cls.SubType = handler(sample, detection)
	cls.Confidence = confidence(result.Signals)
	cls.EstimatedStart = c.estimateStart(ctx, sample, detection.HistoryDepth)
	return cls
}

func dominantFamily(signals []Signal, weights SignalWeights) SignalFamily {
	dominant := SignalBandwidth
	best := -1.0
	for _, signal := range signals {
		score := weights.For(signal.Signal) * signal.Severity
		if score > best {
			best = score
			dominant = signal.Signal
		}
	}
	return dominant
}

// confidence grows with the number of triggering signals and with how far
// observations sit above their thresholds, capped at 100.
func confidence(signals []Signal) float64 {
	if len(signals) == 0 {
		return 0
	}
	var marginSum float64
	for _, signal := range signals {
		if signal.Threshold > 0 {
			marginSum += signal.Observed/signal.Threshold - 1
		}
	}
	avgMargin := marginSum / float64(len(signals))
	conf := 30 + 20*float64(len(signals)) + math.Min(20, avgMargin*10)
	return math.Min(100, math.Max(0, conf))
}

// estimateStart walks backward through the recent sample history while
// samples remain anomalous. Detection lags onset by at least one sampling
// interval, so the earliest sample of the current anomalous run is a better
// start estimate than the detection time.
func (c *Classifier) estimateStart(ctx context.Context, sample *TrafficSample, depth int) time.Time {
	start := sample.Timestamp
	recent, err := c.store.RecentSamples(ctx, sample.TargetID, sample.Interval, depth)
	if err != nil {
		return start
	}
	for _, prior := range recent {
		if !prior.Timestamp.Before(start) {
			continue
		}
		if !prior.AnomalyFlag {
			break
		}
		start = prior.Timestamp
	}
	return start
}
