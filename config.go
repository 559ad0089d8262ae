package sentinel

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// SignalWeights are the per-family contributions to the anomaly score.
type SignalWeights struct {
	Bandwidth float64 `json:"bandwidth"`
	Packets   float64 `json:"packets"`
	Requests  float64 `json:"requests"`
	Latency   float64 `json:"latency"`
}

func (w SignalWeights) For(family SignalFamily) float64 {
	switch family {
	case SignalBandwidth:
		return w.Bandwidth
	case SignalPackets:
		return w.Packets
	case SignalRequests:
		return w.Requests
	case SignalLatency:
		return w.Latency
	}
	return 0
}

// DetectionConfig tunes baseline computation, anomaly scoring, and
// classification. These are policy values, not constants.
type DetectionConfig struct {
	WindowHours        int           `json:"windowHours"`
	MinSamples         int           `json:"minSamples"`
	BaselineMultiplier float64       `json:"baselineMultiplier"`
	AnomalyThreshold   float64       `json:"anomalyThreshold"`
	SeverityScale      float64       `json:"severityScale"`
	Weights            SignalWeights `json:"weights"`
	// SmallPacketBytes is the avg-packet-size cutoff below which a
	// packet-rate-dominant anomaly is classified as a protocol attack.
	SmallPacketBytes float64 `json:"smallPacketBytes"`
	// HistoryDepth bounds the walk-back when estimating attack start.
	HistoryDepth int `json:"historyDepth"`
}

// LifecycleConfig tunes the attack state machine timers.
type LifecycleConfig struct {
	ActivationSamples int `json:"activationSamples"`
	CooldownMinutes   int `json:"cooldownMinutes"`
	QuietMinutes      int `json:"quietMinutes"`
	GraceMinutes      int `json:"graceMinutes"`
	SweepSeconds      int `json:"sweepSeconds"`
}

func (c LifecycleConfig) Cooldown() time.Duration { return time.Duration(c.CooldownMinutes) * time.Minute }
func (c LifecycleConfig) Quiet() time.Duration    { return time.Duration(c.QuietMinutes) * time.Minute }
func (c LifecycleConfig) Grace() time.Duration    { return time.Duration(c.GraceMinutes) * time.Minute }

// MitigationConfig tunes the auto-mitigation policy.
type MitigationConfig struct {
	AutoConfidence float64 `json:"autoConfidence"`
	MaxBlockedIPs  int     `json:"maxBlockedIPs"`
	RateLimitRPM   int     `json:"rateLimitRpm"`
}

// DispatcherConfig bounds the outbound notification fan-out.
type DispatcherConfig struct {
	Workers        int      `json:"workers"`
	QueueSize      int      `json:"queueSize"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Webhooks       []string `json:"webhooks,omitempty"`
}

func (c DispatcherConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type Config struct {
	Detection  DetectionConfig  `json:"detection"`
	Lifecycle  LifecycleConfig  `json:"lifecycle"`
	Mitigation MitigationConfig `json:"mitigation"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
}

func DefaultConfig() *Config {
	return &Config{
		Detection: DetectionConfig{
			WindowHours:        168,
			MinSamples:         5,
			BaselineMultiplier: 3,
			AnomalyThreshold:   0.4,
			SeverityScale:      2,
			Weights: SignalWeights{
				Bandwidth: 0.35,
				Packets:   0.30,
				Requests:  0.25,
				Latency:   0.10,
			},
			SmallPacketBytes: 120,
			HistoryDepth:     30,
		},
		Lifecycle: LifecycleConfig{
			ActivationSamples: 2,
			CooldownMinutes:   5,
			QuietMinutes:      60,
			GraceMinutes:      10,
			SweepSeconds:      30,
		},
		Mitigation: MitigationConfig{
			AutoConfidence: 90,
			MaxBlockedIPs:  10,
			RateLimitRPM:   120,
		},
		Dispatcher: DispatcherConfig{
			Workers:        4,
			QueueSize:      256,
			TimeoutSeconds: 5,
		},
	}
}

// LoadConfig reads a JSON config file over the defaults and validates the
// result. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if len(data) > 1024*1024 {
		return nil, fmt.Errorf("config file %s is too large", path)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := NewDefaultConfigValidator().Validate(config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// ConfigHolder provides lock-free access to the current config so policy
// values can be swapped at runtime without redeploying logic.
type ConfigHolder struct {
	v atomic.Pointer[Config]
}

func NewConfigHolder(cfg *Config) *ConfigHolder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	h := &ConfigHolder{}
	h.v.Store(cfg)
	return h
}

func (h *ConfigHolder) Current() *Config {
	return h.v.Load()
}

func (h *ConfigHolder) Swap(cfg *Config) {
	if cfg != nil {
		h.v.Store(cfg)
	}
}
