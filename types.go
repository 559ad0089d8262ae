package sentinel

import (
	"time"
)

// SampleInterval is the upstream aggregation window a TrafficSample covers.
type SampleInterval string

const (
	Interval1m  SampleInterval = "1m"
	Interval5m  SampleInterval = "5m"
	Interval15m SampleInterval = "15m"
	Interval1h  SampleInterval = "1h"
)

func (i SampleInterval) Valid() bool {
	switch i {
	case Interval1m, Interval5m, Interval15m, Interval1h:
		return true
	}
	return false
}

// GlobalTarget is the wildcard target identifier used when samples are not
// attributed to a specific protected entity.
const GlobalTarget = "global"

// TrafficSample is one aggregated traffic measurement for a target.
// Immutable once written; (TargetID, Interval, Timestamp) is the natural key.
type TrafficSample struct {
	ID           string         `json:"id" db:"id"`
	TargetID     string         `json:"targetId" db:"target_id"`
	Interval     SampleInterval `json:"interval" db:"interval"`
	Timestamp    time.Time      `json:"timestamp" db:"timestamp"`
	BandwidthIn  float64        `json:"bandwidthIn" db:"bandwidth_in"`
	BandwidthOut float64        `json:"bandwidthOut" db:"bandwidth_out"`
	PacketsIn    float64        `json:"packetsIn" db:"packets_in"`
	PacketsOut   float64        `json:"packetsOut" db:"packets_out"`
	RequestTotal float64        `json:"requestTotal" db:"request_total"`
	LatencyAvg   float64        `json:"latencyAvg" db:"latency_avg"`
	AnomalyFlag  bool           `json:"anomalyFlag" db:"anomaly_flag"`
	AnomalyScore float64        `json:"anomalyScore" db:"anomaly_score"`
}

// SignalFamily names a metric family the scorer can flag.
type SignalFamily string

const (
	SignalBandwidth SignalFamily = "bandwidth"
	SignalPackets   SignalFamily = "packets"
	SignalRequests  SignalFamily = "requests"
	SignalLatency   SignalFamily = "latency"
)

// signalFamilies is the closed set, in scoring order.
var signalFamilies = []SignalFamily{SignalBandwidth, SignalPackets, SignalRequests, SignalLatency}

// Signal is one metric family observed above its baseline threshold.
type Signal struct {
	Signal    SignalFamily `json:"signal"`
	Observed  float64      `json:"observed"`
	Threshold float64      `json:"threshold"`
	Severity  float64      `json:"severity"`
}

// BaselineThresholds are the per-family anomaly cutoffs (mean x multiplier).
type BaselineThresholds struct {
	Bandwidth float64 `json:"bandwidth"`
	Packets   float64 `json:"packets"`
	Requests  float64 `json:"requests"`
	Latency   float64 `json:"latency"`
}

// Baseline is the statistical summary of historical traffic for a target over
// a lookback window. Recomputed on every query, never mutated in place.
type Baseline struct {
	TargetID        string             `json:"targetId"`
	Interval        SampleInterval     `json:"interval"`
	WindowHours     int                `json:"windowHours"`
	SampleCount     int                `json:"sampleCount"`
	AvgBandwidthIn  float64            `json:"avgBandwidthIn"`
	MaxBandwidthIn  float64            `json:"maxBandwidthIn"`
	AvgBandwidthOut float64            `json:"avgBandwidthOut"`
	MaxBandwidthOut float64            `json:"maxBandwidthOut"`
	AvgPackets      float64            `json:"avgPackets"`
	MaxPackets      float64            `json:"maxPackets"`
	AvgRequests     float64            `json:"avgRequests"`
	MaxRequests     float64            `json:"maxRequests"`
	AvgLatency      float64            `json:"avgLatency"`
	MaxLatency      float64            `json:"maxLatency"`
	Multiplier      float64            `json:"multiplier"`
	Thresholds      BaselineThresholds `json:"thresholds"`
	ComputedAt      time.Time          `json:"computedAt"`
}

// Sufficient reports whether enough samples backed the baseline for anomaly
// scoring to be meaningful.
func (b *Baseline) Sufficient(minSamples int) bool {
	return b != nil && b.SampleCount >= minSamples
}

// ScoreResult is the anomaly verdict for a single sample.
type ScoreResult struct {
	IsAnomalous  bool     `json:"isAnomalous"`
	AnomalyScore float64  `json:"anomalyScore"`
	Signals      []Signal `json:"signals"`
}

// AttackType is the closed set of attack classifications.
type AttackType string

const (
	AttackVolumetric  AttackType = "volumetric"
	AttackProtocol    AttackType = "protocol"
	AttackApplication AttackType = "application_layer"
)

// AttackStatus is the lifecycle state of an Attack.
type AttackStatus string

const (
	StatusDetected   AttackStatus = "detected"
	StatusActive     AttackStatus = "active"
	StatusMitigating AttackStatus = "mitigating"
	StatusMitigated  AttackStatus = "mitigated"
	StatusResolved   AttackStatus = "resolved"
)

// OpenStatuses are the states considered part of an ongoing incident for
// deduplication purposes.
var OpenStatuses = []AttackStatus{StatusDetected, StatusActive, StatusMitigating}

func (s AttackStatus) Open() bool {
	for _, o := range OpenStatuses {
		if s == o {
			return true
		}
	}
	return false
}

type AttackTarget struct {
	Type      string   `json:"type"`
	Value     string   `json:"value"`
	ZoneID    string   `json:"zoneId,omitempty"`
	Endpoints []string `json:"endpoints,omitempty"`
}

type AttackSource struct {
	IPs       []string `json:"ips,omitempty"`
	ASNs      []string `json:"asns,omitempty"`
	Countries []string `json:"countries,omitempty"`
}

type AttackMetrics struct {
	Bandwidth     float64 `json:"bandwidth"`
	Packets       float64 `json:"packets"`
	PeakBandwidth float64 `json:"peakBandwidth"`
	// Duration is seconds since detection, recomputed while the attack is open.
	Duration float64 `json:"duration"`
}

type Detection struct {
	Method     string   `json:"method"`
	Confidence float64  `json:"confidence"`
	Signals    []Signal `json:"signals"`
}

type Timeline struct {
	Detected  time.Time  `json:"detected"`
	Started   time.Time  `json:"started"`
	Mitigated *time.Time `json:"mitigated,omitempty"`
	Resolved  *time.Time `json:"resolved,omitempty"`
}

// Mitigation status values for Attack.Mitigation.Status.
const (
	MitigationNone       = "none"
	MitigationInProgress = "in_progress"
	MitigationCompleted  = "completed"
)

type MitigationState struct {
	Status  string             `json:"status"`
	Actions []MitigationAction `json:"actions"`
}

// Attack is one distinct ongoing incident against a target. Actions are owned
// by the attack and referenced by ID only, never by back-pointer.
type Attack struct {
	ID         string          `json:"attackId"`
	TargetKey  string          `json:"targetKey"`
	Type       AttackType      `json:"type"`
	SubType    string          `json:"subType"`
	Target     AttackTarget    `json:"target"`
	Source     AttackSource    `json:"source"`
	Metrics    AttackMetrics   `json:"metrics"`
	Detection  Detection       `json:"detection"`
	Timeline   Timeline        `json:"timeline"`
	Status     AttackStatus    `json:"status"`
	Mitigation MitigationState `json:"mitigation"`

	// ConsecutiveAnomalies counts back-to-back anomalous samples and drives
	// the detected -> active promotion.
	ConsecutiveAnomalies int       `json:"consecutiveAnomalies"`
	LastAnomalyAt        time.Time `json:"lastAnomalyAt"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (a *Attack) Clone() *Attack {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Target.Endpoints = append([]string(nil), a.Target.Endpoints...)
	cp.Source.IPs = append([]string(nil), a.Source.IPs...)
	cp.Source.ASNs = append([]string(nil), a.Source.ASNs...)
	cp.Source.Countries = append([]string(nil), a.Source.Countries...)
	cp.Detection.Signals = append([]Signal(nil), a.Detection.Signals...)
	cp.Mitigation.Actions = append([]MitigationAction(nil), a.Mitigation.Actions...)
	if a.Timeline.Mitigated != nil {
		t := *a.Timeline.Mitigated
		cp.Timeline.Mitigated = &t
	}
	if a.Timeline.Resolved != nil {
		t := *a.Timeline.Resolved
		cp.Timeline.Resolved = &t
	}
	return &cp
}

// ActionType is the closed set of mitigation action kinds.
type ActionType string

const (
	ActionBlockIP   ActionType = "block_ip"
	ActionRateLimit ActionType = "rate_limit"
	ActionNullRoute ActionType = "null_route"
	ActionChallenge ActionType = "challenge"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionBlockIP, ActionRateLimit, ActionNullRoute, ActionChallenge:
		return true
	}
	return false
}

// ActionResult records the outcome of a single mitigation action.
type ActionResult string

const (
	ResultApplied ActionResult = "applied"
	ResultFailed  ActionResult = "failed"
	ResultSkipped ActionResult = "skipped"
)

// Actor values for MitigationAction.AppliedBy.
const (
	ActorSystem   = "system"
	ActorOperator = "operator"
)

// MitigationAction is one applied (or attempted) protective measure.
// Append-only; re-applying with the same IdempotencyKey is a no-op.
type MitigationAction struct {
	ID             string       `json:"id" db:"id"`
	AttackID       string       `json:"attackId" db:"attack_id"`
	ActionType     ActionType   `json:"actionType" db:"action_type"`
	Target         string       `json:"target" db:"target"`
	AppliedAt      time.Time    `json:"appliedAt" db:"applied_at"`
	AppliedBy      string       `json:"appliedBy" db:"applied_by"`
	IdempotencyKey string       `json:"idempotencyKey" db:"idempotency_key"`
	Result         ActionResult `json:"result" db:"result"`
	Error          string       `json:"error,omitempty" db:"error"`
}

// ActionRequest is an operator- or system-proposed action before application.
type ActionRequest struct {
	ActionType ActionType `json:"actionType"`
	Target     string     `json:"target"`
}

// ProtectionRule is static, operator-controlled configuration consulted at
// mitigation time. Lifecycle (active/inactive) is managed outside this core.
type ProtectionRule struct {
	ID        string     `json:"id" db:"id"`
	RuleType  ActionType `json:"ruleType" db:"rule_type"`
	Target    string     `json:"target" db:"target"`
	Active    bool       `json:"active" db:"active"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
}

// Classification is the classifier's verdict for an anomalous sample run.
type Classification struct {
	Type           AttackType `json:"type"`
	SubType        string     `json:"subType"`
	Confidence     float64    `json:"confidence"`
	EstimatedStart time.Time  `json:"estimatedStart"`
	Method         string     `json:"method"`
	Signals        []Signal   `json:"signals"`
	AnomalyScore   float64    `json:"anomalyScore"`
}

// EventKind names the outbound integration events.
type EventKind string

const (
	EventAttackDetected    EventKind = "attack-detected"
	EventAttackEscalated   EventKind = "attack-escalated"
	EventMitigationApplied EventKind = "mitigation-applied"
)

// Event is the payload fanned out to external security-platform sinks.
type Event struct {
	Kind      EventKind          `json:"kind"`
	Attack    Attack             `json:"attack"`
	Actions   []MitigationAction `json:"actions,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
