package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

// ErrInvalidTransition is returned when a requested state change is not in
// the transition table.
var ErrInvalidTransition = errors.New("invalid attack state transition")

// transitionTable is the closed set of legal state changes: forward along
// the lifecycle, plus the explicit reopen edge for attack resumption.
var transitionTable = map[AttackStatus]map[AttackStatus]bool{
	StatusDetected:   {StatusActive: true, StatusMitigating: true, StatusResolved: true},
	StatusActive:     {StatusMitigating: true, StatusResolved: true},
	StatusMitigating: {StatusMitigated: true, StatusResolved: true},
	StatusMitigated:  {StatusResolved: true, StatusActive: true},
	StatusResolved:   {StatusActive: true},
}

// LifecycleManager owns the attack state machine: creation, deduplication,
// transitions, and closure. Work is serialized per target key so concurrent
// ingestion for one target cannot create duplicate incidents.
type LifecycleManager struct {
	store      Store
	cfg        *ConfigHolder
	logger     *log.Logger
	dispatcher *Dispatcher

	locks   keyedMutex
	stop    chan struct{}
	done    chan struct{}
	started bool
	once    sync.Once
}

func NewLifecycleManager(store Store, cfg *ConfigHolder, logger *log.Logger, dispatcher *Dispatcher) *LifecycleManager {
	return &LifecycleManager{
		store:      store,
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Ingest folds a classification for targetKey into the attack timeline:
// merge into the open attack if one exists, reopen a recently closed one
// within the grace period, or create a fresh record.
func (m *LifecycleManager) Ingest(ctx context.Context, cls Classification, targetKey string, sample *TrafficSample, source AttackSource, target AttackTarget) (*Attack, error) {
	unlock := m.locks.Lock(targetKey)
	defer unlock()

	now := time.Now().UTC()

	attack, err := m.store.FindOpen(ctx, targetKey)
	if err != nil {
		return nil, err
	}
	if attack == nil {
		reopened, err := m.reopenWithinGrace(ctx, targetKey, now)
		if err != nil {
			return nil, err
		}
		attack = reopened
	}
	if attack == nil {
		return m.create(ctx, cls, targetKey, sample, source, target, now)
	}
	return m.merge(ctx, attack, cls, sample, source, now)
}

// reopenWithinGrace returns a recently closed attack flipped back to active
// when the new anomaly falls inside the grace period, modeling resumption of
// the same incident. Outside the grace period it returns nil and a new
// attack record is created instead.
func (m *LifecycleManager) reopenWithinGrace(ctx context.Context, targetKey string, now time.Time) (*Attack, error) {
	grace := m.cfg.Current().Lifecycle.Grace()
	closed, err := m.store.LatestClosed(ctx, targetKey)
	if err != nil {
		return nil, err
	}
	if closed == nil || now.Sub(closedAt(closed)) > grace {
		return nil, nil
	}
	if err := m.transition(closed, StatusActive, now); err != nil {
		return nil, err
	}
	closed.Timeline.Mitigated = nil
	closed.Timeline.Resolved = nil
	m.logger.Info().Str("attack", closed.ID).Str("target", targetKey).Msg("attack resumed within grace period")
	return closed, nil
}

func (m *LifecycleManager) create(ctx context.Context, cls Classification, targetKey string, sample *TrafficSample, source AttackSource, target AttackTarget, now time.Time) (*Attack, error) {
	fresh := &Attack{
		ID:        uuid.NewString(),
		TargetKey: targetKey,
		Type:      cls.Type,
		SubType:   cls.SubType,
		Target:    target,
		Source:    source,
		Metrics: AttackMetrics{
			Bandwidth:     sample.BandwidthIn,
			Packets:       sample.PacketsIn + sample.PacketsOut,
			PeakBandwidth: sample.BandwidthIn,
		},
		Detection: Detection{
			Method:     cls.Method,
			Confidence: cls.Confidence,
			Signals:    cls.Signals,
		},
		Timeline: Timeline{
			Detected: now,
			Started:  cls.EstimatedStart,
		},
		Status:               StatusDetected,
		Mitigation:           MitigationState{Status: MitigationNone},
		ConsecutiveAnomalies: 1,
		LastAnomalyAt:        now,
	}
	created, wasCreated, err := m.store.CreateAttack(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("failed to create attack: %w", err)
	}
	if !wasCreated {
		// Lost a cross-instance race; fold into the winner instead.
		return m.merge(ctx, created, cls, sample, source, now)
	}
	attacksDetectedMetric.WithLabelValues(string(created.Type)).Inc()
	m.logger.Info().
		Str("attack", created.ID).
		Str("target", targetKey).
		Str("type", string(created.Type)).
		Float64("confidence", created.Detection.Confidence).
		Msg("attack detected")
	m.dispatcher.Notify(Event{Kind: EventAttackDetected, Attack: *created.Clone(), Timestamp: now})
	return created, nil
}

// merge folds new signals and metrics into an ongoing attack instead of
// creating a duplicate record. This is the invariant that prevents alert
// storms from a single ongoing attack.
func (m *LifecycleManager) merge(ctx context.Context, attack *Attack, cls Classification, sample *TrafficSample, source AttackSource, now time.Time) (*Attack, error) {
	attack.Detection.Signals = append(attack.Detection.Signals, cls.Signals...)
	if cls.Confidence > attack.Detection.Confidence {
		attack.Detection.Confidence = cls.Confidence
	}
	if cls.EstimatedStart.Before(attack.Timeline.Started) {
		attack.Timeline.Started = cls.EstimatedStart
	}
	attack.Source.IPs = mergeStrings(attack.Source.IPs, source.IPs)
	attack.Source.ASNs = mergeStrings(attack.Source.ASNs, source.ASNs)
	attack.Source.Countries = mergeStrings(attack.Source.Countries, source.Countries)
	attack.Metrics.Bandwidth = sample.BandwidthIn
	attack.Metrics.Packets = sample.PacketsIn + sample.PacketsOut
	attack.Metrics.PeakBandwidth = maxFloat(attack.Metrics.PeakBandwidth, sample.BandwidthIn)
	attack.Metrics.Duration = now.Sub(attack.Timeline.Detected).Seconds()
	if m.precededByAnomaly(ctx, sample) {
		attack.ConsecutiveAnomalies++
	} else {
		attack.ConsecutiveAnomalies = 1
	}
	attack.LastAnomalyAt = now

	escalated := false
	if attack.Status == StatusDetected && attack.ConsecutiveAnomalies >= m.cfg.Current().Lifecycle.ActivationSamples {
		if err := m.transition(attack, StatusActive, now); err != nil {
			return nil, err
		}
		escalated = true
	}
	if err := m.store.UpdateAttack(ctx, attack); err != nil {
		return nil, err
	}
	if escalated {
		m.logger.Info().
			Str("attack", attack.ID).
			Str("target", attack.TargetKey).
			Int("samples", attack.ConsecutiveAnomalies).
			Msg("attack escalated to active")
		m.dispatcher.Notify(Event{Kind: EventAttackEscalated, Attack: *attack.Clone(), Timestamp: now})
	}
	return attack, nil
}

// precededByAnomaly reports whether the sample immediately before this one
// in the series was also flagged. A normal sample in between breaks the
// consecutive run; escalation then has to build up again from one. With no
// prior sample on record the run is treated as unbroken.
func (m *LifecycleManager) precededByAnomaly(ctx context.Context, sample *TrafficSample) bool {
	depth := m.cfg.Current().Detection.HistoryDepth
	recent, err := m.store.RecentSamples(ctx, sample.TargetID, sample.Interval, depth)
	if err != nil {
		return true
	}
	for _, prior := range recent {
		if prior.Timestamp.Before(sample.Timestamp) {
			return prior.AnomalyFlag
		}
	}
	return true
}

// MarkMitigating is invoked by the orchestrator once actions start applying.
// It re-reads under the target lock so a concurrent merge between the
// orchestrator's read and this write is never overwritten.
func (m *LifecycleManager) MarkMitigating(ctx context.Context, attack *Attack) error {
	unlock := m.locks.Lock(attack.TargetKey)
	defer unlock()

	current, err := m.store.GetAttack(ctx, attack.ID)
	if err != nil {
		return err
	}
	if current.Status != StatusMitigating {
		now := time.Now().UTC()
		if err := m.transition(current, StatusMitigating, now); err != nil {
			return err
		}
		current.Mitigation.Status = MitigationInProgress
		if err := m.store.UpdateAttack(ctx, current); err != nil {
			return err
		}
	}
	attack.Status = current.Status
	attack.Mitigation.Status = current.Mitigation.Status
	return nil
}

// Resolve forces the terminal transition; the only operator-cancellable
// operation in the core.
func (m *LifecycleManager) Resolve(ctx context.Context, attackID string) (*Attack, error) {
	attack, err := m.store.GetAttack(ctx, attackID)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(attack.TargetKey)
	defer unlock()

	// Re-read under the target lock to avoid clobbering concurrent merges.
	attack, err = m.store.GetAttack(ctx, attackID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := m.transition(attack, StatusResolved, now); err != nil {
		return nil, err
	}
	if attack.Mitigation.Status == MitigationInProgress {
		attack.Mitigation.Status = MitigationCompleted
	}
	if err := m.store.UpdateAttack(ctx, attack); err != nil {
		return nil, err
	}
	m.logger.Info().Str("attack", attack.ID).Msg("attack resolved by operator")
	return attack, nil
}

func (m *LifecycleManager) transition(attack *Attack, to AttackStatus, now time.Time) error {
	from := attack.Status
	if !transitionTable[from][to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	attack.Status = to
	switch to {
	case StatusMitigated:
		t := now
		attack.Timeline.Mitigated = &t
		attack.Metrics.Duration = now.Sub(attack.Timeline.Detected).Seconds()
	case StatusResolved:
		t := now
		attack.Timeline.Resolved = &t
		attack.Metrics.Duration = now.Sub(attack.Timeline.Detected).Seconds()
	}
	attackTransitionsMetric.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// Start launches the background sweeper that drives quiet-period
// transitions. Stop with Stop().
func (m *LifecycleManager) Start() {
	m.started = true
	go func() {
		defer close(m.done)
		for {
			interval := time.Duration(m.cfg.Current().Lifecycle.SweepSeconds) * time.Second
			select {
			case <-m.stop:
				return
			case <-time.After(interval):
				if err := m.Sweep(context.Background()); err != nil {
					m.logger.Error().Err(err).Msg("lifecycle sweep failed")
				}
			}
		}
	}()
}

func (m *LifecycleManager) Stop() {
	m.once.Do(func() { close(m.stop) })
	if m.started {
		<-m.done
	}
}

// Sweep applies the cool-down transitions: mitigating attacks with no
// anomalous samples for the cool-down period become mitigated; mitigated
// attacks quiet for the extended period become resolved. Detected/active
// attacks that were never mitigated are resolved after the same extended
// quiet period so they cannot linger forever.
func (m *LifecycleManager) Sweep(ctx context.Context) error {
	lifecycle := m.cfg.Current().Lifecycle
	now := time.Now().UTC()

	open, err := m.store.ListAttacks(ctx, []AttackStatus{StatusDetected, StatusActive, StatusMitigating, StatusMitigated}, 0, 0)
	if err != nil {
		return err
	}
	for i := range open {
		attack := &open[i]
		unlock := m.locks.Lock(attack.TargetKey)
		if err := m.sweepOne(ctx, attack, lifecycle, now); err != nil {
			m.logger.Warn().Err(err).Str("attack", attack.ID).Msg("sweep transition skipped")
		}
		unlock()
	}
	return nil
}

func (m *LifecycleManager) sweepOne(ctx context.Context, stale *Attack, lifecycle LifecycleConfig, now time.Time) error {
	// Re-read under the lock; the listing snapshot may be outdated.
	attack, err := m.store.GetAttack(ctx, stale.ID)
	if err != nil {
		return err
	}
	quietFor := now.Sub(attack.LastAnomalyAt)

	var to AttackStatus
	switch attack.Status {
	case StatusMitigating:
		if quietFor < lifecycle.Cooldown() {
			return nil
		}
		to = StatusMitigated
	case StatusMitigated:
		if now.Sub(closedAt(attack)) < lifecycle.Quiet() {
			return nil
		}
		to = StatusResolved
	case StatusDetected, StatusActive:
		if quietFor < lifecycle.Quiet() {
			return nil
		}
		to = StatusResolved
	default:
		return nil
	}
	if err := m.transition(attack, to, now); err != nil {
		return err
	}
	if to == StatusMitigated && attack.Mitigation.Status == MitigationInProgress {
		attack.Mitigation.Status = MitigationCompleted
	}
	if err := m.store.UpdateAttack(ctx, attack); err != nil {
		return err
	}
	m.logger.Info().
		Str("attack", attack.ID).
		Str("from", string(stale.Status)).
		Str("to", string(to)).
		Msg("attack state advanced by sweeper")
	return nil
}

func mergeStrings(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[v] = true
	}
	for _, v := range incoming {
		if v != "" && !seen[v] {
			existing = append(existing, v)
			seen[v] = true
		}
	}
	return existing
}
