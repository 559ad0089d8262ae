package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateSample is returned when a sample with the same
	// (targetId, interval, timestamp) natural key already exists.
	ErrDuplicateSample = errors.New("duplicate traffic sample")
	// ErrAttackNotFound is returned for lookups of unknown attack IDs.
	ErrAttackNotFound = errors.New("attack not found")
)

// Store is the pluggable persistence boundary for samples, attacks, actions,
// and protection rules.
type Store interface {
	InsertSample(ctx context.Context, sample *TrafficSample) error
	SamplesSince(ctx context.Context, targetID string, interval SampleInterval, since time.Time) ([]TrafficSample, error)
	// RecentSamples returns up to limit samples for the target, newest first.
	RecentSamples(ctx context.Context, targetID string, interval SampleInterval, limit int) ([]TrafficSample, error)

	// FindOpen returns the attack for targetKey whose status is in
	// OpenStatuses, or nil when none exists.
	FindOpen(ctx context.Context, targetKey string) (*Attack, error)
	// CreateAttack inserts a new attack. When an open attack for the same
	// targetKey already exists (concurrent creation), the existing record is
	// returned with created=false.
	CreateAttack(ctx context.Context, attack *Attack) (result *Attack, created bool, err error)
	GetAttack(ctx context.Context, id string) (*Attack, error)
	UpdateAttack(ctx context.Context, attack *Attack) error
	// LatestClosed returns the most recently closed (mitigated or resolved)
	// attack for targetKey, or nil.
	LatestClosed(ctx context.Context, targetKey string) (*Attack, error)
	ListAttacks(ctx context.Context, statuses []AttackStatus, limit, offset int) ([]Attack, error)

	// AppendAction records a mitigation action. When an action with the same
	// idempotency key exists, the prior record is returned with created=false
	// and nothing is written.
	AppendAction(ctx context.Context, action *MitigationAction) (result *MitigationAction, created bool, err error)
	FindAction(ctx context.Context, idempotencyKey string) (*MitigationAction, error)
	ActionsFor(ctx context.Context, attackID string) ([]MitigationAction, error)

	ActiveRules(ctx context.Context) ([]ProtectionRule, error)
	SaveRule(ctx context.Context, rule *ProtectionRule) error

	HealthCheck() error
}

// InMemoryStore implements Store with map-backed storage. Suitable for tests
// and single-instance deployments without durability requirements.
type InMemoryStore struct {
	mu           sync.RWMutex
	samples      map[string]*TrafficSample // natural key -> sample
	sampleOrder  map[string][]string       // target|interval -> natural keys, insertion order
	attacks      map[string]*Attack
	actions      map[string]*MitigationAction // idempotency key -> action
	actionOrder  []string
	rules        map[string]*ProtectionRule
	attackSerial int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		samples:     make(map[string]*TrafficSample),
		sampleOrder: make(map[string][]string),
		attacks:     make(map[string]*Attack),
		actions:     make(map[string]*MitigationAction),
		rules:       make(map[string]*ProtectionRule),
	}
}

func sampleKey(targetID string, interval SampleInterval, ts time.Time) string {
	return fmt.Sprintf("%s|%s|%d", targetID, interval, ts.UnixNano())
}

func seriesKey(targetID string, interval SampleInterval) string {
	return fmt.Sprintf("%s|%s", targetID, interval)
}

func (s *InMemoryStore) InsertSample(ctx context.Context, sample *TrafficSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sampleKey(sample.TargetID, sample.Interval, sample.Timestamp)
	if _, exists := s.samples[key]; exists {
		return ErrDuplicateSample
	}
	cp := *sample
	s.samples[key] = &cp
	series := seriesKey(sample.TargetID, sample.Interval)
	s.sampleOrder[series] = append(s.sampleOrder[series], key)
	return nil
}

func (s *InMemoryStore) seriesSamples(targetID string, interval SampleInterval) []TrafficSample {
	keys := s.sampleOrder[seriesKey(targetID, interval)]
	out := make([]TrafficSample, 0, len(keys))
	for _, key := range keys {
		if sample, ok := s.samples[key]; ok {
			out = append(out, *sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *InMemoryStore) SamplesSince(ctx context.Context, targetID string, interval SampleInterval, since time.Time) ([]TrafficSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.seriesSamples(targetID, interval)
	out := all[:0:0]
	for _, sample := range all {
		if !sample.Timestamp.Before(since) {
			out = append(out, sample)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecentSamples(ctx context.Context, targetID string, interval SampleInterval, limit int) ([]TrafficSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.seriesSamples(targetID, interval)
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]TrafficSample, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *InMemoryStore) FindOpen(ctx context.Context, targetKey string) (*Attack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findOpenLocked(targetKey), nil
}

func (s *InMemoryStore) findOpenLocked(targetKey string) *Attack {
	for _, attack := range s.attacks {
		if attack.TargetKey == targetKey && attack.Status.Open() {
			return attack.Clone()
		}
	}
	return nil
}

func (s *InMemoryStore) CreateAttack(ctx context.Context, attack *Attack) (*Attack, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Uniqueness constraint: one open attack per target key.
	if existing := s.findOpenLocked(attack.TargetKey); existing != nil {
		return existing, false, nil
	}
	s.attackSerial++
	cp := attack.Clone()
	s.attacks[cp.ID] = cp
	return cp.Clone(), true, nil
}

func (s *InMemoryStore) GetAttack(ctx context.Context, id string) (*Attack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attack, ok := s.attacks[id]
	if !ok {
		return nil, ErrAttackNotFound
	}
	return attack.Clone(), nil
}

func (s *InMemoryStore) UpdateAttack(ctx context.Context, attack *Attack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attacks[attack.ID]; !ok {
		return ErrAttackNotFound
	}
	s.attacks[attack.ID] = attack.Clone()
	return nil
}

func (s *InMemoryStore) LatestClosed(ctx context.Context, targetKey string) (*Attack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Attack
	for _, attack := range s.attacks {
		if attack.TargetKey != targetKey || attack.Status.Open() {
			continue
		}
		if latest == nil || closedAt(attack).After(closedAt(latest)) {
			latest = attack
		}
	}
	return latest.Clone(), nil
}

func closedAt(a *Attack) time.Time {
	if a.Timeline.Resolved != nil {
		return *a.Timeline.Resolved
	}
	if a.Timeline.Mitigated != nil {
		return *a.Timeline.Mitigated
	}
	return a.LastAnomalyAt
}

func (s *InMemoryStore) ListAttacks(ctx context.Context, statuses []AttackStatus, limit, offset int) ([]Attack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[AttackStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	var out []Attack
	for _, attack := range s.attacks {
		if len(wanted) > 0 && !wanted[attack.Status] {
			continue
		}
		out = append(out, *attack.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timeline.Detected.After(out[j].Timeline.Detected)
	})
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) AppendAction(ctx context.Context, action *MitigationAction) (*MitigationAction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.actions[action.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *action
	s.actions[action.IdempotencyKey] = &cp
	s.actionOrder = append(s.actionOrder, action.IdempotencyKey)
	out := cp
	return &out, true, nil
}

func (s *InMemoryStore) FindAction(ctx context.Context, idempotencyKey string) (*MitigationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	action, ok := s.actions[idempotencyKey]
	if !ok {
		return nil, nil
	}
	cp := *action
	return &cp, nil
}

func (s *InMemoryStore) ActionsFor(ctx context.Context, attackID string) ([]MitigationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MitigationAction
	for _, key := range s.actionOrder {
		if action, ok := s.actions[key]; ok && action.AttackID == attackID {
			out = append(out, *action)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ActiveRules(ctx context.Context) ([]ProtectionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ProtectionRule
	for _, rule := range s.rules {
		if rule.Active {
			out = append(out, *rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveRule(ctx context.Context, rule *ProtectionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *InMemoryStore) HealthCheck() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_ = len(s.samples)
	_ = len(s.attacks)
	return nil
}
