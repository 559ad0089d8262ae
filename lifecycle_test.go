package sentinel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestLifecycle(t *testing.T) (*LifecycleManager, *InMemoryStore, *Dispatcher) {
	t.Helper()
	store := NewInMemoryStore()
	holder := testHolder()
	logger := testLogger()
	dispatcher := NewDispatcher(holder, logger)
	t.Cleanup(dispatcher.Close)
	return NewLifecycleManager(store, holder, logger, dispatcher), store, dispatcher
}

func testClassification() Classification {
	return Classification{
		Type:           AttackVolumetric,
		SubType:        "bandwidth_flood",
		Confidence:     60,
		EstimatedStart: time.Now().UTC().Add(-5 * time.Minute),
		Method:         DetectionMethod,
		Signals: []Signal{
			{Signal: SignalBandwidth, Observed: 900, Threshold: 300, Severity: 1},
		},
		AnomalyScore: 0.9,
	}
}

func testSample(target string) *TrafficSample {
	return &TrafficSample{
		ID:           uuid.NewString(),
		TargetID:     target,
		Interval:     Interval5m,
		Timestamp:    time.Now().UTC(),
		BandwidthIn:  900,
		PacketsIn:    100,
		RequestTotal: 200,
	}
}

func TestIngestCreatesThenMerges(t *testing.T) {
	manager, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	first, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{IPs: []string{"203.0.113.7"}}, AttackTarget{Type: "service", Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != StatusDetected {
		t.Fatalf("new attack must start detected, got %s", first.Status)
	}
	if first.ConsecutiveAnomalies != 1 {
		t.Fatalf("expected 1 consecutive anomaly, got %d", first.ConsecutiveAnomalies)
	}

	second, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{IPs: []string{"203.0.113.8"}}, AttackTarget{Type: "service", Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("ongoing attack must merge, got a second record %s vs %s", second.ID, first.ID)
	}
	if second.ConsecutiveAnomalies != 2 {
		t.Fatalf("expected 2 consecutive anomalies, got %d", second.ConsecutiveAnomalies)
	}
	if second.Status != StatusActive {
		t.Fatalf("attack must escalate to active at the activation count, got %s", second.Status)
	}
	if len(second.Source.IPs) != 2 {
		t.Fatalf("source IPs must merge, got %v", second.Source.IPs)
	}
}

func TestMarkMitigatingKeepsConcurrentMerge(t *testing.T) {
	manager, store, _ := newTestLifecycle(t)
	ctx := context.Background()

	first, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{IPs: []string{"203.0.113.7"}}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale := *first

	// A merge lands between the read and the status change.
	if _, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{IPs: []string{"203.0.113.8"}}, AttackTarget{Value: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := manager.MarkMitigating(ctx, &stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, err := store.GetAttack(ctx, first.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != StatusMitigating {
		t.Fatalf("expected mitigating, got %s", stored.Status)
	}
	if stored.ConsecutiveAnomalies != 2 {
		t.Fatalf("a stale writer must not roll back the merge, got %d consecutive anomalies", stored.ConsecutiveAnomalies)
	}
	if len(stored.Source.IPs) != 2 {
		t.Fatalf("merged source IPs must survive, got %v", stored.Source.IPs)
	}
	if stale.Status != StatusMitigating {
		t.Fatalf("caller's copy must reflect the stored status, got %s", stale.Status)
	}
}

func TestNormalSampleBreaksConsecutiveRun(t *testing.T) {
	manager, store, _ := newTestLifecycle(t)
	ctx := context.Background()
	now := time.Now().UTC()

	spike := testSample("web-1")
	spike.Timestamp = now.Add(-15 * time.Minute)
	spike.AnomalyFlag = true
	if err := store.InsertSample(ctx, spike); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := manager.Ingest(ctx, testClassification(), "web-1", spike, AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ConsecutiveAnomalies != 1 {
		t.Fatalf("expected 1 consecutive anomaly, got %d", first.ConsecutiveAnomalies)
	}

	calm := testSample("web-1")
	calm.Timestamp = now.Add(-10 * time.Minute)
	calm.BandwidthIn = 100
	if err := store.InsertSample(ctx, calm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spike2 := testSample("web-1")
	spike2.Timestamp = now.Add(-5 * time.Minute)
	spike2.AnomalyFlag = true
	if err := store.InsertSample(ctx, spike2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := manager.Ingest(ctx, testClassification(), "web-1", spike2, AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("the open attack must absorb the new anomaly, got %s vs %s", second.ID, first.ID)
	}
	if second.ConsecutiveAnomalies != 1 {
		t.Fatalf("a calm sample in between must reset the run, got %d", second.ConsecutiveAnomalies)
	}
	if second.Status != StatusDetected {
		t.Fatalf("separated spikes must not escalate, got %s", second.Status)
	}

	spike3 := testSample("web-1")
	spike3.Timestamp = now
	spike3.AnomalyFlag = true
	if err := store.InsertSample(ctx, spike3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	third, err := manager.Ingest(ctx, testClassification(), "web-1", spike3, AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.ConsecutiveAnomalies != 2 {
		t.Fatalf("back-to-back anomalies must extend the run, got %d", third.ConsecutiveAnomalies)
	}
	if third.Status != StatusActive {
		t.Fatalf("an unbroken run must escalate, got %s", third.Status)
	}
}

func TestIngestKeepsDistinctTargetsSeparate(t *testing.T) {
	manager, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	a, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := manager.Ingest(ctx, testClassification(), "web-2", testSample("web-2"), AttackSource{}, AttackTarget{Value: "web-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("different targets must get different attack records")
	}
}

func TestMergeTracksPeakBandwidth(t *testing.T) {
	manager, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	sample := testSample("web-1")
	sample.BandwidthIn = 900
	if _, err := manager.Ingest(ctx, testClassification(), "web-1", sample, AttackSource{}, AttackTarget{Value: "web-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lower := testSample("web-1")
	lower.BandwidthIn = 500
	attack, err := manager.Ingest(ctx, testClassification(), "web-1", lower, AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attack.Metrics.PeakBandwidth != 900 {
		t.Fatalf("peak bandwidth must not regress, got %g", attack.Metrics.PeakBandwidth)
	}
	if attack.Metrics.Bandwidth != 500 {
		t.Fatalf("current bandwidth must follow the latest sample, got %g", attack.Metrics.Bandwidth)
	}
}

func TestResolveThenReopenWithinGrace(t *testing.T) {
	manager, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	attack, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := manager.Resolve(ctx, attack.ID); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	reopened, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reopened.ID != attack.ID {
		t.Fatalf("anomaly within the grace period must reopen the incident, got new record %s", reopened.ID)
	}
	if reopened.Status != StatusActive {
		t.Fatalf("reopened attack must be active, got %s", reopened.Status)
	}
	if reopened.Timeline.Resolved != nil {
		t.Fatalf("reopened attack must clear its resolved time")
	}
}

func TestNewAttackAfterGraceExpires(t *testing.T) {
	manager, store, _ := newTestLifecycle(t)
	ctx := context.Background()

	attack, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Close it well outside the grace period.
	old := time.Now().UTC().Add(-time.Hour)
	attack.Status = StatusResolved
	attack.Timeline.Resolved = &old
	if err := store.UpdateAttack(ctx, attack); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	fresh, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh.ID == attack.ID {
		t.Fatalf("a stale incident must not be reopened after the grace period")
	}
	if fresh.Status != StatusDetected {
		t.Fatalf("fresh attack must start detected, got %s", fresh.Status)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	manager, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	attack, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := manager.Resolve(ctx, attack.ID); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := manager.Resolve(ctx, attack.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resolving a resolved attack must fail, got %v", err)
	}
}

func TestSweepAdvancesQuietAttacks(t *testing.T) {
	manager, store, _ := newTestLifecycle(t)
	ctx := context.Background()

	attack, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	attack.Status = StatusMitigating
	attack.Mitigation.Status = MitigationInProgress
	attack.LastAnomalyAt = time.Now().UTC().Add(-10 * time.Minute) // past the 5m cool-down
	if err := store.UpdateAttack(ctx, attack); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := manager.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	swept, err := store.GetAttack(ctx, attack.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if swept.Status != StatusMitigated {
		t.Fatalf("quiet mitigating attack must become mitigated, got %s", swept.Status)
	}
	if swept.Mitigation.Status != MitigationCompleted {
		t.Fatalf("mitigation must be marked completed, got %s", swept.Mitigation.Status)
	}
	if swept.Timeline.Mitigated == nil {
		t.Fatalf("mitigated timeline entry must be set")
	}
}

func TestSweepHoldsRecentlyAnomalousAttacks(t *testing.T) {
	manager, store, _ := newTestLifecycle(t)
	ctx := context.Background()

	attack, err := manager.Ingest(ctx, testClassification(), "web-1", testSample("web-1"), AttackSource{}, AttackTarget{Value: "web-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	attack.Status = StatusMitigating
	attack.LastAnomalyAt = time.Now().UTC().Add(-time.Minute) // within cool-down
	if err := store.UpdateAttack(ctx, attack); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := manager.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	held, err := store.GetAttack(ctx, attack.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if held.Status != StatusMitigating {
		t.Fatalf("attack inside the cool-down must stay mitigating, got %s", held.Status)
	}
}
