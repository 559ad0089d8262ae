package sentinel

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
)

// Engine is the composition root: it wires the store, detection pipeline,
// lifecycle manager, and mitigation orchestrator behind one API surface.
type Engine struct {
	store      Store
	cfg        *ConfigHolder
	logger     *log.Logger
	baseline   *BaselineEngine
	scorer     *AnomalyScorer
	classifier *Classifier
	lifecycle  *LifecycleManager
	orch       *Orchestrator
	dispatcher *Dispatcher
	ledger     *DetectionLedger
	blocklist  *Blocklist
	limiter    *TokenBucketRateLimiter

	watcher *fsnotify.Watcher
}

func NewEngine(store Store, cfg *ConfigHolder, logger *log.Logger) *Engine {
	dispatcher := NewDispatcher(cfg, logger)
	dispatcher.Register(&LogSink{Logger: logger})
	for _, url := range cfg.Current().Dispatcher.Webhooks {
		dispatcher.Register(NewWebhookSink(url, cfg.Current().Dispatcher.Timeout()))
	}

	blocklist := &Blocklist{}
	limiter := NewTokenBucketRateLimiter(cfg.Current().Mitigation.RateLimitRPM, time.Minute)
	registry := NewApplierRegistry(blocklist, limiter)
	lifecycle := NewLifecycleManager(store, cfg, logger, dispatcher)

	return &Engine{
		store:      store,
		cfg:        cfg,
		logger:     logger,
		baseline:   NewBaselineEngine(store, cfg),
		scorer:     NewAnomalyScorer(cfg),
		classifier: NewClassifier(store, cfg),
		lifecycle:  lifecycle,
		orch:       NewOrchestrator(store, cfg, logger, registry, blocklist, lifecycle, dispatcher),
		dispatcher: dispatcher,
		ledger:     NewDetectionLedger(cfg.Current().Lifecycle.Quiet()),
		blocklist:  blocklist,
		limiter:    limiter,
	}
}

// Start launches background work: the lifecycle sweeper and the blocklist
// preload from persisted protection rules.
func (e *Engine) Start(ctx context.Context) error {
	rules, err := e.store.ActiveRules(ctx)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if rule.RuleType == ActionBlockIP || rule.RuleType == ActionNullRoute {
			e.blocklist.Add(rule.Target)
		}
	}
	e.lifecycle.Start()
	return nil
}

func (e *Engine) Stop() {
	e.lifecycle.Stop()
	e.dispatcher.Close()
	e.StopWatcher()
}

// AnalysisResult is the verdict for one ingested sample.
type AnalysisResult struct {
	Sample   *TrafficSample `json:"sample"`
	Baseline *Baseline      `json:"baseline"`
	Score    ScoreResult    `json:"score"`
}

// AnalyzeTraffic validates, scores, and persists one traffic sample.
// Duplicate samples by natural key return ErrDuplicateSample unpersisted.
func (e *Engine) AnalyzeTraffic(ctx context.Context, in *TrafficInput) (*AnalysisResult, error) {
	sample, err := validateTrafficInput(in)
	if err != nil {
		return nil, err
	}
	if e.limiter.Limited(sample.TargetID) {
		allowed, _, _, lerr := e.limiter.Allow(sample.TargetID)
		if lerr == nil && !allowed {
			return nil, ErrRateLimited
		}
	}
	baseline, err := e.baseline.Compute(ctx, sample.TargetID, sample.Interval, 0)
	if err != nil {
		return nil, err
	}
	score := e.scorer.Score(sample, baseline)
	sample.AnomalyFlag = score.IsAnomalous
	sample.AnomalyScore = score.AnomalyScore

	if err := e.store.InsertSample(ctx, sample); err != nil {
		return nil, err
	}
	samplesIngestedMetric.WithLabelValues(string(sample.Interval)).Inc()
	anomalyScoreHistogram.Observe(score.AnomalyScore)
	if score.IsAnomalous {
		anomaliesDetectedMetric.Inc()
		e.ledger.Record(DetectionEvent{
			TargetKey:    sample.TargetID,
			Interval:     string(sample.Interval),
			AnomalyScore: score.AnomalyScore,
			Signals:      score.Signals,
		})
	}
	return &AnalysisResult{Sample: sample, Baseline: baseline, Score: score}, nil
}

// DetectionOutcome is the result of a full detection round: sample verdict
// plus the attack record it created or merged into, when anomalous.
type DetectionOutcome struct {
	IsAttack bool               `json:"isAttack"`
	Sample   *TrafficSample     `json:"sample"`
	Score    ScoreResult        `json:"score"`
	Attack   *Attack            `json:"attack,omitempty"`
	Actions  []MitigationAction `json:"actions,omitempty"`
}

// DetectAttack runs the full pipeline for one sample: analyze, classify,
// fold into the attack lifecycle, and trigger automatic mitigation for
// high-confidence attacks. An already-seen sample is re-evaluated without
// being persisted twice.
func (e *Engine) DetectAttack(ctx context.Context, in *TrafficInput) (*DetectionOutcome, error) {
	analysis, err := e.AnalyzeTraffic(ctx, in)
	if err != nil && !errors.Is(err, ErrDuplicateSample) {
		return nil, err
	}
	if analysis == nil {
		// Duplicate: score the sample again without persisting.
		sample, verr := validateTrafficInput(in)
		if verr != nil {
			return nil, verr
		}
		baseline, berr := e.baseline.Compute(ctx, sample.TargetID, sample.Interval, 0)
		if berr != nil {
			return nil, berr
		}
		score := e.scorer.Score(sample, baseline)
		sample.AnomalyFlag = score.IsAnomalous
		sample.AnomalyScore = score.AnomalyScore
		analysis = &AnalysisResult{Sample: sample, Baseline: baseline, Score: score}
	}

	outcome := &DetectionOutcome{
		Sample: analysis.Sample,
		Score:  analysis.Score,
	}
	if !analysis.Score.IsAnomalous {
		return outcome, nil
	}

	cls := e.classifier.Classify(ctx, analysis.Sample, analysis.Score)
	source := AttackSource{IPs: in.SourceIPs, ASNs: in.SourceASNs, Countries: in.SourceCountries}
	target := AttackTarget{
		Type:      in.TargetType,
		Value:     analysis.Sample.TargetID,
		ZoneID:    in.ZoneID,
		Endpoints: in.Endpoints,
	}
	if target.Type == "" {
		target.Type = "service"
	}

	attack, err := e.lifecycle.Ingest(ctx, cls, analysis.Sample.TargetID, analysis.Sample, source, target)
	if err != nil {
		return nil, err
	}
	e.ledger.Record(DetectionEvent{
		TargetKey:    analysis.Sample.TargetID,
		Interval:     string(analysis.Sample.Interval),
		AnomalyScore: analysis.Score.AnomalyScore,
		Signals:      analysis.Score.Signals,
		AttackID:     attack.ID,
		AttackType:   string(attack.Type),
	})

	actions, err := e.orch.DecideAndApply(ctx, attack)
	if err != nil {
		return nil, err
	}
	if len(actions) > 0 {
		// Re-read so the response reflects the mitigating status.
		attack, err = e.store.GetAttack(ctx, attack.ID)
		if err != nil {
			return nil, err
		}
	}
	attack.Mitigation.Actions, err = e.store.ActionsFor(ctx, attack.ID)
	if err != nil {
		return nil, err
	}

	outcome.IsAttack = true
	outcome.Attack = attack
	outcome.Actions = actions
	return outcome, nil
}

// Mitigate applies operator-requested actions to an attack.
func (e *Engine) Mitigate(ctx context.Context, attackID string, requests []ActionRequest, appliedBy string) (*Attack, []MitigationAction, error) {
	attack, err := e.store.GetAttack(ctx, attackID)
	if err != nil {
		return nil, nil, err
	}
	actions, err := e.orch.Apply(ctx, attack, requests, appliedBy)
	if err != nil {
		return nil, actions, err
	}
	attack, err = e.store.GetAttack(ctx, attackID)
	if err != nil {
		return nil, actions, err
	}
	attack.Mitigation.Actions, err = e.store.ActionsFor(ctx, attackID)
	if err != nil {
		return nil, actions, err
	}
	return attack, actions, nil
}

// Resolve closes an attack on operator request.
func (e *Engine) Resolve(ctx context.Context, attackID string) (*Attack, error) {
	attack, err := e.lifecycle.Resolve(ctx, attackID)
	if err != nil {
		return nil, err
	}
	e.limiter.Release(attack.TargetKey)
	return attack, nil
}

// Baseline exposes the computed baseline for a target and interval.
func (e *Engine) Baseline(ctx context.Context, targetID string, interval SampleInterval, windowHours int) (*Baseline, error) {
	return e.baseline.Compute(ctx, targetID, interval, windowHours)
}

func (e *Engine) GetAttack(ctx context.Context, attackID string) (*Attack, error) {
	attack, err := e.store.GetAttack(ctx, attackID)
	if err != nil {
		return nil, err
	}
	attack.Mitigation.Actions, err = e.store.ActionsFor(ctx, attackID)
	if err != nil {
		return nil, err
	}
	return attack, nil
}

func (e *Engine) ListAttacks(ctx context.Context, statuses []AttackStatus, limit, offset int) ([]Attack, error) {
	attacks, err := e.store.ListAttacks(ctx, statuses, limit, offset)
	if err != nil {
		return nil, err
	}
	open := 0
	for i := range attacks {
		if attacks[i].Status.Open() {
			open++
		}
	}
	if len(statuses) == 0 {
		openAttacksGauge.Set(float64(open))
	}
	return attacks, nil
}

func (e *Engine) Summary() DetectionSummary {
	return e.ledger.Summary()
}

func (e *Engine) HealthCheck() error {
	return e.store.HealthCheck()
}

// WatchConfig reloads policy values when the config file changes. Invalid
// files are logged and ignored; the previous config stays live.
func (e *Engine) WatchConfig(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	e.watcher = watcher
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					e.logger.Warn().Str("path", path).Err(err).Msg("config reload rejected")
					continue
				}
				e.cfg.Swap(cfg)
				e.logger.Info().Str("path", path).Msg("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}

func (e *Engine) StopWatcher() {
	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}
}
