package sentinel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

var ErrUnknownAction = errors.New("no applier registered for action type")

// ActionApplier pushes one mitigation action to the data plane. Appliers
// must be safe for concurrent use.
type ActionApplier interface {
	Apply(ctx context.Context, attack *Attack, action *MitigationAction) error
}

// Blocklist tracks addresses already covered by an applied block. The
// orchestrator consults it to skip redundant blocks for the same source.
type Blocklist struct {
	mu   sync.RWMutex
	nets []*net.IPNet
}

func (b *Blocklist) Add(target string) {
	parsed := parseCIDRs([]string{target})
	if len(parsed) == 0 {
		return
	}
	b.mu.Lock()
	b.nets = append(b.nets, parsed...)
	b.mu.Unlock()
}

func (b *Blocklist) Covers(target string) bool {
	host := target
	if i := strings.IndexByte(target, '/'); i >= 0 {
		host = target[:i]
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return ipInNets(host, b.nets)
}

// Built-in action appliers

type BlockIPApplier struct {
	blocklist *Blocklist
}

func (a *BlockIPApplier) Apply(ctx context.Context, attack *Attack, action *MitigationAction) error {
	if net.ParseIP(action.Target) == nil {
		if _, _, err := net.ParseCIDR(action.Target); err != nil {
			return fmt.Errorf("block_ip target %q is not an IP or CIDR", action.Target)
		}
	}
	a.blocklist.Add(action.Target)
	return nil
}

type RateLimitApplier struct {
	limiter *TokenBucketRateLimiter
}

func (a *RateLimitApplier) Apply(ctx context.Context, attack *Attack, action *MitigationAction) error {
	if action.Target == "" {
		return errors.New("rate_limit requires a target")
	}
	a.limiter.Limit(action.Target)
	return nil
}

type NullRouteApplier struct {
	blocklist *Blocklist
}

func (a *NullRouteApplier) Apply(ctx context.Context, attack *Attack, action *MitigationAction) error {
	if _, _, err := net.ParseCIDR(action.Target); err != nil {
		if net.ParseIP(action.Target) == nil {
			return fmt.Errorf("null_route target %q is not an IP or CIDR", action.Target)
		}
	}
	a.blocklist.Add(action.Target)
	return nil
}

type ChallengeApplier struct{}

func (a *ChallengeApplier) Apply(ctx context.Context, attack *Attack, action *MitigationAction) error {
	if action.Target == "" {
		return errors.New("challenge requires a target")
	}
	return nil
}

// ApplierRegistry maps action types to their appliers.
type ApplierRegistry struct {
	appliers map[ActionType]ActionApplier
}

func NewApplierRegistry(blocklist *Blocklist, limiter *TokenBucketRateLimiter) *ApplierRegistry {
	registry := &ApplierRegistry{
		appliers: make(map[ActionType]ActionApplier),
	}
	// Register built-ins
	registry.Register(ActionBlockIP, &BlockIPApplier{blocklist: blocklist})
	registry.Register(ActionRateLimit, &RateLimitApplier{limiter: limiter})
	registry.Register(ActionNullRoute, &NullRouteApplier{blocklist: blocklist})
	registry.Register(ActionChallenge, &ChallengeApplier{})
	return registry
}

func (r *ApplierRegistry) Register(actionType ActionType, applier ActionApplier) {
	r.appliers[actionType] = applier
}

func (r *ApplierRegistry) Get(actionType ActionType) (ActionApplier, bool) {
	applier, exists := r.appliers[actionType]
	return applier, exists
}

// Orchestrator turns attack classifications into mitigation actions:
// automatically for high-confidence attacks, or on operator request.
type Orchestrator struct {
	store      Store
	cfg        *ConfigHolder
	logger     *log.Logger
	registry   *ApplierRegistry
	blocklist  *Blocklist
	lifecycle  *LifecycleManager
	dispatcher *Dispatcher
}

func NewOrchestrator(store Store, cfg *ConfigHolder, logger *log.Logger, registry *ApplierRegistry, blocklist *Blocklist, lifecycle *LifecycleManager, dispatcher *Dispatcher) *Orchestrator {
	return &Orchestrator{
		store:      store,
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		blocklist:  blocklist,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
	}
}

// DecideAndApply runs the automatic mitigation policy. Below the confidence
// bar it does nothing and the attack stays pending for an operator.
func (o *Orchestrator) DecideAndApply(ctx context.Context, attack *Attack) ([]MitigationAction, error) {
	mitigation := o.cfg.Current().Mitigation
	if attack.Detection.Confidence < mitigation.AutoConfidence {
		return nil, nil
	}
	var requests []ActionRequest
	for i, ip := range attack.Source.IPs {
		if i >= mitigation.MaxBlockedIPs {
			break
		}
		requests = append(requests, ActionRequest{ActionType: ActionBlockIP, Target: ip})
	}
	requests = append(requests, ActionRequest{ActionType: ActionRateLimit, Target: attack.TargetKey})
	return o.Apply(ctx, attack, requests, ActorSystem)
}

// Apply executes the requested actions against an attack. Each action is
// recorded exactly once per (attack, type, target); repeated requests return
// the previously recorded outcome. A failing action never aborts the batch.
func (o *Orchestrator) Apply(ctx context.Context, attack *Attack, requests []ActionRequest, appliedBy string) ([]MitigationAction, error) {
	results := make([]MitigationAction, 0, len(requests))
	applied := 0
	for _, req := range requests {
		action, err := o.applyOne(ctx, attack, req, appliedBy)
		if err != nil {
			return results, err
		}
		results = append(results, *action)
		if action.Result == ResultApplied {
			applied++
		}
	}
	if applied > 0 {
		if err := o.lifecycle.MarkMitigating(ctx, attack); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return results, err
		}
		o.dispatcher.Notify(Event{
			Kind:      EventMitigationApplied,
			Attack:    *attack.Clone(),
			Actions:   results,
			Timestamp: time.Now().UTC(),
		})
	}
	return results, nil
}

func (o *Orchestrator) applyOne(ctx context.Context, attack *Attack, req ActionRequest, appliedBy string) (*MitigationAction, error) {
	if !req.ActionType.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.ActionType)
	}
	key := idempotencyKey(attack.ID, req.ActionType, req.Target)
	if existing, err := o.store.FindAction(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	action := &MitigationAction{
		ID:             uuid.NewString(),
		AttackID:       attack.ID,
		ActionType:     req.ActionType,
		Target:         req.Target,
		IdempotencyKey: key,
		AppliedBy:      appliedBy,
		AppliedAt:      time.Now().UTC(),
	}

	switch {
	case req.ActionType == ActionBlockIP && o.blocklist.Covers(req.Target):
		action.Result = ResultSkipped
		action.Error = "target already covered by an active block"
	default:
		applier, ok := o.registry.Get(req.ActionType)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.ActionType)
		}
		if err := applier.Apply(ctx, attack, action); err != nil {
			action.Result = ResultFailed
			action.Error = err.Error()
			o.logger.Warn().
				Str("attack", attack.ID).
				Str("action", string(req.ActionType)).
				Str("target", req.Target).
				Err(err).
				Msg("mitigation action failed")
		} else {
			action.Result = ResultApplied
		}
	}

	recorded, created, err := o.store.AppendAction(ctx, action)
	if err != nil {
		return nil, err
	}
	if created {
		mitigationActionsMetric.WithLabelValues(string(recorded.ActionType), string(recorded.Result)).Inc()
		o.logger.Info().
			Str("attack", attack.ID).
			Str("action", string(recorded.ActionType)).
			Str("target", recorded.Target).
			Str("result", string(recorded.Result)).
			Str("applied_by", appliedBy).
			Msg("mitigation action recorded")
	}
	return recorded, nil
}

func idempotencyKey(attackID string, actionType ActionType, target string) string {
	return fmt.Sprintf("%s|%s|%s", attackID, actionType, target)
}
