package sentinel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS traffic_samples (
	id            TEXT PRIMARY KEY,
	target_id     TEXT NOT NULL,
	interval      TEXT NOT NULL,
	timestamp     INTEGER NOT NULL,
	bandwidth_in  REAL NOT NULL,
	bandwidth_out REAL NOT NULL,
	packets_in    REAL NOT NULL,
	packets_out   REAL NOT NULL,
	request_total REAL NOT NULL,
	latency_avg   REAL NOT NULL,
	anomaly_flag  INTEGER NOT NULL,
	anomaly_score REAL NOT NULL,
	UNIQUE(target_id, interval, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_samples_series ON traffic_samples(target_id, interval, timestamp);

CREATE TABLE IF NOT EXISTS attacks (
	id           TEXT PRIMARY KEY,
	target_key   TEXT NOT NULL,
	status       TEXT NOT NULL,
	document     TEXT NOT NULL,
	detected_at  INTEGER NOT NULL,
	closed_at    INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attacks_open_target
	ON attacks(target_key) WHERE status IN ('detected','active','mitigating');

CREATE TABLE IF NOT EXISTS mitigation_actions (
	id              TEXT PRIMARY KEY,
	attack_id       TEXT NOT NULL,
	action_type     TEXT NOT NULL,
	target          TEXT NOT NULL,
	applied_at      INTEGER NOT NULL,
	applied_by      TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	result          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_actions_attack ON mitigation_actions(attack_id);

CREATE TABLE IF NOT EXISTS protection_rules (
	id         TEXT PRIMARY KEY,
	rule_type  TEXT NOT NULL,
	target     TEXT NOT NULL,
	active     INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
`

// SQLStore implements Store on SQLite via sqlx. The schema's unique indexes
// back the dedup and idempotency invariants across process instances: one
// open attack per target key, one action per idempotency key, one sample per
// natural key.
type SQLStore struct {
	db *sqlx.DB
}

func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// SQLite handles one writer at a time; serialize on a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

type sampleRow struct {
	ID           string  `db:"id"`
	TargetID     string  `db:"target_id"`
	Interval     string  `db:"interval"`
	Timestamp    int64   `db:"timestamp"`
	BandwidthIn  float64 `db:"bandwidth_in"`
	BandwidthOut float64 `db:"bandwidth_out"`
	PacketsIn    float64 `db:"packets_in"`
	PacketsOut   float64 `db:"packets_out"`
	RequestTotal float64 `db:"request_total"`
	LatencyAvg   float64 `db:"latency_avg"`
	AnomalyFlag  bool    `db:"anomaly_flag"`
	AnomalyScore float64 `db:"anomaly_score"`
}

func (r sampleRow) toSample() TrafficSample {
	return TrafficSample{
		ID:           r.ID,
		TargetID:     r.TargetID,
		Interval:     SampleInterval(r.Interval),
		Timestamp:    time.Unix(0, r.Timestamp).UTC(),
		BandwidthIn:  r.BandwidthIn,
		BandwidthOut: r.BandwidthOut,
		PacketsIn:    r.PacketsIn,
		PacketsOut:   r.PacketsOut,
		RequestTotal: r.RequestTotal,
		LatencyAvg:   r.LatencyAvg,
		AnomalyFlag:  r.AnomalyFlag,
		AnomalyScore: r.AnomalyScore,
	}
}

func (s *SQLStore) InsertSample(ctx context.Context, sample *TrafficSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traffic_samples
			(id, target_id, interval, timestamp, bandwidth_in, bandwidth_out,
			 packets_in, packets_out, request_total, latency_avg, anomaly_flag, anomaly_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.ID, sample.TargetID, string(sample.Interval), sample.Timestamp.UnixNano(),
		sample.BandwidthIn, sample.BandwidthOut, sample.PacketsIn, sample.PacketsOut,
		sample.RequestTotal, sample.LatencyAvg, sample.AnomalyFlag, sample.AnomalyScore)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSample
		}
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

func (s *SQLStore) SamplesSince(ctx context.Context, targetID string, interval SampleInterval, since time.Time) ([]TrafficSample, error) {
	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM traffic_samples
		WHERE target_id = ? AND interval = ? AND timestamp >= ?
		ORDER BY timestamp ASC`,
		targetID, string(interval), since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	out := make([]TrafficSample, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSample())
	}
	return out, nil
}

func (s *SQLStore) RecentSamples(ctx context.Context, targetID string, interval SampleInterval, limit int) ([]TrafficSample, error) {
	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM traffic_samples
		WHERE target_id = ? AND interval = ?
		ORDER BY timestamp DESC LIMIT ?`,
		targetID, string(interval), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent samples: %w", err)
	}
	out := make([]TrafficSample, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSample())
	}
	return out, nil
}

type attackRow struct {
	ID         string        `db:"id"`
	TargetKey  string        `db:"target_key"`
	Status     string        `db:"status"`
	Document   string        `db:"document"`
	DetectedAt int64         `db:"detected_at"`
	ClosedAt   sql.NullInt64 `db:"closed_at"`
}

func (r attackRow) toAttack() (*Attack, error) {
	var attack Attack
	if err := json.Unmarshal([]byte(r.Document), &attack); err != nil {
		return nil, fmt.Errorf("failed to decode attack %s: %w", r.ID, err)
	}
	return &attack, nil
}

func attackToRow(attack *Attack) (*attackRow, error) {
	doc, err := json.Marshal(attack)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attack %s: %w", attack.ID, err)
	}
	row := &attackRow{
		ID:         attack.ID,
		TargetKey:  attack.TargetKey,
		Status:     string(attack.Status),
		Document:   string(doc),
		DetectedAt: attack.Timeline.Detected.UnixNano(),
	}
	if !closedAt(attack).IsZero() && !attack.Status.Open() {
		row.ClosedAt = sql.NullInt64{Int64: closedAt(attack).UnixNano(), Valid: true}
	}
	return row, nil
}

var openStatusSQL = "('detected','active','mitigating')"

func (s *SQLStore) FindOpen(ctx context.Context, targetKey string) (*Attack, error) {
	var row attackRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM attacks WHERE target_key = ? AND status IN `+openStatusSQL+` LIMIT 1`,
		targetKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open attack: %w", err)
	}
	return row.toAttack()
}

func (s *SQLStore) CreateAttack(ctx context.Context, attack *Attack) (*Attack, bool, error) {
	row, err := attackToRow(attack)
	if err != nil {
		return nil, false, err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO attacks (id, target_key, status, document, detected_at, closed_at)
		VALUES (:id, :target_key, :status, :document, :detected_at, :closed_at)`, row)
	if err != nil {
		// Lost the open-attack uniqueness race; hand back the winner.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, findErr := s.FindOpen(ctx, attack.TargetKey)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create attack: %w", err)
	}
	return attack.Clone(), true, nil
}

func (s *SQLStore) GetAttack(ctx context.Context, id string) (*Attack, error) {
	var row attackRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM attacks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attack: %w", err)
	}
	return row.toAttack()
}

func (s *SQLStore) UpdateAttack(ctx context.Context, attack *Attack) error {
	row, err := attackToRow(attack)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE attacks SET status = :status, document = :document, closed_at = :closed_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("failed to update attack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAttackNotFound
	}
	return nil
}

func (s *SQLStore) LatestClosed(ctx context.Context, targetKey string) (*Attack, error) {
	var row attackRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM attacks
		WHERE target_key = ? AND status IN ('mitigated','resolved')
		ORDER BY closed_at DESC LIMIT 1`, targetKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find closed attack: %w", err)
	}
	return row.toAttack()
}

func (s *SQLStore) ListAttacks(ctx context.Context, statuses []AttackStatus, limit, offset int) ([]Attack, error) {
	query := `SELECT * FROM attacks`
	args := []any{}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY detected_at DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	var rows []attackRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list attacks: %w", err)
	}
	out := make([]Attack, 0, len(rows))
	for _, row := range rows {
		attack, err := row.toAttack()
		if err != nil {
			return nil, err
		}
		out = append(out, *attack)
	}
	return out, nil
}

func (s *SQLStore) AppendAction(ctx context.Context, action *MitigationAction) (*MitigationAction, bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mitigation_actions
			(id, attack_id, action_type, target, applied_at, applied_by, idempotency_key, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.AttackID, string(action.ActionType), action.Target,
		action.AppliedAt.UnixNano(), action.AppliedBy, action.IdempotencyKey,
		string(action.Result), action.Error)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, findErr := s.FindAction(ctx, action.IdempotencyKey)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to append action: %w", err)
	}
	cp := *action
	return &cp, true, nil
}

type actionRow struct {
	ID             string `db:"id"`
	AttackID       string `db:"attack_id"`
	ActionType     string `db:"action_type"`
	Target         string `db:"target"`
	AppliedAt      int64  `db:"applied_at"`
	AppliedBy      string `db:"applied_by"`
	IdempotencyKey string `db:"idempotency_key"`
	Result         string `db:"result"`
	Error          string `db:"error"`
}

func (r actionRow) toAction() MitigationAction {
	return MitigationAction{
		ID:             r.ID,
		AttackID:       r.AttackID,
		ActionType:     ActionType(r.ActionType),
		Target:         r.Target,
		AppliedAt:      time.Unix(0, r.AppliedAt).UTC(),
		AppliedBy:      r.AppliedBy,
		IdempotencyKey: r.IdempotencyKey,
		Result:         ActionResult(r.Result),
		Error:          r.Error,
	}
}

func (s *SQLStore) FindAction(ctx context.Context, idempotencyKey string) (*MitigationAction, error) {
	var row actionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM mitigation_actions WHERE idempotency_key = ?`, idempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find action: %w", err)
	}
	action := row.toAction()
	return &action, nil
}

func (s *SQLStore) ActionsFor(ctx context.Context, attackID string) ([]MitigationAction, error) {
	var rows []actionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM mitigation_actions WHERE attack_id = ? ORDER BY applied_at ASC`, attackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	out := make([]MitigationAction, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAction())
	}
	return out, nil
}

type ruleRow struct {
	ID        string `db:"id"`
	RuleType  string `db:"rule_type"`
	Target    string `db:"target"`
	Active    bool   `db:"active"`
	CreatedAt int64  `db:"created_at"`
}

func (s *SQLStore) ActiveRules(ctx context.Context) ([]ProtectionRule, error) {
	var rows []ruleRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM protection_rules WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]ProtectionRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, ProtectionRule{
			ID:        row.ID,
			RuleType:  ActionType(row.RuleType),
			Target:    row.Target,
			Active:    row.Active,
			CreatedAt: time.Unix(0, row.CreatedAt).UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) SaveRule(ctx context.Context, rule *ProtectionRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO protection_rules (id, rule_type, target, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET rule_type=excluded.rule_type,
			target=excluded.target, active=excluded.active`,
		rule.ID, string(rule.RuleType), rule.Target, rule.Active, rule.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *SQLStore) HealthCheck() error {
	return s.db.Ping()
}
