package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flightline-ai/squawk/model"
)

// LearnedPattern is an observed (strategy, pattern) pair recorded at
// decomposition time so later outcomes can be attributed to it.
type LearnedPattern struct {
	ID          string         `json:"id"`
	Strategy    model.Strategy `json:"strategy"`
	Pattern     string         `json:"pattern"`
	TaskSummary string         `json:"task_summary,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// PatternOutcome records how a mission that matched a pattern ended up.
type PatternOutcome struct {
	ID         string    `json:"id"`
	PatternID  string    `json:"pattern_id"`
	MissionID  string    `json:"mission_id"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PatternStore records detected patterns and their mission outcomes. It is
// write-mostly; the read path exists for auditing strategy selection.
type PatternStore struct {
	db *DB
}

// RecordPattern inserts a learned pattern and returns it.
func (p *PatternStore) RecordPattern(ctx context.Context, strategy model.Strategy, pattern, taskSummary string) (LearnedPattern, error) {
	if err := p.db.checkOpen(); err != nil {
		return LearnedPattern{}, err
	}
	lp := LearnedPattern{
		ID:          model.NewID("pat"),
		Strategy:    strategy,
		Pattern:     pattern,
		TaskSummary: taskSummary,
		CreatedAt:   p.db.clock.Now(),
	}
	_, err := p.db.db.ExecContext(ctx,
		`INSERT INTO learned_patterns (id, strategy, pattern, task_summary, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		lp.ID, string(lp.Strategy), lp.Pattern, nullStr(lp.TaskSummary), encodeTime(lp.CreatedAt))
	if err != nil {
		return LearnedPattern{}, fmt.Errorf("failed to record pattern: %w", err)
	}
	return lp, nil
}

// RecordOutcome attributes a mission outcome to a learned pattern.
func (p *PatternStore) RecordOutcome(ctx context.Context, patternID, missionID, outcome, details string) (PatternOutcome, error) {
	if err := p.db.checkOpen(); err != nil {
		return PatternOutcome{}, err
	}
	po := PatternOutcome{
		ID:         model.NewID("pout"),
		PatternID:  patternID,
		MissionID:  missionID,
		Outcome:    outcome,
		Details:    details,
		RecordedAt: p.db.clock.Now(),
	}
	_, err := p.db.db.ExecContext(ctx,
		`INSERT INTO pattern_outcomes (id, pattern_id, mission_id, outcome, details, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		po.ID, po.PatternID, po.MissionID, po.Outcome, nullStr(po.Details), encodeTime(po.RecordedAt))
	if err != nil {
		return PatternOutcome{}, fmt.Errorf("failed to record pattern outcome: %w", err)
	}
	return po, nil
}

// OutcomesForPattern lists outcomes recorded against a pattern.
func (p *PatternStore) OutcomesForPattern(ctx context.Context, patternID string) ([]PatternOutcome, error) {
	if err := p.db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := p.db.db.QueryContext(ctx,
		`SELECT id, pattern_id, mission_id, outcome, details, recorded_at
		 FROM pattern_outcomes WHERE pattern_id = ? ORDER BY recorded_at ASC`, patternID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outcomes []PatternOutcome
	for rows.Next() {
		var (
			po       PatternOutcome
			details  sql.NullString
			recorded string
		)
		if err := rows.Scan(&po.ID, &po.PatternID, &po.MissionID, &po.Outcome, &details, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan pattern outcome row: %w", err)
		}
		po.Details = details.String
		if po.RecordedAt, err = decodeTime(recorded); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, po)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pattern outcome rows: %w", err)
	}
	return outcomes, nil
}
