package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DiagnosticsRepository maintains hour-bucketed per-asset counters.
// The streaming worker and the main loop both write, so increments run
// inside a transaction holding a row lock.
type DiagnosticsRepository struct {
	db *DB
}

// NewDiagnosticsRepository creates a diagnostics repository
func NewDiagnosticsRepository(db *DB) *DiagnosticsRepository {
	return &DiagnosticsRepository{db: db}
}

// WindowStart aligns an instant to its hour bucket
func WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// AddCounters folds delta into the asset's current hourly window,
// creating the row when absent. Counters add; maps merge by key.
func (r *DiagnosticsRepository) AddCounters(ctx context.Context, assetID int64, at time.Time, delta *AssetDiagnostics) error {
	windowStart := WindowStart(at)
	windowEnd := windowStart.Add(time.Hour)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning diagnostics tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT id, candles_evaluated, setups_generated, setups_discarded,
			risk_evaluated, risk_approved, risk_rejected, ranges_built, rejection_reasons
		 FROM asset_diagnostics
		 WHERE asset_id = $1 AND window_start = $2
		 FOR UPDATE`, assetID, windowStart)

	current := AssetDiagnostics{
		AssetID:     assetID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	}
	var rangesJSON, reasonsJSON []byte
	err = row.Scan(&current.ID, &current.CandlesEvaluated, &current.SetupsGenerated,
		&current.SetupsDiscarded, &current.RiskEvaluated, &current.RiskApproved,
		&current.RiskRejected, &rangesJSON, &reasonsJSON)
	exists := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("locking diagnostics row: %w", err)
	}
	if exists {
		if err := json.Unmarshal(rangesJSON, &current.RangesBuilt); err != nil {
			return fmt.Errorf("unmarshalling ranges_built: %w", err)
		}
		if err := json.Unmarshal(reasonsJSON, &current.RejectionReasons); err != nil {
			return fmt.Errorf("unmarshalling rejection_reasons: %w", err)
		}
	}

	current.Merge(delta)

	newRanges, err := json.Marshal(orEmpty(current.RangesBuilt))
	if err != nil {
		return fmt.Errorf("marshalling ranges_built: %w", err)
	}
	newReasons, err := json.Marshal(orEmpty(current.RejectionReasons))
	if err != nil {
		return fmt.Errorf("marshalling rejection_reasons: %w", err)
	}

	if exists {
		_, err = tx.Exec(ctx,
			`UPDATE asset_diagnostics SET
				candles_evaluated = $1, setups_generated = $2, setups_discarded = $3,
				risk_evaluated = $4, risk_approved = $5, risk_rejected = $6,
				ranges_built = $7, rejection_reasons = $8
			 WHERE id = $9`,
			current.CandlesEvaluated, current.SetupsGenerated, current.SetupsDiscarded,
			current.RiskEvaluated, current.RiskApproved, current.RiskRejected,
			newRanges, newReasons, current.ID)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO asset_diagnostics
				(asset_id, window_start, window_end, candles_evaluated, setups_generated,
				 setups_discarded, risk_evaluated, risk_approved, risk_rejected,
				 ranges_built, rejection_reasons)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			 ON CONFLICT (asset_id, window_start) DO UPDATE SET
				candles_evaluated = asset_diagnostics.candles_evaluated + EXCLUDED.candles_evaluated,
				setups_generated = asset_diagnostics.setups_generated + EXCLUDED.setups_generated,
				setups_discarded = asset_diagnostics.setups_discarded + EXCLUDED.setups_discarded,
				risk_evaluated = asset_diagnostics.risk_evaluated + EXCLUDED.risk_evaluated,
				risk_approved = asset_diagnostics.risk_approved + EXCLUDED.risk_approved,
				risk_rejected = asset_diagnostics.risk_rejected + EXCLUDED.risk_rejected,
				ranges_built = EXCLUDED.ranges_built,
				rejection_reasons = EXCLUDED.rejection_reasons`,
			assetID, windowStart, windowEnd,
			current.CandlesEvaluated, current.SetupsGenerated, current.SetupsDiscarded,
			current.RiskEvaluated, current.RiskApproved, current.RiskRejected,
			newRanges, newReasons)
	}
	if err != nil {
		return fmt.Errorf("writing diagnostics: %w", err)
	}
	return tx.Commit(ctx)
}

// Aggregate merges all windows for an asset between from and to
func (r *DiagnosticsRepository) Aggregate(ctx context.Context, assetID int64, from, to time.Time) (*AssetDiagnostics, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, asset_id, window_start, window_end, candles_evaluated,
			setups_generated, setups_discarded, risk_evaluated, risk_approved,
			risk_rejected, ranges_built, rejection_reasons
		 FROM asset_diagnostics
		 WHERE asset_id = $1 AND window_start >= $2 AND window_start < $3
		 ORDER BY window_start`, assetID, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying diagnostics: %w", err)
	}
	defer rows.Close()

	total := &AssetDiagnostics{
		AssetID:          assetID,
		WindowStart:      from,
		WindowEnd:        from,
		RangesBuilt:      make(map[string]int),
		RejectionReasons: make(map[string]int),
	}
	for rows.Next() {
		var d AssetDiagnostics
		var rangesJSON, reasonsJSON []byte
		if err := rows.Scan(&d.ID, &d.AssetID, &d.WindowStart, &d.WindowEnd,
			&d.CandlesEvaluated, &d.SetupsGenerated, &d.SetupsDiscarded,
			&d.RiskEvaluated, &d.RiskApproved, &d.RiskRejected,
			&rangesJSON, &reasonsJSON); err != nil {
			return nil, fmt.Errorf("scanning diagnostics: %w", err)
		}
		if err := json.Unmarshal(rangesJSON, &d.RangesBuilt); err != nil {
			return nil, fmt.Errorf("unmarshalling ranges_built: %w", err)
		}
		if err := json.Unmarshal(reasonsJSON, &d.RejectionReasons); err != nil {
			return nil, fmt.Errorf("unmarshalling rejection_reasons: %w", err)
		}
		total.Merge(&d)
	}
	return total, rows.Err()
}

func orEmpty(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
