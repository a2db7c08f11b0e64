package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mirovane/lookalike/api/schemas"
)

const createRunSQL = `
INSERT INTO runs (id, type, input, config, status, stats)
VALUES ($1, $2, $3, $4, 'pending', '{}')
RETURNING id, type, input, config, status, current_layer, api_calls,
    stats, created_at, updated_at, completed_at;
`

// CreateRun allocates a fresh run identifier and inserts a pending row.
func (s *Store) CreateRun(ctx context.Context, runType schemas.RunType, input string, cfg schemas.RunConfig) (*schemas.Run, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run config: %w", err)
	}

	row := s.pool.QueryRow(ctx, createRunSQL, uuid.NewString(), string(runType), input, cfgJSON)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	s.log.Info("Run created",
		zap.String("run_id", run.ID),
		zap.String("type", string(run.Type)),
		zap.String("input", run.Input))
	return run, nil
}

const getRunSQL = `
SELECT id, type, input, config, status, current_layer, api_calls,
    stats, created_at, updated_at, completed_at
FROM runs WHERE id = $1;
`

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*schemas.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, getRunSQL, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

const listRunsSQL = `
SELECT r.id, r.type, r.input, r.config, r.status, r.current_layer,
    r.api_calls, r.stats, r.created_at, r.updated_at, r.completed_at,
    COALESCE(e.cnt, 0)
FROM runs r
LEFT JOIN (
    SELECT run_id, COUNT(*) AS cnt FROM run_profiles GROUP BY run_id
) e ON e.run_id = r.id
ORDER BY r.created_at DESC
LIMIT $1;
`

// ListRuns returns the most recent runs, newest first, each with the
// number of profiles linked to it.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]schemas.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []schemas.Run
	for rows.Next() {
		var (
			run                schemas.Run
			cfgJSON, statsJSON []byte
		)
		if err := rows.Scan(
			&run.ID, &run.Type, &run.Input, &cfgJSON, &run.Status,
			&run.CurrentLayer, &run.APICalls, &statsJSON,
			&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt,
			&run.ProfileCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if err := decodeRunBlobs(&run, cfgJSON, statsJSON); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during run row iteration: %w", err)
	}
	return runs, nil
}

const startRunSQL = `
UPDATE runs SET status = 'running', updated_at = now()
WHERE id = $1 AND status = 'pending';
`

// StartRun moves a pending run to running. The status predicate lives in
// the UPDATE itself so two concurrent triggers for the same run cannot
// both succeed: exactly one sees a pending row. Non-pending runs yield
// ErrConflict without any mutation; unknown ids yield ErrNotFound.
func (s *Store) StartRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, startRunSQL, runID)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", runID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrConflict
}

const transitionRunSQL = `
UPDATE runs SET
    status = $2,
    stats = stats || $3,
    updated_at = now(),
    completed_at = CASE WHEN $2 IN ('completed', 'failed')
        THEN now() ELSE completed_at END
WHERE id = $1 AND status NOT IN ('completed', 'failed');
`

// TransitionRun applies a monotonic status change and shallow-merges
// statsPatch into the stored stats blob. Terminal states are never left
// again; attempting to do so returns ErrInvalidTransition. Stats from
// earlier progress updates are preserved, which is what keeps partial
// results inspectable after a failure.
func (s *Store) TransitionRun(ctx context.Context, runID string, status schemas.RunStatus, statsPatch schemas.RunStats) error {
	if status == schemas.RunStatusPending {
		return ErrInvalidTransition
	}
	if statsPatch == nil {
		statsPatch = schemas.RunStats{}
	}
	patchJSON, err := json.Marshal(statsPatch)
	if err != nil {
		return fmt.Errorf("failed to marshal stats patch: %w", err)
	}

	tag, err := s.pool.Exec(ctx, transitionRunSQL, runID, string(status), patchJSON)
	if err != nil {
		return fmt.Errorf("failed to transition run %s to %s: %w", runID, status, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	s.log.Info("Run transitioned",
		zap.String("run_id", runID),
		zap.String("status", string(status)))
	return nil
}

const updateRunProgressSQL = `
UPDATE runs SET
    current_layer = $2,
    api_calls = $3,
    stats = stats || $4,
    updated_at = now()
WHERE id = $1 AND status NOT IN ('completed', 'failed');
`

// UpdateRunProgress persists the layer counter, the cumulative external
// call counter, and a running stats patch after each completed layer.
func (s *Store) UpdateRunProgress(ctx context.Context, runID string, layer, apiCalls int, statsPatch schemas.RunStats) error {
	if statsPatch == nil {
		statsPatch = schemas.RunStats{}
	}
	patchJSON, err := json.Marshal(statsPatch)
	if err != nil {
		return fmt.Errorf("failed to marshal stats patch: %w", err)
	}
	if _, err := s.pool.Exec(ctx, updateRunProgressSQL, runID, layer, apiCalls, patchJSON); err != nil {
		return fmt.Errorf("failed to update progress for run %s: %w", runID, err)
	}
	return nil
}

func scanRun(row pgx.Row) (*schemas.Run, error) {
	var (
		run                schemas.Run
		cfgJSON, statsJSON []byte
	)
	if err := row.Scan(
		&run.ID, &run.Type, &run.Input, &cfgJSON, &run.Status,
		&run.CurrentLayer, &run.APICalls, &statsJSON,
		&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeRunBlobs(&run, cfgJSON, statsJSON); err != nil {
		return nil, err
	}
	return &run, nil
}

func decodeRunBlobs(run *schemas.Run, cfgJSON, statsJSON []byte) error {
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &run.Config); err != nil {
			return fmt.Errorf("failed to unmarshal config for run %s: %w", run.ID, err)
		}
	}
	run.Stats = schemas.RunStats{}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &run.Stats); err != nil {
			return fmt.Errorf("failed to unmarshal stats for run %s: %w", run.ID, err)
		}
	}
	return nil
}
