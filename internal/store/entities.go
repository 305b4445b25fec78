// Package store holds the pgx-backed persistence layer. The entity table is
// exclusively owned here; handlers and the sync engine mutate it only
// through these operations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/leftbrainit/supasaasy/internal/connector"
)

var (
	// ErrUpsertFailed marks transient persistence failures; the caller
	// records a task error and continues.
	ErrUpsertFailed = errors.New("entity upsert failed")
	// ErrConstraintViolation marks schema drift (unexpected constraint
	// failures other than the idempotency triple).
	ErrConstraintViolation = errors.New("entity constraint violation")
)

// Entities persists canonical upstream records keyed by the unique
// (app_key, collection_key, external_id) triple.
type Entities struct {
	DB *pgxpool.Pool
}

// NewEntities creates the entity store.
func NewEntities(db *pgxpool.Pool) *Entities {
	return &Entities{DB: db}
}

// Upsert inserts or replaces one record. The returned outcome discriminates
// insert from update so sync counters can be attributed.
func (s *Entities) Upsert(ctx context.Context, e connector.NormalizedEntity) (connector.UpsertOutcome, error) {
	payload, err := json.Marshal(e.RawPayload)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal payload: %v", ErrUpsertFailed, err)
	}

	// xmax = 0 only for freshly inserted rows, which is the cheapest
	// created/updated discriminator Postgres offers for ON CONFLICT.
	var inserted bool
	err = s.DB.QueryRow(ctx, `
		INSERT INTO supasaasy.entities
			(app_key, collection_key, external_id, api_version, raw_payload, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (app_key, collection_key, external_id) DO UPDATE SET
			raw_payload = EXCLUDED.raw_payload,
			api_version = EXCLUDED.api_version,
			archived_at = EXCLUDED.archived_at,
			updated_at  = NOW()
		RETURNING (xmax = 0)
	`, e.AppKey, e.CollectionKey, e.ExternalID, e.APIVersion, payload, e.ArchivedAt).Scan(&inserted)
	if err != nil {
		return 0, classifyPgError(err)
	}
	if inserted {
		return connector.OutcomeCreated, nil
	}
	return connector.OutcomeUpdated, nil
}

// BatchResult reports one element of an UpsertBatch.
type BatchResult struct {
	Index   int
	Outcome connector.UpsertOutcome
	Err     error
}

// UpsertBatch applies the same semantics as Upsert atomically per batch.
// Partial failure is reported element-wise; any element error rolls the
// batch back.
func (s *Entities) UpsertBatch(ctx context.Context, entities []connector.NormalizedEntity) ([]BatchResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUpsertFailed, err)
	}
	defer tx.Rollback(ctx)

	results := make([]BatchResult, 0, len(entities))
	failed := false
	for i, e := range entities {
		payload, err := json.Marshal(e.RawPayload)
		if err != nil {
			results = append(results, BatchResult{Index: i, Err: fmt.Errorf("%w: marshal payload: %v", ErrUpsertFailed, err)})
			failed = true
			continue
		}
		var inserted bool
		err = tx.QueryRow(ctx, `
			INSERT INTO supasaasy.entities
				(app_key, collection_key, external_id, api_version, raw_payload, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (app_key, collection_key, external_id) DO UPDATE SET
				raw_payload = EXCLUDED.raw_payload,
				api_version = EXCLUDED.api_version,
				archived_at = EXCLUDED.archived_at,
				updated_at  = NOW()
			RETURNING (xmax = 0)
		`, e.AppKey, e.CollectionKey, e.ExternalID, e.APIVersion, payload, e.ArchivedAt).Scan(&inserted)
		if err != nil {
			results = append(results, BatchResult{Index: i, Err: classifyPgError(err)})
			failed = true
			continue
		}
		outcome := connector.OutcomeUpdated
		if inserted {
			outcome = connector.OutcomeCreated
		}
		results = append(results, BatchResult{Index: i, Outcome: outcome})
	}

	if failed {
		return results, fmt.Errorf("%w: batch rolled back", ErrUpsertFailed)
	}
	if err := tx.Commit(ctx); err != nil {
		return results, fmt.Errorf("%w: commit: %v", ErrUpsertFailed, err)
	}
	return results, nil
}

// Delete physically removes one record. Returns whether a row existed.
func (s *Entities) Delete(ctx context.Context, appKey, collectionKey, externalID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM supasaasy.entities
		WHERE app_key = $1 AND collection_key = $2 AND external_id = $3
	`, appKey, collectionKey, externalID)
	if err != nil {
		return false, classifyPgError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetExternalIDs returns every external id currently stored for one
// (app_key, collection_key) slice.
func (s *Entities) GetExternalIDs(ctx context.Context, appKey, collectionKey string) (map[string]struct{}, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT external_id FROM supasaasy.entities
		WHERE app_key = $1 AND collection_key = $2
	`, appKey, collectionKey)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// GetExternalIDsCreatedAfter returns the slice's external ids whose upstream
// creation timestamp is at or after the threshold. Payloads without a
// numeric "created" field fall back to the local created_at column, so a
// sync_from window never widens the reconciliation scope.
func (s *Entities) GetExternalIDsCreatedAfter(ctx context.Context, appKey, collectionKey string, unixSeconds int64) (map[string]struct{}, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT external_id FROM supasaasy.entities
		WHERE app_key = $1 AND collection_key = $2
		  AND COALESCE(
			CASE WHEN raw_payload->>'created' ~ '^[0-9]+$'
			     THEN (raw_payload->>'created')::bigint END,
			EXTRACT(EPOCH FROM created_at)::bigint
		  ) >= $3
	`, appKey, collectionKey, unixSeconds)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectIDs(rows rowScanner) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classifyPgError(err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return ids, nil
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
		log.Error().Err(err).Str("code", pgErr.Code).Msg("entity_constraint_violation")
		return fmt.Errorf("%w: %s", ErrConstraintViolation, pgErr.Code)
	}
	return fmt.Errorf("%w: %v", ErrUpsertFailed, err)
}
