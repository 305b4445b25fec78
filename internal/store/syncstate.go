package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncState persists the last-sync watermark per (app_key, collection_key).
// A missing entry means "never synced" and forces full-sync semantics.
type SyncState struct {
	DB *pgxpool.Pool
}

// NewSyncState creates the sync-state store.
func NewSyncState(db *pgxpool.Pool) *SyncState {
	return &SyncState{DB: db}
}

// GetLastSynced returns the stored watermark, or nil when the slice has
// never synced successfully.
func (s *SyncState) GetLastSynced(ctx context.Context, appKey, collectionKey string) (*time.Time, error) {
	var ts time.Time
	err := s.DB.QueryRow(ctx, `
		SELECT last_synced_at FROM supasaasy.sync_state
		WHERE app_key = $1 AND collection_key = $2
	`, appKey, collectionKey).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last synced: %w", err)
	}
	return &ts, nil
}

// SetLastSynced records a successful per-resource sync. Callers pass the
// sync start instant, not completion, so writes that land mid-sync are
// picked up next cycle.
func (s *SyncState) SetLastSynced(ctx context.Context, appKey, collectionKey string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO supasaasy.sync_state (app_key, collection_key, last_synced_at, last_success_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (app_key, collection_key) DO UPDATE SET
			last_synced_at  = EXCLUDED.last_synced_at,
			last_success_at = NOW()
	`, appKey, collectionKey, at)
	if err != nil {
		return fmt.Errorf("set last synced: %w", err)
	}
	return nil
}
