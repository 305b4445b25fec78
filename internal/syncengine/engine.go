// Package syncengine implements the generic cursor loop shared by every
// connector: pagination, normalization, per-item upsert and deletion
// reconciliation all live here.
package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leftbrainit/supasaasy/internal/connector"
)

// ListResult is one page from a provider listing.
type ListResult struct {
	Items      []map[string]any
	NextCursor string
	HasMore    bool
}

// ListFunc fetches one page. The cursor is opaque to the engine.
type ListFunc func(ctx context.Context, cursor string, opts connector.SyncOptions) (*ListResult, error)

// NormalizeFunc maps one upstream item to the canonical entity shape.
type NormalizeFunc func(item map[string]any) (*connector.NormalizedEntity, error)

// Input configures one engine run.
type Input struct {
	AppKey        string
	CollectionKey string
	List          ListFunc
	Normalize     NormalizeFunc

	// ExistingIDs enables deletion reconciliation. When a sync_from window
	// is active the caller must pre-filter with GetExternalIDsCreatedAfter
	// so rows older than the window are never reconciled away.
	ExistingIDs map[string]struct{}

	Options connector.SyncOptions
}

// Run executes the cursor loop. Per-item failures are accumulated and never
// abort the loop; a page-level list failure terminates the run with the
// counters gathered so far and skips reconciliation.
func Run(ctx context.Context, entities connector.EntityStore, in Input) *connector.SyncResult {
	start := time.Now()
	res := &connector.SyncResult{}
	seen := make(map[string]struct{})

	cursor := in.Options.Cursor
	limit := in.Options.Limit
	limitHit := false

pages:
	for {
		page, err := in.List(ctx, cursor, in.Options)
		if err != nil {
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("list %s: %v", in.CollectionKey, err))
			res.Counters.Errors++
			res.DurationMs = time.Since(start).Milliseconds()
			return res
		}

		for _, item := range page.Items {
			if limit > 0 && res.Counters.Created+res.Counters.Updated+res.Counters.Errors >= limit {
				limitHit = true
				res.NextCursor = cursor
				res.HasMore = true
				break pages
			}

			entity, err := in.Normalize(item)
			if err != nil {
				res.Counters.Errors++
				res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("normalize: %v", err))
				continue
			}
			if entity.ExternalID == "" {
				res.Counters.Errors++
				res.ErrorMessages = append(res.ErrorMessages, "item has no external id")
				continue
			}

			// Seen means "upstream still reports this id": recorded before the
			// upsert so a failed write can never turn into a reconciliation
			// delete.
			seen[entity.ExternalID] = struct{}{}

			outcome, err := entities.Upsert(ctx, *entity)
			if err != nil {
				res.Counters.Errors++
				res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("upsert %s: %v", entity.ExternalID, err))
				continue
			}
			if outcome == connector.OutcomeCreated {
				res.Counters.Created++
			} else {
				res.Counters.Updated++
			}
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		if limit > 0 && res.Counters.Created+res.Counters.Updated+res.Counters.Errors >= limit {
			limitHit = true
			res.NextCursor = page.NextCursor
			res.HasMore = true
			break
		}
		cursor = page.NextCursor
	}

	// Reconciliation needs a complete upstream listing; a limit stop means
	// the snapshot is partial, so deletions are skipped.
	if in.ExistingIDs != nil && !limitHit {
		for id := range in.ExistingIDs {
			if _, present := seen[id]; present {
				continue
			}
			deleted, err := entities.Delete(ctx, in.AppKey, in.CollectionKey, id)
			if err != nil {
				res.Counters.Errors++
				res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("delete %s: %v", id, err))
				continue
			}
			if deleted {
				res.Counters.Deleted++
			}
		}
	}

	res.Success = res.Counters.Errors == 0
	res.DurationMs = time.Since(start).Milliseconds()

	log.Debug().
		Str("app_key", in.AppKey).
		Str("collection_key", in.CollectionKey).
		Int("created", res.Counters.Created).
		Int("updated", res.Counters.Updated).
		Int("deleted", res.Counters.Deleted).
		Int("errors", res.Counters.Errors).
		Int64("duration_ms", res.DurationMs).
		Msg("sync_page_loop_completed")

	return res
}
