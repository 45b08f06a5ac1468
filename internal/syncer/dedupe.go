package syncer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"vitalsync/internal/cache"
	"vitalsync/internal/metrics"
	"vitalsync/internal/models"
)

// DedupeStore is the storage surface of the cleanup worker.
type DedupeStore interface {
	ListExternalBlocks(ctx context.Context, professionalID int64) ([]models.AvailabilityBlock, error)
	DeleteBlocksByIDs(ctx context.Context, ids []int64) (int64, error)
	CountBlocks(ctx context.Context, professionalID int64) (int, error)
}

// DedupeResult summarizes one cleanup pass.
type DedupeResult struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
}

// Deduper removes duplicate externally sourced blocks left behind by
// redundant sync runs or webhook replay.
type Deduper struct {
	store     DedupeStore
	cache     *cache.Cache
	batchSize int
	log       *zerolog.Logger
}

// NewDeduper creates a cleanup worker. batchSize bounds each delete
// statement.
func NewDeduper(store DedupeStore, c *cache.Cache, batchSize int, log *zerolog.Logger) *Deduper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Deduper{store: store, cache: c, batchSize: batchSize, log: log}
}

// Dedupe scans all external blocks for the professional in created_at
// order and deletes every block whose dedup key was already seen. Oldest
// wins: the first-created block is least likely to stem from a transient
// double-delivery race. Running it twice is a no-op the second time.
func (d *Deduper) Dedupe(ctx context.Context, professionalID int64) (*DedupeResult, error) {
	blocks, err := d.store.ListExternalBlocks(ctx, professionalID)
	if err != nil {
		return nil, fmt.Errorf("list external blocks: %w", err)
	}

	seen := make(map[string]struct{}, len(blocks))
	var duplicates []int64
	for i := range blocks {
		key := blocks[i].DedupKey()
		if _, ok := seen[key]; ok {
			duplicates = append(duplicates, blocks[i].ID)
			continue
		}
		seen[key] = struct{}{}
	}

	removed := 0
	for start := 0; start < len(duplicates); start += d.batchSize {
		end := min(start+d.batchSize, len(duplicates))
		n, err := d.store.DeleteBlocksByIDs(ctx, duplicates[start:end])
		if err != nil {
			return nil, fmt.Errorf("delete duplicate batch: %w", err)
		}
		removed += int(n)
	}

	if removed > 0 {
		metrics.AddDuplicatesRemoved(removed)
		d.cache.Invalidate(ctx, professionalID)
		d.log.Info().
			Int64("professional_id", professionalID).
			Int("scanned", len(blocks)).
			Int("removed", removed).
			Msg("duplicate blocks removed")
	}

	return &DedupeResult{Scanned: len(blocks), Removed: removed}, nil
}
