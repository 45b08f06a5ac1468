package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"vitalsync/internal/models"
)

type dedupeMemStore struct {
	blocks []models.AvailabilityBlock
}

func (m *dedupeMemStore) ListExternalBlocks(ctx context.Context, professionalID int64) ([]models.AvailabilityBlock, error) {
	out := make([]models.AvailabilityBlock, len(m.blocks))
	copy(out, m.blocks)
	return out, nil
}

func (m *dedupeMemStore) DeleteBlocksByIDs(ctx context.Context, ids []int64) (int64, error) {
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	var kept []models.AvailabilityBlock
	var deleted int64
	for _, b := range m.blocks {
		if _, ok := drop[b.ID]; ok {
			deleted++
			continue
		}
		kept = append(kept, b)
	}
	m.blocks = kept
	return deleted, nil
}

func (m *dedupeMemStore) CountBlocks(ctx context.Context, professionalID int64) (int, error) {
	return len(m.blocks), nil
}

func externalBlock(id int64, eventID, date, start, end string) models.AvailabilityBlock {
	return models.AvailabilityBlock{
		ID:              id,
		ProfessionalID:  1,
		BlockType:       models.BlockTypeTimeRange,
		StartDate:       date,
		EndDate:         date,
		StartTime:       start,
		EndTime:         end,
		IsExternalEvent: true,
		ExternalEventID: eventID,
	}
}

func TestDedupeOldestWins(t *testing.T) {
	// ListExternalBlocks returns created_at order; ids 1 and 2 share a key.
	store := &dedupeMemStore{blocks: []models.AvailabilityBlock{
		externalBlock(1, "ev-1", "2025-03-10", "13:00", "14:00"),
		externalBlock(2, "ev-1", "2025-03-10", "13:00", "14:00"),
		externalBlock(3, "ev-1", "2025-03-11", "13:00", "14:00"),
	}}
	d := NewDeduper(store, nil, 100, testLogger())

	result, err := d.Dedupe(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 1, result.Removed)

	assert.Len(t, store.blocks, 2)
	assert.Equal(t, int64(1), store.blocks[0].ID)
	assert.Equal(t, int64(3), store.blocks[1].ID)
}

func TestDedupeSecondRunIsNoop(t *testing.T) {
	store := &dedupeMemStore{blocks: []models.AvailabilityBlock{
		externalBlock(1, "ev-1", "2025-03-10", "13:00", "14:00"),
		externalBlock(2, "ev-1", "2025-03-10", "13:00", "14:00"),
	}}
	d := NewDeduper(store, nil, 100, testLogger())

	first, err := d.Dedupe(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, 1, first.Removed)

	second, err := d.Dedupe(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, 0, second.Removed)
	assert.Equal(t, 1, second.Scanned)
}

func TestDedupeFullDayPlaceholderKeysDoNotCollideWithTimes(t *testing.T) {
	fullDay := models.AvailabilityBlock{
		ID: 1, ProfessionalID: 1,
		BlockType: models.BlockTypeFullDay,
		StartDate: "2025-03-10", EndDate: "2025-03-10",
		IsExternalEvent: true, ExternalEventID: "ev-1",
	}
	store := &dedupeMemStore{blocks: []models.AvailabilityBlock{
		fullDay,
		externalBlock(2, "ev-1", "2025-03-10", "13:00", "14:00"),
	}}
	d := NewDeduper(store, nil, 100, testLogger())

	result, err := d.Dedupe(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Removed)
	assert.Len(t, store.blocks, 2)
}

func TestDedupeBatchesDeletes(t *testing.T) {
	var blocks []models.AvailabilityBlock
	blocks = append(blocks, externalBlock(1, "ev-1", "2025-03-10", "13:00", "14:00"))
	for i := int64(2); i <= 6; i++ {
		blocks = append(blocks, externalBlock(i, "ev-1", "2025-03-10", "13:00", "14:00"))
	}
	store := &dedupeMemStore{blocks: blocks}
	d := NewDeduper(store, nil, 2, testLogger())

	result, err := d.Dedupe(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, 5, result.Removed)
	assert.Len(t, store.blocks, 1)
}
