package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/guildstreet/bot/guildstreet/database/models"
)

type PriceHistoryRepository interface {
	InsertBatch(ctx context.Context, entries []*models.PriceHistory) error
	GetRecent(ctx context.Context, valuationID int64, limit int) ([]*models.PriceHistory, error)
}

type priceHistoryRepository struct {
	db *bun.DB
}

func NewPriceHistoryRepository(db *bun.DB) PriceHistoryRepository {
	return &priceHistoryRepository{db: db}
}

func (r *priceHistoryRepository) InsertBatch(ctx context.Context, entries []*models.PriceHistory) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.db.NewInsert().Model(&entries).Exec(ctx)
	return err
}

func (r *priceHistoryRepository) GetRecent(ctx context.Context, valuationID int64, limit int) ([]*models.PriceHistory, error) {
	var entries []*models.PriceHistory
	err := r.db.NewSelect().
		Model(&entries).
		Where("valuation_id = ?", valuationID).
		Order("timestamp DESC").
		Limit(limit).
		Scan(ctx)
	return entries, err
}
