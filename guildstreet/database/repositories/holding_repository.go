package repositories

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/guildstreet/bot/guildstreet/database/models"
)

type HoldingRepository interface {
	Get(ctx context.Context, holderID, valuationID int64) (*models.Holding, error)
	GetByHolder(ctx context.Context, holderID int64) ([]*models.Holding, error)
	GetByValuations(ctx context.Context, valuationIDs []int64) ([]*models.Holding, error)
	Upsert(ctx context.Context, holding *models.Holding) error
	Delete(ctx context.Context, id int64) error
	DeleteForParticipants(ctx context.Context, participantIDs []int64) error
}

type holdingRepository struct {
	db *bun.DB
}

func NewHoldingRepository(db *bun.DB) HoldingRepository {
	return &holdingRepository{db: db}
}

func (r *holdingRepository) Get(ctx context.Context, holderID, valuationID int64) (*models.Holding, error) {
	holding := new(models.Holding)
	err := r.db.NewSelect().
		Model(holding).
		Where("holder_id = ?", holderID).
		Where("valuation_id = ?", valuationID).
		Scan(ctx)
	return holding, err
}

func (r *holdingRepository) GetByHolder(ctx context.Context, holderID int64) ([]*models.Holding, error) {
	var holdings []*models.Holding
	err := r.db.NewSelect().
		Model(&holdings).
		Where("holder_id = ?", holderID).
		Scan(ctx)
	return holdings, err
}

func (r *holdingRepository) GetByValuations(ctx context.Context, valuationIDs []int64) ([]*models.Holding, error) {
	if len(valuationIDs) == 0 {
		return nil, nil
	}
	var holdings []*models.Holding
	err := r.db.NewSelect().
		Model(&holdings).
		Where("valuation_id IN (?)", bun.In(valuationIDs)).
		Scan(ctx)
	return holdings, err
}

func (r *holdingRepository) Upsert(ctx context.Context, holding *models.Holding) error {
	holding.UpdatedAt = time.Now()
	if holding.CreatedAt.IsZero() {
		holding.CreatedAt = holding.UpdatedAt
	}
	_, err := r.db.NewInsert().
		Model(holding).
		On("CONFLICT (holder_id, valuation_id) DO UPDATE").
		Set("units = EXCLUDED.units").
		Set("avg_acquisition_price = EXCLUDED.avg_acquisition_price").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (r *holdingRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.NewDelete().
		Model((*models.Holding)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// DeleteForParticipants removes every holding the given participants appear in
// on either side of the pair, as part of destruction cascades.
func (r *holdingRepository) DeleteForParticipants(ctx context.Context, participantIDs []int64) error {
	if len(participantIDs) == 0 {
		return nil
	}
	_, err := r.db.NewDelete().
		Model((*models.Holding)(nil)).
		Where("holder_id IN (?)", bun.In(participantIDs)).
		WhereOr("valuation_id IN (SELECT id FROM valuations WHERE participant_id IN (?))", bun.In(participantIDs)).
		Exec(ctx)
	return err
}
