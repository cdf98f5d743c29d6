package repositories

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/guildstreet/bot/guildstreet/database/models"
)

type ValuationRepository interface {
	Create(ctx context.Context, valuation *models.Valuation) error
	GetByParticipant(ctx context.Context, participantID int64) (*models.Valuation, error)
	GetByParticipants(ctx context.Context, participantIDs []int64) ([]*models.Valuation, error)
	Update(ctx context.Context, valuation *models.Valuation) error
	Delete(ctx context.Context, id int64) error
	DeleteByParticipants(ctx context.Context, participantIDs []int64) error
	GetIdleSince(ctx context.Context, before time.Time, limit int) ([]*models.Valuation, error)
}

type valuationRepository struct {
	db *bun.DB
}

func NewValuationRepository(db *bun.DB) ValuationRepository {
	return &valuationRepository{db: db}
}

func (r *valuationRepository) Create(ctx context.Context, valuation *models.Valuation) error {
	valuation.CreatedAt = time.Now()
	valuation.UpdatedAt = time.Now()
	_, err := r.db.NewInsert().Model(valuation).Exec(ctx)
	return err
}

func (r *valuationRepository) GetByParticipant(ctx context.Context, participantID int64) (*models.Valuation, error) {
	valuation := new(models.Valuation)
	err := r.db.NewSelect().
		Model(valuation).
		Where("participant_id = ?", participantID).
		Scan(ctx)
	return valuation, err
}

func (r *valuationRepository) GetByParticipants(ctx context.Context, participantIDs []int64) ([]*models.Valuation, error) {
	if len(participantIDs) == 0 {
		return nil, nil
	}
	var valuations []*models.Valuation
	err := r.db.NewSelect().
		Model(&valuations).
		Where("participant_id IN (?)", bun.In(participantIDs)).
		Scan(ctx)
	return valuations, err
}

func (r *valuationRepository) Update(ctx context.Context, valuation *models.Valuation) error {
	valuation.UpdatedAt = time.Now()
	_, err := r.db.NewUpdate().
		Model(valuation).
		WherePK().
		Exec(ctx)
	return err
}

func (r *valuationRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.NewDelete().
		Model((*models.Valuation)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (r *valuationRepository) DeleteByParticipants(ctx context.Context, participantIDs []int64) error {
	if len(participantIDs) == 0 {
		return nil
	}
	_, err := r.db.NewDelete().
		Model((*models.Valuation)(nil)).
		Where("participant_id IN (?)", bun.In(participantIDs)).
		Exec(ctx)
	return err
}

// GetIdleSince returns valuations that have not been scored since the given
// instant and are not frozen, for the decay sweep.
func (r *valuationRepository) GetIdleSince(ctx context.Context, before time.Time, limit int) ([]*models.Valuation, error) {
	var valuations []*models.Valuation
	err := r.db.NewSelect().
		Model(&valuations).
		Where("last_scored_at < ?", before).
		Where("freeze_until < ?", time.Now()).
		Order("id ASC").
		Limit(limit).
		Scan(ctx)
	return valuations, err
}
