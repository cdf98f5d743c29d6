package repositories

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/guildstreet/bot/guildstreet/database/models"
)

type ModifierRepository interface {
	Create(ctx context.Context, modifier *models.StatusModifier) error
	GetActiveByParticipants(ctx context.Context, participantIDs []int64, now time.Time) ([]*models.StatusModifier, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByParticipants(ctx context.Context, participantIDs []int64) error
}

type modifierRepository struct {
	db *bun.DB
}

func NewModifierRepository(db *bun.DB) ModifierRepository {
	return &modifierRepository{db: db}
}

func (r *modifierRepository) Create(ctx context.Context, modifier *models.StatusModifier) error {
	modifier.CreatedAt = time.Now()
	_, err := r.db.NewInsert().Model(modifier).Exec(ctx)
	return err
}

func (r *modifierRepository) GetActiveByParticipants(ctx context.Context, participantIDs []int64, now time.Time) ([]*models.StatusModifier, error) {
	if len(participantIDs) == 0 {
		return nil, nil
	}
	var modifiers []*models.StatusModifier
	err := r.db.NewSelect().
		Model(&modifiers).
		Where("participant_id IN (?)", bun.In(participantIDs)).
		Where("expires_at > ?", now).
		Scan(ctx)
	return modifiers, err
}

// DeleteExpired prunes lapsed modifier rows. Correctness never depends on
// this; active checks always compare expires_at.
func (r *modifierRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*models.StatusModifier)(nil)).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *modifierRepository) DeleteByParticipants(ctx context.Context, participantIDs []int64) error {
	if len(participantIDs) == 0 {
		return nil
	}
	_, err := r.db.NewDelete().
		Model((*models.StatusModifier)(nil)).
		Where("participant_id IN (?)", bun.In(participantIDs)).
		Exec(ctx)
	return err
}
