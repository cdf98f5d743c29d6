package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/uptrace/bun"

	"github.com/guildstreet/bot/guildstreet/database/models"
)

// IdentityPair is the (guild, user) key participants are addressed by.
type IdentityPair struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
}

type ParticipantRepository interface {
	Create(ctx context.Context, participant *models.Participant) error
	GetByID(ctx context.Context, id int64) (*models.Participant, error)
	GetByIdentity(ctx context.Context, guildID, userID snowflake.ID) (*models.Participant, error)
	GetByIdentities(ctx context.Context, pairs []IdentityPair) ([]*models.Participant, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*models.Participant, error)
	Update(ctx context.Context, participant *models.Participant) error
	Delete(ctx context.Context, id int64) error
	DeleteByGuild(ctx context.Context, guildID snowflake.ID) ([]int64, error)
	ListPage(ctx context.Context, cursor int64, limit int) ([]*models.Participant, error)
}

type participantRepository struct {
	db *bun.DB
}

func NewParticipantRepository(db *bun.DB) ParticipantRepository {
	return &participantRepository{db: db}
}

func (r *participantRepository) Create(ctx context.Context, participant *models.Participant) error {
	participant.CreatedAt = time.Now()
	participant.UpdatedAt = time.Now()
	_, err := r.db.NewInsert().Model(participant).Exec(ctx)
	return err
}

func (r *participantRepository) GetByID(ctx context.Context, id int64) (*models.Participant, error) {
	participant := new(models.Participant)
	err := r.db.NewSelect().
		Model(participant).
		Where("id = ?", id).
		Scan(ctx)
	return participant, err
}

func (r *participantRepository) GetByIdentity(ctx context.Context, guildID, userID snowflake.ID) (*models.Participant, error) {
	participant := new(models.Participant)
	err := r.db.NewSelect().
		Model(participant).
		Where("guild_id = ?", guildID).
		Where("user_id = ?", userID).
		Scan(ctx)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		slog.Error("Database error when getting participant",
			slog.String("type", "db"),
			slog.String("operation", "GetByIdentity"),
			slog.String("guild_id", guildID.String()),
			slog.String("user_id", userID.String()),
			slog.Any("error", err))
	}
	return participant, err
}

func (r *participantRepository) GetByIdentities(ctx context.Context, pairs []IdentityPair) ([]*models.Participant, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	var participants []*models.Participant
	q := r.db.NewSelect().Model(&participants)
	q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
		for _, p := range pairs {
			pair := p
			q = q.WhereOr("(guild_id = ? AND user_id = ?)", pair.GuildID, pair.UserID)
		}
		return q
	})
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to batch-resolve participants: %w", err)
	}
	return participants, nil
}

func (r *participantRepository) GetByIDs(ctx context.Context, ids []int64) ([]*models.Participant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var participants []*models.Participant
	err := r.db.NewSelect().
		Model(&participants).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	return participants, err
}

func (r *participantRepository) Update(ctx context.Context, participant *models.Participant) error {
	participant.UpdatedAt = time.Now()
	_, err := r.db.NewUpdate().
		Model(participant).
		WherePK().
		Exec(ctx)
	return err
}

func (r *participantRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.NewDelete().
		Model((*models.Participant)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// DeleteByGuild bulk-destroys every participant of a disconnected guild and
// returns the removed ids so the caller can cascade holdings, valuations and
// leaderboard state.
func (r *participantRepository) DeleteByGuild(ctx context.Context, guildID snowflake.ID) ([]int64, error) {
	var ids []int64
	err := r.db.NewSelect().
		Model((*models.Participant)(nil)).
		Column("id").
		Where("guild_id = ?", guildID).
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = r.db.NewDelete().
		Model((*models.Participant)(nil)).
		Where("guild_id = ?", guildID).
		Exec(ctx)
	return ids, err
}

// ListPage returns participants with id > cursor in id order, for bounded
// full-resync batches.
func (r *participantRepository) ListPage(ctx context.Context, cursor int64, limit int) ([]*models.Participant, error) {
	var participants []*models.Participant
	err := r.db.NewSelect().
		Model(&participants).
		Where("id > ?", cursor).
		Order("id ASC").
		Limit(limit).
		Scan(ctx)
	return participants, err
}
