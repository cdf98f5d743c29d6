package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"

	activity "github.com/guildstreet/bot/guildstreet/economy/events"
	"github.com/guildstreet/bot/guildstreet/economy/ratelimit"
	"github.com/guildstreet/bot/guildstreet/services"
)

const submitTimeout = 5 * time.Second

// ActivityListener translates gateway traffic into activity events. Bots and
// DMs never produce events; rejected verdicts are dropped silently because the
// rate limiter already recorded the decision.
type ActivityListener struct {
	market *services.MarketService

	mu         sync.Mutex
	voiceJoins map[voiceKey]time.Time
}

type voiceKey struct {
	guildID snowflake.ID
	userID  snowflake.ID
}

func NewActivityListener(market *services.MarketService) *ActivityListener {
	return &ActivityListener{
		market:     market,
		voiceJoins: make(map[voiceKey]time.Time),
	}
}

// Listeners returns the event listeners to register on the gateway client.
func (l *ActivityListener) Listeners() []bot.EventListener {
	return []bot.EventListener{
		bot.NewListenerFunc(l.onMessageCreate),
		bot.NewListenerFunc(l.onReactionAdd),
		bot.NewListenerFunc(l.onVoiceStateUpdate),
		bot.NewListenerFunc(l.onMemberLeave),
		bot.NewListenerFunc(l.onGuildLeave),
	}
}

func (l *ActivityListener) onMessageCreate(e *events.MessageCreate) {
	if e.GuildID == nil || e.Message.Author.Bot || e.Message.Author.System {
		return
	}
	l.submit(activity.ActivityEvent{
		Kind:        activity.KindMessage,
		GuildID:     *e.GuildID,
		UserID:      e.Message.Author.ID,
		DisplayName: e.Message.Author.EffectiveName(),
		Magnitude:   float64(len([]rune(e.Message.Content))),
		Fingerprint: contentFingerprint(e.Message.Content),
	})
}

func (l *ActivityListener) onReactionAdd(e *events.GuildMessageReactionAdd) {
	if e.MessageAuthorID == nil {
		return
	}
	// The bonus goes to the message author; reacting to yourself earns nothing.
	if *e.MessageAuthorID == e.UserID {
		return
	}
	if e.Member.User.Bot {
		return
	}
	l.submit(activity.ActivityEvent{
		Kind:      activity.KindReaction,
		GuildID:   e.GuildID,
		UserID:    *e.MessageAuthorID,
		Magnitude: 1,
	})
}

func (l *ActivityListener) onVoiceStateUpdate(e *events.GuildVoiceStateUpdate) {
	if e.Member.User.Bot {
		return
	}
	key := voiceKey{guildID: e.VoiceState.GuildID, userID: e.VoiceState.UserID}

	l.mu.Lock()
	if e.VoiceState.ChannelID != nil {
		// Joined or moved channels; the clock keeps running across moves.
		if _, tracked := l.voiceJoins[key]; !tracked {
			l.voiceJoins[key] = time.Now()
		}
		l.mu.Unlock()
		return
	}
	joined, tracked := l.voiceJoins[key]
	delete(l.voiceJoins, key)
	l.mu.Unlock()

	if !tracked {
		return
	}
	minutes := int(time.Since(joined).Minutes())
	if minutes <= 0 {
		return
	}
	l.submit(activity.ActivityEvent{
		Kind:        activity.KindVoiceMinute,
		GuildID:     e.VoiceState.GuildID,
		UserID:      e.VoiceState.UserID,
		DisplayName: e.Member.EffectiveName(),
		Magnitude:   float64(minutes),
	})
}

func (l *ActivityListener) onMemberLeave(e *events.GuildMemberLeave) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := l.market.RemoveParticipant(ctx, e.GuildID, e.User.ID); err != nil {
		slog.Error("Failed to remove departed member",
			slog.String("type", "sys"),
			slog.String("guild_id", e.GuildID.String()),
			slog.String("user_id", e.User.ID.String()),
			slog.Any("error", err))
	}
}

func (l *ActivityListener) onGuildLeave(e *events.GuildLeave) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := l.market.PurgeGuild(ctx, e.GuildID); err != nil {
		slog.Error("Failed to purge departed guild",
			slog.String("type", "sys"),
			slog.String("guild_id", e.GuildID.String()),
			slog.Any("error", err))
	}
}

func (l *ActivityListener) submit(event activity.ActivityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	verdict, err := l.market.Submit(ctx, event)
	if err != nil {
		slog.Warn("Activity submission failed",
			slog.String("type", "sys"),
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err))
		return
	}
	if verdict == ratelimit.VerdictTriggerJail {
		slog.Info("Identity jailed for flooding",
			slog.String("type", "sys"),
			slog.String("guild_id", event.GuildID.String()),
			slog.String("user_id", event.UserID.String()))
	}
}

func contentFingerprint(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
