package cache

import (
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// Key builders for the shared cache namespace. Other collaborators depend on
// these exact shapes, so changes here are a wire-format change.

const EventQueueKey = "events:pending"

func RateLimitWindowKey(guildID, userID snowflake.ID) string {
	return fmt.Sprintf("ratelimit:%s:%s", guildID, userID)
}

func RateLimitJailKey(guildID, userID snowflake.ID) string {
	return fmt.Sprintf("ratelimit:%s:%s:jail", guildID, userID)
}

func RateLimitCooldownKey(guildID, userID snowflake.ID) string {
	return fmt.Sprintf("ratelimit:%s:%s:cd", guildID, userID)
}

func ClusterSlotKey(slot int) string {
	return fmt.Sprintf("cluster:slot:%d", slot)
}

func JobLockKey(name string) string {
	return fmt.Sprintf("job:%s", name)
}

func LeaderboardKey(guildID snowflake.ID) string {
	return fmt.Sprintf("lb:%s", guildID)
}

func LeaderboardStagingKey(guildID snowflake.ID) string {
	return fmt.Sprintf("lb:%s:staging", guildID)
}

func DisplayNameKey(participantID int64) string {
	return fmt.Sprintf("name:%d", participantID)
}
