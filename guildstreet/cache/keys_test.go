package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyNamespace(t *testing.T) {
	assert.Equal(t, "ratelimit:100:200", RateLimitWindowKey(100, 200))
	assert.Equal(t, "ratelimit:100:200:jail", RateLimitJailKey(100, 200))
	assert.Equal(t, "ratelimit:100:200:cd", RateLimitCooldownKey(100, 200))
	assert.Equal(t, "cluster:slot:2", ClusterSlotKey(2))
	assert.Equal(t, "job:resync", JobLockKey("resync"))
	assert.Equal(t, "lb:100", LeaderboardKey(100))
	assert.Equal(t, "lb:100:staging", LeaderboardStagingKey(100))
	assert.Equal(t, "name:42", DisplayNameKey(42))
	assert.Equal(t, "events:pending", EventQueueKey)
}
