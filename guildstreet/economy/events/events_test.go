package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	event := ActivityEvent{
		Kind:        KindMessage,
		GuildID:     100,
		UserID:      200,
		DisplayName: "trader",
		Magnitude:   42,
		Fingerprint: "abcd1234",
		EnqueuedAt:  time.Now().UTC().Truncate(time.Second),
	}

	raw, err := event.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, event, parsed)
}

func TestParseRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"kind":"teleport","guild_id":"100","user_id":"200","magnitude":1}`)
	_, err := Parse(raw)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseRejectsMalformedPayload(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   ActivityEvent
		wantErr bool
	}{
		{"valid message", ActivityEvent{Kind: KindMessage, GuildID: 1, UserID: 2, Magnitude: 10}, false},
		{"valid voice", ActivityEvent{Kind: KindVoiceMinute, GuildID: 1, UserID: 2, Magnitude: 3}, false},
		{"valid reaction", ActivityEvent{Kind: KindReaction, GuildID: 1, UserID: 2, Magnitude: 1}, false},
		{"missing kind", ActivityEvent{GuildID: 1, UserID: 2}, true},
		{"missing guild", ActivityEvent{Kind: KindMessage, UserID: 2}, true},
		{"missing user", ActivityEvent{Kind: KindMessage, GuildID: 1}, true},
		{"negative magnitude", ActivityEvent{Kind: KindMessage, GuildID: 1, UserID: 2, Magnitude: -1}, true},
		{"zero magnitude ok", ActivityEvent{Kind: KindMessage, GuildID: 1, UserID: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	event := ActivityEvent{Kind: KindMessage, GuildID: 100, UserID: 200}
	assert.Equal(t, Identity{GuildID: 100, UserID: 200}, event.Identity())
}
