package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Kind discriminates the closed set of activity event variants. Payloads with
// an unknown discriminant are rejected at the validation boundary instead of
// falling through to a default score.
type Kind string

const (
	KindMessage     Kind = "message"
	KindVoiceMinute Kind = "voice_minute"
	KindReaction    Kind = "reaction"
)

var ErrUnknownKind = errors.New("unknown activity event kind")

// ActivityEvent is the transient queue payload. It is created by a producer,
// consumed by the aggregator and never persisted beyond the queue.
type ActivityEvent struct {
	Kind        Kind         `json:"kind"`
	GuildID     snowflake.ID `json:"guild_id"`
	UserID      snowflake.ID `json:"user_id"`
	DisplayName string       `json:"display_name,omitempty"`
	// Magnitude carries the kind-specific quantity: message length, voice
	// minutes (pre-scaled by the producer), or 1 for reactions.
	Magnitude   float64   `json:"magnitude"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Identity is the (guild, user) pair events are grouped and scored by.
type Identity struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
}

func (e ActivityEvent) Identity() Identity {
	return Identity{GuildID: e.GuildID, UserID: e.UserID}
}

func (e ActivityEvent) Validate() error {
	switch e.Kind {
	case KindMessage, KindVoiceMinute, KindReaction:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.GuildID == 0 {
		return errors.New("activity event missing guild id")
	}
	if e.UserID == 0 {
		return errors.New("activity event missing user id")
	}
	if e.Magnitude < 0 {
		return fmt.Errorf("activity event has negative magnitude %f", e.Magnitude)
	}
	return nil
}

func (e ActivityEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes and validates a raw queue payload. Callers drop (and log)
// payloads that fail here; they are never retried.
func Parse(raw []byte) (ActivityEvent, error) {
	var e ActivityEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return ActivityEvent{}, fmt.Errorf("malformed activity event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return ActivityEvent{}, err
	}
	return e, nil
}
