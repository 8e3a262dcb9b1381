package event

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// codecVersion is bumped on any incompatible change to the queued shape.
// The worker refuses payloads it does not understand instead of guessing.
const codecVersion = 1

// envelope wraps a queued event with its schema version.
type envelope struct {
	Version int       `msgpack:"v"`
	Event   *LogEvent `msgpack:"e"`
}

// Encode serialises an event for the queue.
func Encode(e *LogEvent) ([]byte, error) {
	raw, err := msgpack.Marshal(envelope{Version: codecVersion, Event: e})
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return raw, nil
}

// Decode deserialises a queued event, rejecting unknown schema versions.
func Decode(raw []byte) (*LogEvent, error) {
	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if env.Version != codecVersion {
		return nil, fmt.Errorf("unsupported event schema version %d", env.Version)
	}
	if env.Event == nil {
		return nil, fmt.Errorf("decoded envelope has no event")
	}
	return env.Event, nil
}

// EncodeNotification serialises a notification for the pub/sub channel.
func EncodeNotification(n *Notification) ([]byte, error) {
	raw, err := msgpack.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encoding notification: %w", err)
	}
	return raw, nil
}

// DecodeNotification deserialises a pub/sub notification payload.
func DecodeNotification(raw []byte) (*Notification, error) {
	var n Notification
	if err := msgpack.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decoding notification: %w", err)
	}
	return &n, nil
}
