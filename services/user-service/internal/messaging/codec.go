package messaging

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/events"
)

// ErrMalformedEvent marks a message body that is not a valid user event.
var ErrMalformedEvent = errors.New("malformed event")

var codec = sonic.ConfigStd

func Encode(env events.Envelope) ([]byte, error) {
	if !env.EventType.Valid() {
		return nil, fmt.Errorf("encode event: invalid event type %s", env.EventType)
	}
	return codec.Marshal(env)
}

// Decode parses and validates a message body.
func Decode(body []byte) (events.Envelope, error) {
	var env events.Envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		return events.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch {
	case !env.EventType.Valid():
		return events.Envelope{}, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	case env.UserID <= 0:
		return events.Envelope{}, fmt.Errorf("%w: invalid user_id %d", ErrMalformedEvent, env.UserID)
	case env.TraceID == "":
		return events.Envelope{}, fmt.Errorf("%w: missing trace_id", ErrMalformedEvent)
	case env.Timestamp.IsZero():
		return events.Envelope{}, fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	return env, nil
}
