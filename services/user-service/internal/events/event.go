// Package events defines the user event envelope exchanged over the broker.
package events

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Kind is the closed set of user event kinds. The zero value is invalid.
type Kind uint8

const (
	UserCreated Kind = iota + 1
	UserUpdated
	UserDeleted
)

var routingKeys = map[Kind]string{
	UserCreated: "user.created",
	UserUpdated: "user.updated",
	UserDeleted: "user.deleted",
}

// Kinds lists every valid kind in declaration order.
func Kinds() []Kind {
	return []Kind{UserCreated, UserUpdated, UserDeleted}
}

// RoutingKey is the wire name of the kind, also used as the AMQP routing key.
func (k Kind) RoutingKey() string {
	return routingKeys[k]
}

func (k Kind) Valid() bool {
	_, ok := routingKeys[k]
	return ok
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return k.RoutingKey()
}

func ParseKind(s string) (Kind, error) {
	for k, key := range routingKeys {
		if key == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("marshal event type: invalid kind %d", uint8(k))
	}
	return json.Marshal(k.RoutingKey())
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("event type: %w", err)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Envelope is one user event. Field order matches the wire format; Data is
// null for deletions.
type Envelope struct {
	EventType Kind           `json:"event_type"`
	UserID    int64          `json:"user_id"`
	TraceID   string         `json:"trace_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// New builds an envelope stamped with the current UTC time.
func New(kind Kind, userID int64, traceID string, data map[string]any) Envelope {
	return NewAt(kind, userID, traceID, data, time.Now())
}

func NewAt(kind Kind, userID int64, traceID string, data map[string]any, at time.Time) Envelope {
	var payload map[string]any
	if kind != UserDeleted && data != nil {
		payload = maps.Clone(data)
	}
	return Envelope{
		EventType: kind,
		UserID:    userID,
		TraceID:   traceID,
		Timestamp: at.UTC(),
		Data:      payload,
	}
}
