package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one bus delivery: the loom subject it arrived on plus the raw
// JSON body. Wildcard subscribers route on Topic before decoding.
type Message struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEvent unmarshals the message body as an Event. Only the accepted
// and derived subjects carry bare events; routed messages are envelopes and
// lifecycle/audit messages are different shapes entirely, so decoding those
// here is an error rather than a half-filled Event.
func (m Message) DecodeEvent() (Event, error) {
	if m.Topic != TopicEventAccepted && m.Topic != TopicEventDerived {
		return Event{}, fmt.Errorf("subject %s does not carry bare events", m.Topic)
	}
	var ev Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding event from %s: %w", m.Topic, err)
	}
	if ev.ID == "" {
		return Event{}, fmt.Errorf("event from %s has no event id", m.Topic)
	}
	return ev, nil
}

// DecodeCrossRealm unmarshals the message body as a routing envelope. Only
// the routed subject carries them.
func (m Message) DecodeCrossRealm() (CrossRealmEvent, error) {
	if m.Topic != TopicEventRouted {
		return CrossRealmEvent{}, fmt.Errorf("subject %s does not carry routing envelopes", m.Topic)
	}
	var env CrossRealmEvent
	if err := json.Unmarshal(m.Data, &env); err != nil {
		return CrossRealmEvent{}, fmt.Errorf("decoding routed envelope: %w", err)
	}
	if env.Event.ID == "" {
		return CrossRealmEvent{}, fmt.Errorf("routed envelope has no event id")
	}
	return env, nil
}

// ValidTopic reports whether the subject lies inside the loom namespace.
// Wildcard subjects used for subscription ("loom.>", "loom.event.*") count.
func ValidTopic(subject string) bool {
	return strings.HasPrefix(subject, TopicPrefix)
}

// Subscriber receives loom bus messages.
type Subscriber interface {
	// Subscribe delivers messages for the subject on the returned channel;
	// NATS wildcards are allowed. Call the returned cancel function to
	// unsubscribe and close the channel.
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}
