package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loomworks/loom/internal/coord"
)

func TestNoopPublisher_Publish(t *testing.T) {
	pub := &NoopPublisher{}
	err := pub.Publish(context.Background(), TopicEventAccepted, Event{})
	if err != nil {
		t.Fatalf("NoopPublisher.Publish returned unexpected error: %v", err)
	}
}

func TestNoopPublisher_Close(t *testing.T) {
	pub := &NoopPublisher{}
	if err := pub.Close(); err != nil {
		t.Fatalf("NoopPublisher.Close returned unexpected error: %v", err)
	}
}

func TestNoopPublisher_ImplementsPublisher(t *testing.T) {
	var _ Publisher = (*NoopPublisher)(nil)
}

func TestNATSPublisher_ImplementsPublisher(t *testing.T) {
	var _ Publisher = (*NATSPublisher)(nil)
}

func TestNATSPublisher_Publish(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	// Subscribe to capture published messages.
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting subscriber: %v", err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(TopicEventAccepted, ch)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	nc.Flush()

	ev := Event{
		ID:            "evt-pub1",
		CorrelationID: "cor-pub1",
		Coordinate: coord.Coordinate{
			Realm:   coord.Realm{Kind: "faction", Label: "factionA"},
			Horizon: coord.HorizonGenesis,
		},
	}
	if err := pub.Publish(context.Background(), TopicEventAccepted, ev); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	pub.conn.Flush()

	select {
	case msg := <-ch:
		var got Event
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.ID != "evt-pub1" {
			t.Errorf("got event ID=%q, want %q", got.ID, "evt-pub1")
		}
		if got.CorrelationID != "cor-pub1" {
			t.Errorf("got correlation ID=%q, want %q", got.CorrelationID, "cor-pub1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNATSPublisher_RejectsForeignSubject(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish(context.Background(), "orders.created", Event{ID: "evt-1"}); err == nil {
		t.Error("expected error publishing outside the loom namespace")
	}
}

func TestValidTopic(t *testing.T) {
	tests := []struct {
		subject string
		want    bool
	}{
		{TopicEventAccepted, true},
		{TopicAuditRecorded, true},
		{"loom.>", true},
		{"loom.event.*", true},
		{"orders.created", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidTopic(tt.subject); got != tt.want {
			t.Errorf("ValidTopic(%q) = %v, want %v", tt.subject, got, tt.want)
		}
	}
}

func TestMessage_DecodeEvent(t *testing.T) {
	body, _ := json.Marshal(Event{ID: "evt-1", CorrelationID: "cor-1"})

	ev, err := Message{Topic: TopicEventDerived, Data: body}.DecodeEvent()
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.ID != "evt-1" || ev.CorrelationID != "cor-1" {
		t.Errorf("decoded event = %+v", ev)
	}

	if _, err := (Message{Topic: TopicRealmRegistered, Data: body}).DecodeEvent(); err == nil {
		t.Error("expected error decoding a lifecycle message as an event")
	}
	if _, err := (Message{Topic: TopicEventRouted, Data: body}).DecodeEvent(); err == nil {
		t.Error("expected error decoding a routed envelope as a bare event")
	}
	if _, err := (Message{Topic: TopicEventAccepted, Data: json.RawMessage(`{}`)}).DecodeEvent(); err == nil {
		t.Error("expected error for event body without an id")
	}
}

func TestMessage_DecodeCrossRealm(t *testing.T) {
	body, _ := json.Marshal(CrossRealmEvent{
		SourceRealm: "R1",
		Event:       Event{ID: "evt-x", CorrelationID: "cor-x"},
	})

	env, err := Message{Topic: TopicEventRouted, Data: body}.DecodeCrossRealm()
	if err != nil {
		t.Fatalf("DecodeCrossRealm: %v", err)
	}
	if env.SourceRealm != "R1" || env.Event.CorrelationID != "cor-x" {
		t.Errorf("decoded envelope = %+v", env)
	}

	if _, err := (Message{Topic: TopicEventAccepted, Data: body}).DecodeCrossRealm(); err == nil {
		t.Error("expected error decoding a bare-event subject as an envelope")
	}
}

func TestEvent_JSONShape(t *testing.T) {
	ev := Event{
		ID:             "evt-1",
		CausalParentID: "evt-0",
		CorrelationID:  "cor-1",
		Tick:           7,
		Depth:          2,
		Payload:        json.RawMessage(`{"kind":"spawn"}`),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"event_id", "coordinate", "payload", "tick_number", "causal_parent_id", "correlation_id", "depth"} {
		if _, ok := m[key]; !ok {
			t.Errorf("marshaled event missing key %q", key)
		}
	}
}

func TestCrossRealmEvent_PreservesCorrelation(t *testing.T) {
	env := CrossRealmEvent{
		SourceRealm: "R1",
		Event:       Event{ID: "evt-x", CorrelationID: "cor-x"},
		EmittedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got CrossRealmEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event.CorrelationID != "cor-x" {
		t.Errorf("correlation ID = %q, want %q", got.Event.CorrelationID, "cor-x")
	}
}
