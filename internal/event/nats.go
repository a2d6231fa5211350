package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher streams loom bus messages to a NATS server. Subjects are
// checked against the loom namespace so a typo cannot publish into someone
// else's subject space.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the NATS server at url with indefinite
// reconnection, buffering publishes while disconnected.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("loom-publisher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

// Publish JSON-encodes the payload and sends it on the subject.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, payload any) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("subject %q is outside the %q namespace", topic, TopicPrefix)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", topic, err)
	}
	return p.conn.Publish(topic, data)
}

// Close flushes buffered publishes before dropping the connection.
func (p *NATSPublisher) Close() error {
	err := p.conn.Flush()
	p.conn.Close()
	return err
}

// NATSSubscriber receives loom bus messages from a NATS server.
type NATSSubscriber struct {
	conn *nats.Conn
}

// NewNATSSubscriber connects with indefinite reconnection. Extra
// nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSSubscriber(url string, opts ...nats.Option) (*NATSSubscriber, error) {
	defaults := []nats.Option{
		nats.Name("loom-subscriber"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSubscriber{conn: nc}, nil
}

// Subscribe delivers every message on the subject (loom wildcards like
// "loom.event.>" are allowed) until the returned cancel function is called.
// A slow consumer loses messages rather than blocking the NATS client; the
// coordinator never waits on the bus.
func (s *NATSSubscriber) Subscribe(topic string) (<-chan Message, func(), error) {
	if !ValidTopic(topic) {
		return nil, nil, fmt.Errorf("subject %q is outside the %q namespace", topic, TopicPrefix)
	}
	ch := make(chan Message, 64)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := s.conn.Subscribe(topic, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- Message{Topic: msg.Subject, Data: msg.Data}:
		default:
			// Full channel: drop rather than block the NATS client.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so messages published on other connections are routed.
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}
