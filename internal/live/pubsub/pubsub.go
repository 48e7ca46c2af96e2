// Package pubsub fans session-state snapshots out to live subscribers. The
// broker keeps one topic per session view: the owner dashboard and the
// public participant view.
package pubsub

import "sync"

// OwnerTopic names the owner-dashboard topic for a session.
func OwnerTopic(sessionID string) string {
	return "session:" + sessionID + ":owner"
}

// PublicTopic names the participant-view topic for a session.
func PublicTopic(sessionID string) string {
	return "session:" + sessionID + ":public"
}

// Broker is an in-process publish/subscribe hub with best-effort delivery:
// subscribers with a full buffer miss the message rather than block the
// publisher.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[chan any]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[chan any]struct{})}
}

// Subscribe registers a buffered subscriber channel on the topic. The
// returned cancel function removes the subscription and closes the channel.
func (b *Broker) Subscribe(topic string, buffer int) (<-chan any, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan any, buffer)

	b.mu.Lock()
	subscribers, ok := b.topics[topic]
	if !ok {
		subscribers = make(map[chan any]struct{})
		b.topics[topic] = subscribers
	}
	subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subscribers, ok := b.topics[topic]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(b.topics, topic)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the payload to every current subscriber of the topic and
// returns the number of subscribers that received it.
func (b *Broker) Publish(topic string, payload any) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for ch := range b.topics[topic] {
		select {
		case ch <- payload:
			delivered++
		default:
			// Slow subscriber, message dropped.
		}
	}
	return delivered
}
