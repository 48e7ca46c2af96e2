package pubsub

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	broker := NewBroker()
	topic := OwnerTopic("s1")

	ch, cancel := subscribe(t, broker, topic)
	defer cancel()

	delivered := broker.Publish(topic, "snapshot")
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if got := <-ch; got != "snapshot" {
		t.Fatalf("expected snapshot payload, got %v", got)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	broker := NewBroker()
	if delivered := broker.Publish(PublicTopic("s1"), "snapshot"); delivered != 0 {
		t.Fatalf("expected 0 deliveries, got %d", delivered)
	}
}

func TestSlowSubscriberDropsMessage(t *testing.T) {
	broker := NewBroker()
	topic := PublicTopic("s1")

	_, cancel := subscribe(t, broker, topic)
	defer cancel()

	if delivered := broker.Publish(topic, "first"); delivered != 1 {
		t.Fatalf("expected first publish delivered, got %d", delivered)
	}
	// Buffer of one is full now; the second publish must not block.
	if delivered := broker.Publish(topic, "second"); delivered != 0 {
		t.Fatalf("expected second publish dropped, got %d", delivered)
	}
}

func TestCancelRemovesSubscription(t *testing.T) {
	broker := NewBroker()
	topic := OwnerTopic("s1")

	ch, cancel := subscribe(t, broker, topic)
	cancel()
	cancel() // double cancel must be safe

	if delivered := broker.Publish(topic, "snapshot"); delivered != 0 {
		t.Fatalf("expected no delivery after cancel, got %d", delivered)
	}
	if _, open := <-ch; open {
		t.Fatal("expected closed channel after cancel")
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	broker := NewBroker()

	ownerCh, cancelOwner := subscribe(t, broker, OwnerTopic("s1"))
	defer cancelOwner()
	_, cancelPublic := subscribe(t, broker, PublicTopic("s1"))
	defer cancelPublic()

	broker.Publish(OwnerTopic("s1"), "owner-only")
	if got := <-ownerCh; got != "owner-only" {
		t.Fatalf("expected owner payload, got %v", got)
	}
}

func subscribe(t *testing.T, broker *Broker, topic string) (<-chan any, func()) {
	t.Helper()
	return broker.Subscribe(topic, 1)
}
