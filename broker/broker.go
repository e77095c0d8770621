package broker

import (
	"log/slog"
	"sync"
)

// Topics published by the bridge.
const (
	TopicStatus = "status"
	TopicData   = "data"
)

// Event is one published value on a topic.
type Event struct {
	Topic   string
	Payload any
}

type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{} // Map topic to hashset of Event channels
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[chan Event]struct{}),
	}
}

func (b *Broker) Subscribe(topic string, ch chan Event) {
	slog.Debug("Subscribing", "topic", topic)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
}

// Publish delivers ev to every subscriber of its topic without blocking.
// Subscribers with a full buffer miss the event.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropped event (buffer full)", "topic", ev.Topic)
		}
	}
}

func (b *Broker) Unsubscribe(topic string, ch chan Event) {
	slog.Debug("Unsubscribing", "topic", topic)
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[topic]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Subscribers returns the number of channels subscribed to topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
