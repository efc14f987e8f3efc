package events

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber whose
// queue fills up is dropped: research runs only make progress when events
// keep flowing, and the persisted log lets a dropped client catch up.
const subscriberBuffer = 64

// Broker fans published events out to in-process subscribers per channel.
// A run lives on a single process, so delivery is a direct handoff rather
// than a cross-pod notification round-trip.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*subscriber
	nextID int64
	closed bool
}

type subscriber struct {
	id      int64
	channel string
	ch      chan []byte
}

// Subscription is a live broker subscription. Receive until C is closed;
// a closed C means the broker shut down or this subscriber fell too far
// behind and was dropped.
type Subscription struct {
	C      <-chan []byte
	broker *Broker
	sub    *subscriber
	once   sync.Once
}

// Close detaches the subscription from its channel. Safe to call multiple
// times and after the broker dropped the subscriber.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s.sub, false)
	})
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int64]*subscriber)}
}

// Subscribe attaches a new subscriber to a channel. Events published after
// this call are delivered in FIFO order until the subscription closes.
func (b *Broker) Subscribe(channel string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		channel: channel,
		ch:      make(chan []byte, subscriberBuffer),
	}
	if b.closed {
		close(sub.ch)
		return &Subscription{C: sub.ch, broker: b, sub: sub}
	}
	if _, exists := b.subs[channel]; !exists {
		b.subs[channel] = make(map[int64]*subscriber)
	}
	b.subs[channel][sub.id] = sub
	return &Subscription{C: sub.ch, broker: b, sub: sub}
}

// Publish delivers payload to every subscriber of the channel. Non-blocking:
// a subscriber with a full queue is removed and its stream closed.
func (b *Broker) Publish(channel string, payload []byte) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs[channel]))
	for _, sub := range b.subs[channel] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default:
			slog.Warn("Dropping slow event subscriber", "channel", channel, "subscriber_id", sub.id)
			b.remove(sub, true)
		}
	}
}

// SubscriberCount returns the number of live subscribers on a channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close shuts the broker down and closes every subscriber stream.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[int64]*subscriber)
}

// remove detaches a subscriber; closeCh also closes its stream so the
// reader observes the drop.
func (b *Broker) remove(sub *subscriber, closeCh bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, exists := b.subs[sub.channel]
	if !exists {
		return
	}
	if _, present := subs[sub.id]; !present {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.subs, sub.channel)
	}
	if closeCh {
		close(sub.ch)
	}
}
