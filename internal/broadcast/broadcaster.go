// ABOUTME: In-memory topic-keyed pub/sub for live metrics, command output and state changes
// ABOUTME: Bounded subscribers; slow consumers shed oldest events and receive a Lagged marker

package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the per-subscriber event buffer. When it overflows
// the oldest events are dropped and replaced by a single Lagged marker.
const subscriberBufferSize = 64

// EventType classifies broadcast events.
type EventType string

const (
	TypeMetrics   EventType = "metrics"
	TypeState     EventType = "state"
	TypeBatch     EventType = "batch"
	TypeOutput    EventType = "output"
	TypeAlert     EventType = "alert"
	TypeLagged    EventType = "lagged"
	TypeGap       EventType = "gap"
	TypeTruncated EventType = "truncated"
)

// Event is one message on a topic. Payload is a JSON-encodable value owned by
// the publisher; subscribers must not mutate it.
type Event struct {
	Topic   string    `json:"topic"`
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Lagged  int       `json:"lagged,omitempty"` // dropped-event count, set on TypeLagged only
}

// Topic name constructors. Keep in sync with the websocket subscribe API.
func TopicAgentMetrics(agentID int64) string { return fmt.Sprintf("agent/%d/metrics", agentID) }
func TopicAgentState(agentID int64) string   { return fmt.Sprintf("agent/%d/state", agentID) }
func TopicBatch(batchID string) string       { return fmt.Sprintf("batch/%s", batchID) }
func TopicBatchChild(batchID, childID string) string {
	return fmt.Sprintf("batch/%s/child/%s", batchID, childID)
}
func TopicAlertsUser(userID int64) string { return fmt.Sprintf("alerts/user/%d", userID) }

// subscriber owns a bounded queue drained by a pump goroutine, so Publish
// never blocks on a slow consumer.
type subscriber struct {
	mu      sync.Mutex
	queue   []*Event
	dropped int
	wake    chan struct{}
	out     chan *Event
	done    chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan *Event),
		done: make(chan struct{}),
	}
}

// offer enqueues an event, shedding the oldest entry when full.
func (s *subscriber) offer(event *Event) {
	s.mu.Lock()
	if len(s.queue) >= subscriberBufferSize {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the out channel, emitting a Lagged marker ahead
// of the next event whenever drops occurred.
func (s *subscriber) pump(topic string) {
	defer close(s.out)

	for {
		s.mu.Lock()
		var next *Event
		if s.dropped > 0 {
			next = &Event{Topic: topic, Type: TypeLagged, Lagged: s.dropped}
			s.dropped = 0
		} else if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

// Broadcaster provides in-memory pub/sub over string topics. It is not
// persistent: late subscribers see only the live tail.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // topic -> subID -> sub
	logger      *slog.Logger
	closed      bool
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given topic. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	subID := uuid.New().String()
	sub := newSubscriber()

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]*subscriber)
	}
	b.subscribers[topic][subID] = sub
	b.mu.Unlock()

	go sub.pump(topic)

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return sub.out, subID
}

// Publish delivers an event to all subscribers of its topic. Never blocks.
func (b *Broadcaster) Publish(event *Event) {
	b.mu.RLock()
	subs, ok := b.subscribers[event.Topic]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.offer(event)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(sub.done)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the broadcaster and all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for topic, subs := range b.subscribers {
		for subID, sub := range subs {
			close(sub.done)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("broadcaster closed")
}
