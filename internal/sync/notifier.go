package sync

import (
	"context"
	"sync"
	"time"
)

const (
	// EventSyncCompleted announces the end of a reconciliation run.
	EventSyncCompleted = "sync-completed"
	// EventAppointmentChanged announces a booked or rescheduled appointment.
	EventAppointmentChanged = "appointment-change"
)

// Message is one notification fanned out to subscribers.
type Message struct {
	EventType            string
	TargetID             string
	AppointmentIDs       []string
	SucceededConnections int
	FailedConnections    int
	Timestamp            time.Time
}

// Notifier fans sync and appointment notifications out to subscribers.
// Delivery is best effort; a subscriber with a full buffer misses the
// message rather than blocking the publisher.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[int64]*notifierSubscriber
	nextID      int64
	bufferSize  int
}

type notifierSubscriber struct {
	id     int64
	stream chan Message
}

// NewNotifier constructs an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[int64]*notifierSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener; cleanup also runs when the context ends.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan Message, func()) {
	subscriber := &notifierSubscriber{
		id:     n.nextSequence(),
		stream: make(chan Message, n.bufferSize),
	}
	n.registerSubscriber(subscriber)
	cleanup := func() {
		n.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every live subscriber without blocking.
func (n *Notifier) Publish(message Message) {
	if message.EventType == "" {
		return
	}
	n.mu.RLock()
	copies := make([]*notifierSubscriber, 0, len(n.subscribers))
	for _, subscriber := range n.subscribers {
		copies = append(copies, subscriber)
	}
	n.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (n *Notifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Notifier) registerSubscriber(subscriber *notifierSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[subscriber.id] = subscriber
}

func (n *Notifier) unregisterSubscriber(subscriberID int64) {
	n.mu.Lock()
	delete(n.subscribers, subscriberID)
	n.mu.Unlock()
}
