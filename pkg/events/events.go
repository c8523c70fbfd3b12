package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a fleet event.
type Type string

const (
	EventJobSubmitted Type = "job.submitted"
	EventJobQueued    Type = "job.queued"
	EventJobStarted   Type = "job.started"
	EventJobCompleted Type = "job.completed"
	EventJobFailed    Type = "job.failed"
	EventJobTimeout   Type = "job.timeout"
	EventJobCancelled Type = "job.cancelled"

	EventRobotConnected    Type = "robot.connected"
	EventRobotDisconnected Type = "robot.disconnected"
	EventRobotUnhealthy    Type = "robot.unhealthy"
	EventRobotRecovered    Type = "robot.recovered"

	EventScheduleFired    Type = "schedule.fired"
	EventScheduleMisfired Type = "schedule.misfired"
)

// Event is one fleet occurrence.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	JobID     string            `json:"job_id,omitempty"`
	RobotID   string            `json:"robot_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(t Type, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
}

// Subscriber receives published events.
type Subscriber chan *Event

// subscription pairs a channel with its type-prefix filter.
type subscription struct {
	prefix string
}

// Broker fans events out to subscribers. Publishing never blocks the
// caller: events queue on an internal channel and a slow subscriber's
// overflow is dropped rather than stalling the fleet.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]subscription
	eventCh     chan *Event
	stopCh      chan struct{}
	wg          sync.WaitGroup
	running     bool
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]subscription),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run()
}

// Stop halts distribution. Pending events are dropped.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
}

// Subscribe returns a channel receiving every event.
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeFiltered("")
}

// SubscribeFiltered returns a channel receiving events whose type starts
// with prefix, e.g. "job." for job lifecycle events only.
func (b *Broker) SubscribeFiltered(prefix string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = subscription{prefix: prefix}
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for distribution.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, s := range b.subscribers {
		if s.prefix != "" && !strings.HasPrefix(string(event.Type), s.prefix) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}
