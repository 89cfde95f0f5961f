package messenger

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSubscriberNotFound = errors.New("subscriber not found")

// EventType classifies a change to a subject.
type EventType int

const (
	Created EventType = iota
	Modified
	Deleted
)

func (t EventType) String() string {
	switch t {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// AllEventTypes returns the full event set, the default for a new interest.
func AllEventTypes() map[EventType]bool {
	return map[EventType]bool{Created: true, Modified: true, Deleted: true}
}

// Message is a single change notification. SubjectType is the entity item
// name (e.g. "download").
type Message struct {
	EventType   EventType `json:"event_type"`
	SubjectType string    `json:"subject_type"`
	SubjectID   int64     `json:"subject_id"`
	Data        any       `json:"data"`
}

// Interest declares which events of a subject type a subscriber wants.
type Interest struct {
	SubjectType string
	EventTypes  map[EventType]bool
}

const (
	// InboxMessageLimit is the maximum number of undelivered messages an
	// inbox holds before the subscriber is assumed dead.
	InboxMessageLimit = 1000
	// InboxExpiration is how long an inbox may go unpolled before the
	// subscriber is assumed dead.
	InboxExpiration = 300 * time.Second
)

// Subscriber is a registered message recipient with an inbox.
type Subscriber struct {
	UUID uuid.UUID

	mu          sync.Mutex
	interests   []Interest
	messages    []Message
	lastChecked time.Time
}

// SetInterests replaces the subscriber's interest list.
func (s *Subscriber) SetInterests(interests []Interest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interests = interests
}

// AddInterest merges an interest for the given subject type into the
// subscriber's interest list.
func (s *Subscriber) AddInterest(subjectType string, eventTypes map[EventType]bool) {
	if len(eventTypes) == 0 {
		eventTypes = AllEventTypes()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.interests {
		if s.interests[i].SubjectType == subjectType {
			for t := range eventTypes {
				s.interests[i].EventTypes[t] = true
			}
			return
		}
	}
	s.interests = append(s.interests, Interest{SubjectType: subjectType, EventTypes: eventTypes})
}

// Interested reports whether the subscriber wants the given event.
func (s *Subscriber) Interested(subjectType string, eventType EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.interests {
		if i.SubjectType == subjectType && i.EventTypes[eventType] {
			return true
		}
	}
	return false
}

func (s *Subscriber) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastChecked) > InboxExpiration
}

// put appends a message; reports false when the inbox is over capacity.
func (s *Subscriber) put(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) >= InboxMessageLimit {
		return false
	}
	s.messages = append(s.messages, msg)
	return true
}

// PopAll drains the inbox and refreshes the poll timestamp.
func (s *Subscriber) PopAll() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastChecked = time.Now()
	out := s.messages
	s.messages = nil
	return out
}

// Messenger is the in-process pub/sub hub. Delivery is synchronous in the
// publisher's goroutine.
type Messenger struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]*Subscriber
}

func New() *Messenger {
	return &Messenger{subscribers: make(map[uuid.UUID]*Subscriber)}
}

// NewSubscriber registers a subscriber with an empty interest list.
func (m *Messenger) NewSubscriber() *Subscriber {
	sub := &Subscriber{
		UUID:        uuid.New(),
		lastChecked: time.Now(),
	}
	m.mu.Lock()
	m.subscribers[sub.UUID] = sub
	m.mu.Unlock()
	return sub
}

// GetSubscriber returns the subscriber with the given uuid.
func (m *Messenger) GetSubscriber(id uuid.UUID) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscribers[id]
	if !ok {
		return nil, ErrSubscriberNotFound
	}
	return sub, nil
}

// RemoveSubscriber drops the subscriber and its inbox.
func (m *Messenger) RemoveSubscriber(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, id)
}

// Publish delivers the message to every interested subscriber. Expired and
// overflowing subscribers are removed along the way.
func (m *Messenger) Publish(msg Message) {
	m.mu.Lock()
	subs := make([]*Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, sub := range subs {
		if sub.expired(now) {
			m.RemoveSubscriber(sub.UUID)
			continue
		}
		if !sub.Interested(msg.SubjectType, msg.EventType) {
			continue
		}
		if !sub.put(msg) {
			// Inbox full: the subscriber stopped polling.
			m.RemoveSubscriber(sub.UUID)
		}
	}
}
