package messenger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterestFiltering(t *testing.T) {
	m := New()
	sub := m.NewSubscriber()
	sub.AddInterest("download", map[EventType]bool{Modified: true})

	m.Publish(Message{EventType: Created, SubjectType: "download", SubjectID: 1})
	m.Publish(Message{EventType: Modified, SubjectType: "download", SubjectID: 1})
	m.Publish(Message{EventType: Modified, SubjectType: "video", SubjectID: 2})

	msgs := sub.PopAll()
	require.Len(t, msgs, 1)
	assert.Equal(t, Modified, msgs[0].EventType)
	assert.Equal(t, "download", msgs[0].SubjectType)
	assert.Equal(t, int64(1), msgs[0].SubjectID)

	// The inbox drains on read.
	assert.Empty(t, sub.PopAll())
}

func TestAddInterestDefaultsToAllEvents(t *testing.T) {
	m := New()
	sub := m.NewSubscriber()
	sub.AddInterest("download", nil)

	for _, e := range []EventType{Created, Modified, Deleted} {
		assert.True(t, sub.Interested("download", e), e.String())
	}
	assert.False(t, sub.Interested("video", Created))
}

func TestAddInterestMergesEventTypes(t *testing.T) {
	sub := &Subscriber{}
	sub.AddInterest("download", map[EventType]bool{Created: true})
	sub.AddInterest("download", map[EventType]bool{Deleted: true})

	assert.True(t, sub.Interested("download", Created))
	assert.True(t, sub.Interested("download", Deleted))
	assert.False(t, sub.Interested("download", Modified))
}

func TestSetInterestsReplaces(t *testing.T) {
	sub := &Subscriber{}
	sub.AddInterest("download", nil)
	sub.SetInterests([]Interest{{SubjectType: "video", EventTypes: AllEventTypes()}})

	assert.False(t, sub.Interested("download", Created))
	assert.True(t, sub.Interested("video", Created))
}

func TestOverflowRemovesSubscriber(t *testing.T) {
	m := New()
	sub := m.NewSubscriber()
	sub.AddInterest("download", nil)

	for i := 0; i < InboxMessageLimit+1; i++ {
		m.Publish(Message{EventType: Created, SubjectType: "download", SubjectID: int64(i)})
	}

	_, err := m.GetSubscriber(sub.UUID)
	assert.ErrorIs(t, err, ErrSubscriberNotFound)
	assert.Len(t, sub.PopAll(), InboxMessageLimit)
}

func TestExpiredSubscriberRemoved(t *testing.T) {
	m := New()
	sub := m.NewSubscriber()
	sub.AddInterest("download", nil)
	sub.lastChecked = time.Now().Add(-InboxExpiration - time.Second)

	m.Publish(Message{EventType: Created, SubjectType: "download", SubjectID: 1})

	_, err := m.GetSubscriber(sub.UUID)
	assert.ErrorIs(t, err, ErrSubscriberNotFound)
	assert.Empty(t, sub.PopAll())
}

func TestPopAllRefreshesExpiry(t *testing.T) {
	m := New()
	sub := m.NewSubscriber()
	sub.AddInterest("download", nil)
	sub.lastChecked = time.Now().Add(-InboxExpiration + time.Minute)

	sub.PopAll()
	m.Publish(Message{EventType: Created, SubjectType: "download", SubjectID: 1})

	_, err := m.GetSubscriber(sub.UUID)
	require.NoError(t, err)
	assert.Len(t, sub.PopAll(), 1)
}

func TestRemoveSubscriber(t *testing.T) {
	m := New()
	sub := m.NewSubscriber()
	m.RemoveSubscriber(sub.UUID)
	_, err := m.GetSubscriber(sub.UUID)
	assert.ErrorIs(t, err, ErrSubscriberNotFound)
}
