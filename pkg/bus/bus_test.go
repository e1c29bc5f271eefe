package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New[int](4, 4, nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(7)

	assert.Equal(t, 7, <-s1.C())
	assert.Equal(t, 7, <-s2.C())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[int](4, 4, nil)
	s := b.Subscribe()
	b.Unsubscribe(s)

	_, ok := <-s.C()
	assert.False(t, ok)
}

func TestSlowSubscriberIsDroppedAfterThreshold(t *testing.T) {
	dropped := 0
	b := New[int](1, 3, func() { dropped++ })
	s := b.Subscribe()

	// First publish fills the one-slot buffer; the rest are dropped
	// without anyone draining it.
	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestNewSubscriberOnlySeesFutureEvents(t *testing.T) {
	b := New[int](4, 4, nil)
	b.Publish(1)
	s := b.Subscribe()
	b.Publish(2)

	assert.Equal(t, 2, <-s.C())
}
