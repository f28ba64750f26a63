package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFanoutTopicCounts(t *testing.T) {
	f := newFanout()
	a := newSubscriber("a", 1)
	b := newSubscriber("b", 1)
	f.Add(a)
	f.Add(b)

	f.Subscribe(a, "launcher")
	f.Subscribe(a, "launcher")
	f.Subscribe(b, "launcher")
	assert.Equal(t, 2, f.Subscribers("launcher"))

	assert.False(t, f.Unsubscribe(a, "launcher"))
	assert.False(t, f.Unsubscribe(a, "launcher"))
	assert.Equal(t, []string{"launcher"}, f.Remove(b))
	assert.Equal(t, 0, f.Subscribers("launcher"))
	assert.Nil(t, f.Remove(b))
}

func TestFanoutInactiveUntilActivated(t *testing.T) {
	f := newFanout()
	a := newSubscriber("a", 4)
	f.Add(a)
	f.Subscribe(a, "launcher")
	assert.Equal(t, 1, f.Subscribers("launcher"))

	delivered, _ := f.Publish(PubFrame{Topic: "launcher"})
	assert.Equal(t, 0, delivered)

	f.Activate(a, "launcher")
	delivered, _ = f.Publish(PubFrame{Topic: "launcher"})
	assert.Equal(t, 1, delivered)

	// a repeated subscription keeps the topic active
	f.Subscribe(a, "launcher")
	delivered, _ = f.Publish(PubFrame{Topic: "launcher"})
	assert.Equal(t, 1, delivered)

	f.Unsubscribe(a, "launcher")
	f.Activate(a, "launcher")
	delivered, _ = f.Publish(PubFrame{Topic: "launcher"})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, f.Subscribers("launcher"))
}

func TestFanoutCutsOffSlowSubscriber(t *testing.T) {
	f := newFanout()
	slow := newSubscriber("slow", 1)
	other := newSubscriber("other", 4)
	f.Add(slow)
	f.Add(other)
	f.Subscribe(slow, "launcher")
	f.Activate(slow, "launcher")
	f.Subscribe(other, "status")
	f.Activate(other, "status")

	delivered, cutOff := f.Publish(PubFrame{Topic: "launcher", Payload: []byte("1")})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, cutOff)
	assert.False(t, slow.isCutOff())

	delivered, cutOff = f.Publish(PubFrame{Topic: "launcher", Payload: []byte("2")})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, cutOff)
	assert.True(t, slow.isCutOff())

	frame := <-slow.queue
	assert.Equal(t, []byte("1"), frame.Payload)

	// nothing reaches a cut off subscriber, even with room in its queue
	delivered, cutOff = f.Publish(PubFrame{Topic: "launcher", Payload: []byte("3")})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, cutOff)
	assert.Empty(t, slow.queue)
	assert.Empty(t, other.queue)

	// still counted until its connection is gone
	assert.Equal(t, 1, f.Subscribers("launcher"))
	assert.Equal(t, []string{"launcher"}, f.Remove(slow))
}

func TestFanoutPrefixMatch(t *testing.T) {
	f := newFanout()
	all := newSubscriber("all", 4)
	f.Add(all)
	f.Subscribe(all, "")
	f.Activate(all, "")

	delivered, _ := f.Publish(PubFrame{Topic: "launcher"})
	assert.Equal(t, 1, delivered)
	delivered, _ = f.Publish(PubFrame{Topic: "anything"})
	assert.Equal(t, 1, delivered)
}
