package ws

import (
	"strings"
	"sync"
)

// subscriber is one connection on the state endpoint. Frames are queued and written by the
// connection's own goroutine. A subscriber whose queue overflows is cut off, its
// connection has to be closed because it already missed a frame.
type subscriber struct {
	id    string
	queue chan PubFrame
	// topics maps every subscribed topic to whether it is active. Inactive topics count as
	// subscribed but receive no frames.
	topics map[string]bool

	slow     chan struct{}
	slowOnce sync.Once
}

func newSubscriber(id string, queueSize int) *subscriber {
	return &subscriber{
		id:     id,
		queue:  make(chan PubFrame, queueSize),
		topics: map[string]bool{},
		slow:   make(chan struct{}),
	}
}

func (s *subscriber) matches(topic string) bool {
	for prefix, active := range s.topics {
		if active && strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// cutOff marks s as too slow. It is closed at most once.
func (s *subscriber) cutOff() {
	s.slowOnce.Do(func() { close(s.slow) })
}

func (s *subscriber) isCutOff() bool {
	select {
	case <-s.slow:
		return true
	default:
		return false
	}
}

// fanout allows dynamic concurrent addition and removal of subscribers and tracks how many
// subscribers each topic has. Publishing never blocks.
type fanout struct {
	m           sync.Mutex
	subscribers map[string]*subscriber
	topics      map[string]int
}

func newFanout() *fanout {
	return &fanout{
		subscribers: map[string]*subscriber{},
		topics:      map[string]int{},
	}
}

func (f *fanout) Add(s *subscriber) {
	f.m.Lock()
	defer f.m.Unlock()
	f.subscribers[s.id] = s
}

// Remove drops s and returns the topics that no longer have any subscriber.
func (f *fanout) Remove(s *subscriber) []string {
	f.m.Lock()
	defer f.m.Unlock()
	if _, ok := f.subscribers[s.id]; !ok {
		return nil
	}
	delete(f.subscribers, s.id)
	var gone []string
	for topic := range s.topics {
		if f.release(topic) {
			gone = append(gone, topic)
		}
	}
	s.topics = map[string]bool{}
	return gone
}

// Subscribe adds topic to s as an inactive topic. A repeated subscription of the same
// topic is a no-op.
func (f *fanout) Subscribe(s *subscriber, topic string) {
	f.m.Lock()
	defer f.m.Unlock()
	if _, ok := s.topics[topic]; ok {
		return
	}
	s.topics[topic] = false
	f.topics[topic]++
}

// Activate starts delivering frames of topic to s, if s is still subscribed to it.
func (f *fanout) Activate(s *subscriber, topic string) {
	f.m.Lock()
	defer f.m.Unlock()
	if _, ok := s.topics[topic]; ok {
		s.topics[topic] = true
	}
}

// Unsubscribe removes topic from s and reports whether it was the topic's last subscriber.
func (f *fanout) Unsubscribe(s *subscriber, topic string) bool {
	f.m.Lock()
	defer f.m.Unlock()
	if _, ok := s.topics[topic]; !ok {
		return false
	}
	delete(s.topics, topic)
	return f.release(topic)
}

func (f *fanout) release(topic string) bool {
	f.topics[topic]--
	if f.topics[topic] <= 0 {
		delete(f.topics, topic)
		return true
	}
	return false
}

// Publish queues the frame on every active subscriber whose topics match. A subscriber
// whose queue is full is cut off and gets no further frames.
func (f *fanout) Publish(frame PubFrame) (delivered, cutOff int) {
	f.m.Lock()
	defer f.m.Unlock()
	for _, s := range f.subscribers {
		if s.isCutOff() || !s.matches(frame.Topic) {
			continue
		}
		select {
		case s.queue <- frame:
			delivered++
		default:
			s.cutOff()
			cutOff++
		}
	}
	return delivered, cutOff
}

// Subscribers returns the number of subscribers of topic.
func (f *fanout) Subscribers(topic string) int {
	f.m.Lock()
	defer f.m.Unlock()
	return f.topics[topic]
}

func (f *fanout) Len() int {
	f.m.Lock()
	defer f.m.Unlock()
	return len(f.subscribers)
}
