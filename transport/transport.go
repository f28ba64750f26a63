// Package transport defines the two sockets the launcher service talks through: a
// publish socket that reports subscriber presence, and a router socket that carries
// requests with a routing identity so replies reach the right peer.
package transport

import (
	"fmt"
	"strings"
)

// Identity is the routing prefix of a request, one element per hop. Replies must carry
// the same identity.
type Identity []string

func (i Identity) String() string {
	return strings.Join(i, "/")
}

// Subscription is a subscriber presence notification. Subscribe notifications are
// delivered for every subscriber. An unsubscribe notification is delivered only once the
// last subscriber of Topic has left.
type Subscription struct {
	Topic      string
	Subscribed bool
	// Activate, when set, starts routing published frames to the new subscriber. Until it
	// is called the subscriber receives nothing, so the receiver of the notification
	// decides which frame the subscriber sees first. Nil for unsubscribe notifications and
	// for transports that cannot hold frames back.
	Activate func()
}

type Request struct {
	Identity Identity
	Body     []byte
}

// Endpoint describes where a socket can be reached.
type Endpoint struct {
	// DSN is the address clients connect to, e.g. ws://10.0.0.2:41231/launcher.
	DSN  string
	Host string
	Port int
}

func (e Endpoint) String() string {
	if e.DSN != "" {
		return e.DSN
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// PubSocket publishes topic-tagged payloads to subscribers.
type PubSocket interface {
	Subscriptions() <-chan Subscription
	Publish(topic string, payload []byte) error
	Endpoint() Endpoint
	Close() error
}

// RouterSocket receives requests from many peers and routes replies back by identity.
type RouterSocket interface {
	Requests() <-chan Request
	Reply(identity Identity, payload []byte) error
	Endpoint() Endpoint
	Close() error
}
