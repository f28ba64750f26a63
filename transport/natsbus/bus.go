// Package natsbus carries the launcher's state and command sockets over NATS.
//
// State frames are published on <prefix>.<topic>. Subscribers announce themselves with
// ControlMessages on <prefix>.control. Commands are requests on <prefix>.command, the
// reply subject is the first routing hop and Launcher-Route headers carry the rest.
//
// Clients subscribe to the state subject directly, so frames cannot be held back until the
// launcher has seen a subscribe announcement. A new client may receive incremental updates
// before the full update its announcement triggers and must discard them until the first
// full update arrives.
//
// With a presence TTL, a client that sends no control message for a whole TTL is dropped as
// if it had unsubscribed. Clients keep their presence with refresh messages, a subscribe
// ControlMessage with Refresh set, at a fraction of the TTL.
package natsbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/mklauncher/transport"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RouteHeader holds additional routing hops of a command, in order.
const RouteHeader = "Launcher-Route"

var ErrNoReplySubject = errors.New("reply without identity")

// ControlMessage announces that Client subscribed to or left Topic. A refresh of a known
// subscription only renews the client's presence.
type ControlMessage struct {
	Client    string `json:"client"`
	Topic     string `json:"topic"`
	Subscribe bool   `json:"subscribe"`
	Refresh   bool   `json:"refresh,omitempty"`
}

type presence struct {
	topics map[string]struct{}
	seen   time.Time
}

// Bus implements transport.PubSocket and transport.RouterSocket on a NATS connection.
// The connection is owned by the caller.
type Bus struct {
	log    *zap.SugaredLogger
	nc     *nats.Conn
	prefix string

	subs chan transport.Subscription
	reqs chan transport.Request
	done chan struct{}

	presenceTTL time.Duration

	mu      sync.Mutex
	clients map[string]*presence
	topics  map[string]int

	natsSubs  []*nats.Subscription
	closeOnce sync.Once

	pub    *pubSocket
	router *routerSocket
}

type Option func(b *Bus)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(b *Bus) {
		b.log = l.Named("nats_transport")
	}
}

// WithPrefix sets the subject prefix, "launcher" by default.
func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		b.prefix = prefix
	}
}

// WithPresenceTTL drops clients that have not sent a control message for d. Zero, the
// default, keeps clients until they unsubscribe.
func WithPresenceTTL(d time.Duration) Option {
	return func(b *Bus) {
		b.presenceTTL = d
	}
}

func New(nc *nats.Conn, opts ...Option) (*Bus, error) {
	b := &Bus{
		log:     zap.NewNop().Sugar(),
		nc:      nc,
		prefix:  "launcher",
		subs:    make(chan transport.Subscription, 64),
		reqs:    make(chan transport.Request, 64),
		done:    make(chan struct{}),
		clients: map[string]*presence{},
		topics:  map[string]int{},
	}
	for _, o := range opts {
		o(b)
	}
	b.pub = &pubSocket{bus: b}
	b.router = &routerSocket{bus: b}

	control, err := nc.Subscribe(b.ControlSubject(), b.handleControl)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", b.ControlSubject(), err)
	}
	command, err := nc.Subscribe(b.CommandSubject(), b.handleCommand)
	if err != nil {
		control.Unsubscribe()
		return nil, fmt.Errorf("subscribing to %s: %w", b.CommandSubject(), err)
	}
	b.natsSubs = []*nats.Subscription{control, command}
	if err := nc.Flush(); err != nil {
		b.Close()
		return nil, fmt.Errorf("flushing subscriptions: %w", err)
	}
	if b.presenceTTL > 0 {
		go b.expireLoop()
	}
	return b, nil
}

func (b *Bus) Subject(topic string) string { return b.prefix + "." + topic }
func (b *Bus) ControlSubject() string      { return b.prefix + ".control" }
func (b *Bus) CommandSubject() string      { return b.prefix + ".command" }

func (b *Bus) Pub() transport.PubSocket       { return b.pub }
func (b *Bus) Router() transport.RouterSocket { return b.router }

// Close unsubscribes from NATS. It is safe to call more than once.
func (b *Bus) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		close(b.done)
		for _, s := range b.natsSubs {
			if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (b *Bus) endpoint(subject string) transport.Endpoint {
	e := transport.Endpoint{DSN: b.nc.ConnectedUrlRedacted() + "/" + subject}
	if host, port, err := net.SplitHostPort(b.nc.ConnectedAddr()); err == nil {
		e.Host = host
		e.Port, _ = strconv.Atoi(port)
	}
	return e
}

func (b *Bus) notify(sub transport.Subscription) {
	select {
	case b.subs <- sub:
	case <-b.done:
	}
}

func (b *Bus) handleControl(msg *nats.Msg) {
	var ctl ControlMessage
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		b.log.Debugf("ignoring malformed control message: %s", err)
		return
	}
	b.log.Debugw("control message", "Client", ctl.Client, "Topic", ctl.Topic, "Subscribe", ctl.Subscribe, "Refresh", ctl.Refresh)

	if ctl.Subscribe {
		b.mu.Lock()
		p, ok := b.clients[ctl.Client]
		if !ok {
			p = &presence{topics: map[string]struct{}{}}
			b.clients[ctl.Client] = p
		}
		p.seen = time.Now()
		_, known := p.topics[ctl.Topic]
		if !known {
			p.topics[ctl.Topic] = struct{}{}
			b.topics[ctl.Topic]++
		}
		b.mu.Unlock()
		if known && ctl.Refresh {
			return
		}
		b.notify(transport.Subscription{Topic: ctl.Topic, Subscribed: true})
		return
	}

	b.mu.Lock()
	last := false
	if p, ok := b.clients[ctl.Client]; ok {
		p.seen = time.Now()
		if _, ok := p.topics[ctl.Topic]; ok {
			delete(p.topics, ctl.Topic)
			if len(p.topics) == 0 {
				delete(b.clients, ctl.Client)
			}
			last = b.release(ctl.Topic)
		}
	}
	b.mu.Unlock()
	if last {
		b.notify(transport.Subscription{Topic: ctl.Topic, Subscribed: false})
	}
}

// release drops one subscriber of topic and reports whether it was the last one.
func (b *Bus) release(topic string) bool {
	b.topics[topic]--
	if b.topics[topic] <= 0 {
		delete(b.topics, topic)
		return true
	}
	return false
}

func (b *Bus) expireLoop() {
	ticker := time.NewTicker(b.presenceTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			for _, topic := range b.expire(now.Add(-b.presenceTTL)) {
				b.notify(transport.Subscription{Topic: topic, Subscribed: false})
			}
		}
	}
}

// expire drops the clients not seen since deadline and returns the topics that lost
// their last subscriber.
func (b *Bus) expire(deadline time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var gone []string
	for client, p := range b.clients {
		if !p.seen.Before(deadline) {
			continue
		}
		b.log.Infow("client presence expired", "Client", client, "LastSeen", p.seen)
		for topic := range p.topics {
			if b.release(topic) {
				gone = append(gone, topic)
			}
		}
		delete(b.clients, client)
	}
	return gone
}

func (b *Bus) handleCommand(msg *nats.Msg) {
	if msg.Reply == "" {
		b.log.Debug("dropping command without reply subject")
		return
	}
	identity := transport.Identity{msg.Reply}
	if msg.Header != nil {
		identity = append(identity, msg.Header.Values(RouteHeader)...)
	}
	select {
	case b.reqs <- transport.Request{Identity: identity, Body: msg.Data}:
	case <-b.done:
	}
}

// Subscribers returns the number of announced subscribers of topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[topic]
}

type pubSocket struct{ bus *Bus }

func (p *pubSocket) Subscriptions() <-chan transport.Subscription { return p.bus.subs }

func (p *pubSocket) Publish(topic string, payload []byte) error {
	if err := p.bus.nc.Publish(p.bus.Subject(topic), payload); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

func (p *pubSocket) Endpoint() transport.Endpoint { return p.bus.endpoint(p.bus.Subject("launcher")) }

func (p *pubSocket) Close() error { return p.bus.Close() }

type routerSocket struct{ bus *Bus }

func (r *routerSocket) Requests() <-chan transport.Request { return r.bus.reqs }

func (r *routerSocket) Reply(identity transport.Identity, payload []byte) error {
	if len(identity) == 0 || identity[0] == "" {
		return ErrNoReplySubject
	}
	msg := nats.NewMsg(identity[0])
	msg.Data = payload
	for _, hop := range identity[1:] {
		msg.Header.Add(RouteHeader, hop)
	}
	if err := r.bus.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("replying to %s: %w", identity[0], err)
	}
	return nil
}

func (r *routerSocket) Endpoint() transport.Endpoint { return r.bus.endpoint(r.bus.CommandSubject()) }

func (r *routerSocket) Close() error { return r.bus.Close() }
