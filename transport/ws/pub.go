package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/guseggert/mklauncher/transport"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

type pubSocket struct {
	server *Server
	subs   chan transport.Subscription
	fanout *fanout
}

func (p *pubSocket) Subscriptions() <-chan transport.Subscription { return p.subs }

func (p *pubSocket) Publish(topic string, payload []byte) error {
	if p.server.ctx.Err() != nil {
		return net.ErrClosed
	}
	delivered, cutOff := p.fanout.Publish(PubFrame{Topic: topic, Payload: payload})
	if cutOff > 0 {
		p.server.log.Infow("cut off slow subscribers", "Topic", topic, "Delivered", delivered, "CutOff", cutOff)
	}
	return nil
}

func (p *pubSocket) Endpoint() transport.Endpoint { return p.server.endpoint(StatePath) }

func (p *pubSocket) Close() error { return p.server.Close() }

func (p *pubSocket) notify(sub transport.Subscription) {
	select {
	case p.subs <- sub:
	case <-p.server.ctx.Done():
	}
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.accept(w, r)
	if err != nil {
		return
	}
	sub := newSubscriber(uuid.NewString(), s.queueSize)
	log := s.log.With("Subscriber", sub.id)
	log.Debug("accepted subscriber")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.pub.fanout.Add(sub)
	defer func() {
		for _, topic := range s.pub.fanout.Remove(sub) {
			s.pub.notify(transport.Subscription{Topic: topic, Subscribed: false})
		}
		log.Debug("subscriber gone")
	}()

	go func() {
		err := writeLoop(ctx, log, conn, sub.queue)
		cancel()
		conn.Close(closeStatus(err), "")
	}()
	go func() {
		select {
		case <-sub.slow:
			// the subscriber missed a frame, it has to reconnect to get a full update
			log.Info("closing slow subscriber")
			conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
		case <-ctx.Done():
		}
	}()

	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				log.Debug("got normal closure from subscriber")
			} else {
				log.Debugf("read error: %s", err)
			}
			return
		}
		var frame ControlFrame
		if err := json.Unmarshal(b, &frame); err != nil {
			log.Debugf("ignoring malformed control frame: %s", err)
			continue
		}
		log.Debugw("control frame", "Topic", frame.Topic, "Subscribe", frame.Subscribe)
		if frame.Subscribe {
			topic := frame.Topic
			s.pub.fanout.Subscribe(sub, topic)
			s.pub.notify(transport.Subscription{
				Topic:      topic,
				Subscribed: true,
				Activate:   func() { s.pub.fanout.Activate(sub, topic) },
			})
			continue
		}
		if s.pub.fanout.Unsubscribe(sub, frame.Topic) {
			s.pub.notify(transport.Subscription{Topic: frame.Topic, Subscribed: false})
		}
	}
}
