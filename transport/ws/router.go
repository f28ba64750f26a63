package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/mklauncher/transport"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

type peer struct {
	id    string
	queue chan RouterFrame
}

type routerSocket struct {
	server *Server
	reqs   chan transport.Request

	mu    sync.Mutex
	peers map[string]*peer
}

func (r *routerSocket) Requests() <-chan transport.Request { return r.reqs }

// Reply routes payload to the connection named by the first hop of identity. The
// remaining hops travel with the frame.
func (r *routerSocket) Reply(identity transport.Identity, payload []byte) error {
	if len(identity) == 0 {
		return fmt.Errorf("reply without identity: %w", ErrUnknownPeer)
	}
	r.mu.Lock()
	p, ok := r.peers[identity[0]]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownPeer, identity[0])
	}
	frame := RouterFrame{Identity: append([]string(nil), identity[1:]...), Body: payload}
	select {
	case p.queue <- frame:
		return nil
	default:
		return fmt.Errorf("send queue of peer %q is full", p.id)
	}
}

func (r *routerSocket) Endpoint() transport.Endpoint { return r.server.endpoint(CommandPath) }

func (r *routerSocket) Close() error { return r.server.Close() }

func (r *routerSocket) add(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.id] = p
}

func (r *routerSocket) remove(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, p.id)
}

func (r *routerSocket) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (s *Server) serveCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.accept(w, r)
	if err != nil {
		return
	}
	p := &peer{id: uuid.NewString(), queue: make(chan RouterFrame, s.queueSize)}
	log := s.log.With("Peer", p.id)
	log.Debug("accepted command peer")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.router.add(p)
	defer s.router.remove(p)

	go func() {
		err := writeLoop(ctx, log, conn, p.queue)
		cancel()
		conn.Close(closeStatus(err), "")
	}()

	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				log.Debug("got normal closure from peer")
			} else {
				log.Debugf("read error: %s", err)
			}
			return
		}

		req := transport.Request{Identity: transport.Identity{p.id}}
		var frame RouterFrame
		if err := json.Unmarshal(b, &frame); err != nil {
			// let the command server reject it with a proper error reply
			req.Body = b
		} else {
			req.Identity = append(req.Identity, frame.Identity...)
			req.Body = frame.Body
		}

		select {
		case s.router.reqs <- req:
		case <-ctx.Done():
			return
		}
	}
}
