// Package ws serves the launcher's state and command sockets over WebSocket.
//
// GET /launcher is the state endpoint: clients send ControlFrames and receive PubFrames.
// GET /launchercmd is the command endpoint: RouterFrames in both directions, the
// connection itself is the first routing hop.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	inet "github.com/guseggert/mklauncher/internal/net"
	"github.com/guseggert/mklauncher/transport"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	StatePath   = "/launcher"
	CommandPath = "/launchercmd"

	readLimit = 4 << 20
)

var ErrUnknownPeer = errors.New("unknown peer")

// Server is an HTTP server exposing a transport.PubSocket and a transport.RouterSocket.
type Server struct {
	log *zap.SugaredLogger

	listenHost    string
	port          int
	advertiseHost string
	queueSize     int
	metrics       http.Handler

	listener   net.Listener
	httpServer *http.Server
	started    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	pub    *pubSocket
	router *routerSocket
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l.Named("ws_transport")
	}
}

// WithListenAddr sets the bind address. Port 0 binds a random free port.
func WithListenAddr(host string, port int) Option {
	return func(s *Server) {
		s.listenHost = host
		s.port = port
	}
}

// WithAdvertiseHost sets the host used in endpoint DSNs. By default it is derived from the
// listen host.
func WithAdvertiseHost(host string) Option {
	return func(s *Server) {
		s.advertiseHost = host
	}
}

// WithQueueSize bounds the number of frames buffered per connection.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		s.queueSize = n
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer binds the listener right away so that endpoints are known before Serve.
func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		listenHost: "0.0.0.0",
		queueSize:  128,
	}
	for _, o := range opts {
		o(s)
	}
	if s.advertiseHost == "" {
		s.advertiseHost = inet.AdvertiseHost(s.listenHost)
	}

	listener, port, err := inet.ListenTCP(s.listenHost, s.port)
	if err != nil {
		return nil, err
	}
	s.listener = listener
	s.port = port
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.pub = &pubSocket{
		server: s,
		subs:   make(chan transport.Subscription, 64),
		fanout: newFanout(),
	}
	s.router = &routerSocket{
		server: s,
		reqs:   make(chan transport.Request, 64),
		peers:  map[string]*peer{},
	}

	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET(StatePath, s.serveState)
	router.GET(CommandPath, s.serveCommand)
	if s.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.metrics)
	}
	s.httpServer = &http.Server{
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return s.ctx },
	}
	return s, nil
}

// Serve serves until Close is called.
func (s *Server) Serve() error {
	s.started = time.Now()
	s.log.Infow("serving", "Addr", s.listener.Addr().String(), "State", s.pub.Endpoint().DSN, "Command", s.router.Endpoint().DSN)
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the HTTP server and drops every WebSocket connection. It is safe to call
// more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.httpServer.Close()
	})
	return s.closeErr
}

func (s *Server) Pub() transport.PubSocket       { return s.pub }
func (s *Server) Router() transport.RouterSocket { return s.router }

// Addr is the listener address, useful when a random port was requested.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) endpoint(path string) transport.Endpoint {
	return transport.Endpoint{
		DSN:  fmt.Sprintf("ws://%s%s", net.JoinHostPort(s.advertiseHost, fmt.Sprint(s.port)), path),
		Host: s.advertiseHost,
		Port: s.port,
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := struct {
		Started     string
		Subscribers int
		Peers       int
	}{
		Started:     s.started.UTC().Format(time.RFC3339),
		Subscribers: s.pub.fanout.Len(),
		Peers:       s.router.len(),
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.log.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func closeStatus(err error) websocket.StatusCode {
	if errors.Is(err, context.Canceled) {
		return websocket.StatusGoingAway
	}
	return websocket.StatusInternalError
}

// writeLoop sends queued frames until ctx is done or a write fails.
func writeLoop[T any](ctx context.Context, log *zap.SugaredLogger, conn *websocket.Conn, queue <-chan T) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-queue:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, frame)
			cancel()
			if err != nil {
				log.Debugf("write error: %s", err)
				return err
			}
		}
	}
}
