// Package client talks to a launcher over the WebSocket transport.
package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/guseggert/mklauncher/protocol"
	"github.com/guseggert/mklauncher/transport/ws"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 16 << 20

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsURL                    string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("launcher_client")
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(host string, port int, opts ...ClientOption) *Client {
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		baseURL:      "http://" + hostPort,
		wsURL:        "ws://" + hostPort,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	u := c.wsURL + path
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Subscription receives state messages of one topic.
type Subscription struct {
	log   *zap.SugaredLogger
	conn  *websocket.Conn
	topic string
}

// Subscribe connects to the state endpoint and subscribes to topic. The first message
// received is a full update.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	conn, err := c.dial(ctx, ws.StatePath)
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, ws.ControlFrame{Topic: topic, Subscribe: true}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("subscribing to %q: %w", topic, err)
	}
	return &Subscription{log: c.Logger.Named("subscription"), conn: conn, topic: topic}, nil
}

// Next blocks until the next message of the subscribed topic arrives.
func (s *Subscription) Next(ctx context.Context) (*protocol.Container, error) {
	for {
		var frame ws.PubFrame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			return nil, fmt.Errorf("reading state frame: %w", err)
		}
		if frame.Topic != s.topic {
			s.log.Debugf("skipping frame of topic %q", frame.Topic)
			continue
		}
		msg, err := protocol.Decode(frame.Payload)
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return wsjson.Write(ctx, s.conn, ws.ControlFrame{Topic: s.topic, Subscribe: false})
}

func (s *Subscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// CommandConn is a connection to the command endpoint. Successful commands other than
// ping are not acknowledged; failures come back as error replies.
type CommandConn struct {
	conn *websocket.Conn
}

func (c *Client) DialCommand(ctx context.Context) (*CommandConn, error) {
	conn, err := c.dial(ctx, ws.CommandPath)
	if err != nil {
		return nil, err
	}
	return &CommandConn{conn: conn}, nil
}

// Send writes msg routed through the given extra hops.
func (c *CommandConn) Send(ctx context.Context, msg *protocol.Container, hops ...string) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, c.conn, ws.RouterFrame{Identity: hops, Body: b})
}

// Receive blocks until the next reply arrives and returns it with its routing hops.
func (c *CommandConn) Receive(ctx context.Context) (*protocol.Container, []string, error) {
	var frame ws.RouterFrame
	if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
		return nil, nil, fmt.Errorf("reading reply: %w", err)
	}
	msg, err := protocol.Decode(frame.Body)
	if err != nil {
		return nil, nil, err
	}
	return msg, frame.Identity, nil
}

// Ping sends a ping and waits for the acknowledgement.
func (c *CommandConn) Ping(ctx context.Context) error {
	if err := c.Send(ctx, &protocol.Container{Type: protocol.MessageTypePing}); err != nil {
		return err
	}
	msg, _, err := c.Receive(ctx)
	if err != nil {
		return err
	}
	if msg.Type != protocol.MessageTypePingAcknowledge {
		return fmt.Errorf("unexpected reply %s to ping: %v", msg.Type, msg.Note)
	}
	return nil
}

func (c *CommandConn) Start(ctx context.Context, index int) error {
	return c.Send(ctx, &protocol.Container{Type: protocol.MessageTypeStart, Index: protocol.Int(index)})
}

func (c *CommandConn) Terminate(ctx context.Context, index int) error {
	return c.Send(ctx, &protocol.Container{Type: protocol.MessageTypeTerminate, Index: protocol.Int(index)})
}

func (c *CommandConn) Kill(ctx context.Context, index int) error {
	return c.Send(ctx, &protocol.Container{Type: protocol.MessageTypeKill, Index: protocol.Int(index)})
}

func (c *CommandConn) WriteStdin(ctx context.Context, index int, data []byte) error {
	return c.Send(ctx, &protocol.Container{Type: protocol.MessageTypeWriteStdin, Index: protocol.Int(index), Payload: data})
}

func (c *CommandConn) Shutdown(ctx context.Context) error {
	return c.Send(ctx, &protocol.Container{Type: protocol.MessageTypeShutdown})
}

func (c *CommandConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
