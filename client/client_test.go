package client

import (
	"context"
	"testing"
	"time"

	"github.com/guseggert/mklauncher/agent"
	"github.com/guseggert/mklauncher/launcher"
	"github.com/guseggert/mklauncher/protocol"
	"github.com/guseggert/mklauncher/transport/ws"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func startLauncher(t *testing.T) *Client {
	t.Helper()
	server, err := ws.NewServer(ws.WithLogger(log), ws.WithListenAddr("127.0.0.1", 0))
	require.NoError(t, err)

	dir := t.TempDir()
	catalog := launcher.NewCatalog([]launcher.Definition{
		{Name: "cat", Command: "cat", Workdir: dir},
		{Name: "hello", Command: "echo hello from $PWD", Shell: true, Workdir: dir},
	})
	l, err := agent.New(catalog, server.Pub(), server.Router(),
		agent.WithLogger(log),
		agent.WithPollInterval(20*time.Millisecond),
		agent.WithPingInterval(80*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = server.Serve()
	}()
	go func() {
		defer close(done)
		assert.NoError(t, l.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		require.NoError(t, server.Close())
	})

	port := server.Pub().Endpoint().Port
	c := NewClient("127.0.0.1", port, WithClientLogger(log), WithClientWaitInterval(10*time.Millisecond))
	require.NoError(t, c.WaitForServer(ctx))
	return c
}

func TestHeartbeatUnreachable(t *testing.T) {
	c := NewClient("127.0.0.1", 1, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	assert.Error(t, c.SendHeartbeat(context.Background()))
}

func TestSubscribeAndRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := startLauncher(t)

	sub, err := c.Subscribe(ctx, agent.Topic)
	require.NoError(t, err)
	defer sub.Close()

	cache := NewCache()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeFullUpdate, msg.Type)
	require.NoError(t, cache.Apply(msg))
	require.Equal(t, 2, cache.Len())
	assert.Equal(t, 80, cache.KeepaliveTimer())

	cmd, err := c.DialCommand(ctx)
	require.NoError(t, err)
	defer cmd.Close()
	require.NoError(t, cmd.Ping(ctx))

	require.NoError(t, cmd.Start(ctx, 0))
	require.NoError(t, cmd.WriteStdin(ctx, 0, []byte("G1 X10\n")))

	sawPing := false
	for {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		if msg.Type == protocol.MessageTypePing {
			sawPing = true
			continue
		}
		require.NoError(t, cache.Apply(msg))
		l, _ := cache.Get(0)
		if len(l.Output) > 0 {
			assert.True(t, *l.Running)
			assert.Equal(t, "G1 X10\n", l.Output[0].Line)
			break
		}
	}

	require.NoError(t, cmd.Terminate(ctx, 0))
	for {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		if msg.Type == protocol.MessageTypePing {
			sawPing = true
			continue
		}
		require.NoError(t, cache.Apply(msg))
		l, _ := cache.Get(0)
		if l.ReturnCode != nil {
			assert.False(t, *l.Running)
			assert.Equal(t, -15, *l.ReturnCode)
			break
		}
	}

	for !sawPing {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		sawPing = msg.Type == protocol.MessageTypePing
	}
}

func TestCommandErrorsReachSender(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := startLauncher(t)

	cmd, err := c.DialCommand(ctx)
	require.NoError(t, err)
	defer cmd.Close()

	require.NoError(t, cmd.Send(ctx, &protocol.Container{Type: protocol.MessageTypeStart, Index: protocol.Int(3)}, "gui-1"))
	msg, hops, err := cmd.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeError, msg.Type)
	assert.Equal(t, []string{protocol.NoteWrongIndex}, msg.Note)
	assert.Equal(t, []string{"gui-1"}, hops)

	require.NoError(t, cmd.Kill(ctx, 1))
	msg, _, err = cmd.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.NoteWrongIndex}, msg.Note)

	require.NoError(t, cmd.Shutdown(ctx))
	msg, _, err = cmd.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeError, msg.Type)
	require.Len(t, msg.Note, 1)
	assert.Contains(t, msg.Note[0], protocol.NoteCannotShutdown)
}

func TestShellLauncherOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := startLauncher(t)

	sub, err := c.Subscribe(ctx, agent.Topic)
	require.NoError(t, err)
	defer sub.Close()
	cache := NewCache()

	cmd, err := c.DialCommand(ctx)
	require.NoError(t, err)
	defer cmd.Close()
	require.NoError(t, cmd.Start(ctx, 1))

	for {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, cache.Apply(msg))
		l, ok := cache.Get(1)
		if ok && l.ReturnCode != nil {
			assert.Equal(t, 0, *l.ReturnCode)
			require.Len(t, l.Output, 1)
			assert.Contains(t, l.Output[0].Line, "hello from")
			return
		}
	}
}
