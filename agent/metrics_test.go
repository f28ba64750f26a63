package agent

import (
	"strings"
	"testing"

	"github.com/guseggert/mklauncher/protocol"
	"github.com/guseggert/mklauncher/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandMetrics(t *testing.T) {
	m := NewMetrics("test")
	f := newFixture(t, WithMetrics(m))

	for _, msg := range []*protocol.Container{
		{Type: protocol.MessageTypePing},
		{Type: "launcher_dance"},
		{Type: protocol.MessageTypeTerminate, Index: protocol.Int(0)},
		{Type: protocol.MessageTypeShutdown},
	} {
		f.command(t, msg)
		f.reply(t)
	}
	f.raw([]byte("garbage"))
	f.reply(t)

	expected := `
		# HELP test_commands_total Total number of command requests by message type
		# TYPE test_commands_total counter
		test_commands_total{type="invalid"} 1
		test_commands_total{type="launcher_shutdown"} 1
		test_commands_total{type="launcher_terminate"} 1
		test_commands_total{type="ping"} 1
		test_commands_total{type="unknown"} 1
		# HELP test_command_errors_total Total number of error replies by note
		# TYPE test_command_errors_total counter
		test_command_errors_total{note="other"} 2
		test_command_errors_total{note="unknown command"} 1
		test_command_errors_total{note="wrong index"} 1
	`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_commands_total", "test_command_errors_total")
	assert.NoError(t, err)
}

func TestPublisherMetrics(t *testing.T) {
	m := NewMetrics("test")
	f := newFixture(t, WithMetrics(m))

	assert.Equal(t, float64(0), testutil.ToFloat64(m.subscribed))
	f.l.publisher.handleSubscription(transport.Subscription{Topic: Topic, Subscribed: true})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.subscribed))

	f.l.tick()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.frames.WithLabelValues(string(protocol.MessageTypeFullUpdate))))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeSessions))

	count, err := testutil.GatherAndCount(m.Registry(), "test_diff_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	f.l.publisher.handleSubscription(transport.Subscription{Topic: Topic, Subscribed: false})
	assert.Equal(t, float64(0), testutil.ToFloat64(m.subscribed))
}
