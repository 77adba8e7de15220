package metrics_test

import (
	"testing"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ConnectionAccepted()
		m.ConnectionClosed("eof")
		m.CommandHandled("sign_in", "ok", time.Millisecond)
		m.ResponseDropped()
		m.SetQueued(3)
		m.AcceptFailed("EMFILE")
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.ConnectionClosed("eof")
	m.CommandHandled("sign_in", "ok", time.Millisecond)
	m.BytesWritten(42)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["chatroom_connections_active"])
	assert.True(t, names["chatroom_commands_total"])

	n, err := testutil.GatherAndCount(reg, "chatroom_connections_accepted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAcceptFailuresByErrno(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.AcceptFailed("EMFILE")
	m.AcceptFailed("EMFILE")
	m.AcceptFailed("ENFILE")

	n, err := testutil.GatherAndCount(reg, "chatroom_accept_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per errno")
}
