//go:build linux

package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/transport"
	"bluetooth-serial/internal/transport/loopback"
)

func TestSelfTest(t *testing.T) {
	require.NoError(t, runSelfTest(context.Background(), zap.NewNop()))
}

func TestSendLinesForwardsInput(t *testing.T) {
	n := loopback.NewNetwork()
	box := connmgr.NewMailbox()
	m := connmgr.New(n.Host(transport.Peer{Address: "a"}), box)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// Not connected: lines are reported and dropped, the loop keeps going.
	err := sendLines(ctx, m, strings.NewReader("one\ntwo\n"), zap.NewNop())
	assert.NoError(t, err)

	kinds := map[connmgr.Kind]int{}
	for _, note := range box.Drain() {
		kinds[note.Kind]++
	}
	assert.Zero(t, kinds[connmgr.DataWritten])
}

func TestPrintNotificationsTimesOut(t *testing.T) {
	n := loopback.NewNetwork()
	box := connmgr.NewMailbox()
	m := connmgr.New(n.Host(transport.Peer{Address: "a"}), box)
	defer m.Close()

	require.True(t, m.StartListening())
	err := printNotifications(context.Background(), m, box, 50*time.Millisecond)
	assert.ErrorIs(t, err, errConnectTimeout)
	assert.Equal(t, connmgr.StateIdle, m.State())
}
