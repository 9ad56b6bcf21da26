package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

func newBridgeFixture(t *testing.T) (*bus.Bus, *Hub, *Client, *Client) {
	t.Helper()
	b := bus.New()
	hub := NewHub()
	NewBridge(b, hub)
	gm := newTestClient(hub, "gm-1", model.DeviceGM, 16)
	player := newTestClient(hub, "p-1", model.DevicePlayer, 16)
	hub.register(gm)
	hub.register(player)
	return b, hub, gm, player
}

func TestPassthroughKeepsTopicName(t *testing.T) {
	b, _, gm, player := newBridgeFixture(t)

	require.NoError(t, b.Publish(context.Background(), bus.TopicScoreUpdated,
		model.TeamScore{TeamID: "team-a"}))

	for _, c := range []*Client{gm, player} {
		got := drain(c)
		require.Len(t, got, 1)
		require.Equal(t, bus.TopicScoreUpdated, got[0].Event)
	}
}

func TestAcceptedTransactionsRenamedOnTheWire(t *testing.T) {
	b, _, gm, _ := newBridgeFixture(t)

	require.NoError(t, b.Publish(context.Background(), bus.TopicTransactionAccepted,
		model.TransactionAcceptedEvent{TokenID: "tok-1"}))

	got := drain(gm)
	require.Len(t, got, 1)
	require.Equal(t, "transaction:new", got[0].Event)
}

func TestScanLoggedReachesGMsOnly(t *testing.T) {
	b, _, gm, player := newBridgeFixture(t)

	require.NoError(t, b.Publish(context.Background(), bus.TopicScanLogged,
		model.ScanLoggedEvent{TokenID: "tok-1", DeviceID: "p-1"}))

	require.Len(t, drain(gm), 1)
	require.Empty(t, drain(player))
}

func TestBatchAckIsUnicast(t *testing.T) {
	b, _, gm, player := newBridgeFixture(t)

	require.NoError(t, b.Publish(context.Background(), bus.TopicBatchAck,
		model.BatchAckEvent{BatchID: "b1", DeviceID: "gm-1", ProcessedCount: 2}))
	// Acks without a device id have nowhere to go.
	require.NoError(t, b.Publish(context.Background(), bus.TopicBatchAck,
		model.BatchAckEvent{BatchID: "b2"}))

	got := drain(gm)
	require.Len(t, got, 1)
	require.Equal(t, bus.TopicBatchAck, got[0].Event)
	require.Empty(t, drain(player))
}

func TestVideoProgressIsThrottled(t *testing.T) {
	b, _, gm, _ := newBridgeFixture(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), bus.TopicVideoProgress,
			model.VideoProgressEvent{TokenID: "vid-1", Position: float64(i) / 5, Duration: 30}))
	}

	require.Len(t, drain(gm), 1, "burst collapses to one wire update")
}
