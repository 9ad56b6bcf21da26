package broadcast

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

// progressLimit throttles video position fan-out; drivers may report far
// more often than consoles need.
var progressLimit = rate.Every(500 * time.Millisecond)

// Bridge subscribes the hub to the domain bus and owns the topic-to-wire
// routing table.
type Bridge struct {
	hub      *Hub
	progress *rate.Limiter
}

// NewBridge wires the hub to the bus. Call once at composition time.
func NewBridge(eventBus *bus.Bus, hub *Hub) *Bridge {
	b := &Bridge{
		hub:      hub,
		progress: rate.NewLimiter(progressLimit, 1),
	}

	// Plain fan-out: the wire event name is the topic name.
	passthrough := []string{
		bus.TopicSessionCreated,
		bus.TopicSessionUpdated,
		bus.TopicSessionOvertime,
		bus.TopicTransactionDeleted,
		bus.TopicScoreUpdated,
		bus.TopicScoreAdjusted,
		bus.TopicScoresReset,
		bus.TopicGroupCompleted,
		bus.TopicClockTick,
		bus.TopicClockOvertime,
		bus.TopicVideoLoading,
		bus.TopicVideoStarted,
		bus.TopicVideoPaused,
		bus.TopicVideoResumed,
		bus.TopicVideoCompleted,
		bus.TopicVideoIdle,
		bus.TopicCueFired,
		bus.TopicCueStarted,
		bus.TopicCueStatus,
		bus.TopicCueCompleted,
		bus.TopicCueError,
		bus.TopicCueConflict,
		bus.TopicDeviceConnected,
		bus.TopicDeviceDisconnected,
		bus.TopicOfflineQueueProcessed,
		bus.TopicSyncFull,
	}
	eventBus.SubscribeAll(passthrough, func(_ context.Context, topic string, payload any) {
		hub.Broadcast(model.NewEnvelope(topic, payload))
	})

	// Only accepted transactions reach the floor; duplicates and rejections
	// go back to the submitting device alone, via the HTTP response or the
	// unicast transaction:result.
	eventBus.Subscribe(bus.TopicTransactionAccepted, func(_ context.Context, _ string, payload any) {
		hub.Broadcast(model.NewEnvelope("transaction:new", payload))
	})

	// Player content logs matter to GM stations only.
	eventBus.Subscribe(bus.TopicScanLogged, func(_ context.Context, topic string, payload any) {
		hub.SendToType(model.DeviceGM, model.NewEnvelope(topic, payload))
	})

	eventBus.Subscribe(bus.TopicVideoProgress, func(_ context.Context, topic string, payload any) {
		if !b.progress.Allow() {
			return
		}
		hub.Broadcast(model.NewEnvelope(topic, payload))
	})

	// Batch acks are unicast to the device that submitted the batch.
	eventBus.Subscribe(bus.TopicBatchAck, func(_ context.Context, topic string, payload any) {
		ack, ok := payload.(model.BatchAckEvent)
		if !ok || ack.DeviceID == "" {
			return
		}
		hub.SendToDevice(ack.DeviceID, model.NewEnvelope(topic, payload))
	})

	return b
}
