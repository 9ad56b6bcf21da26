package offline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/store"
)

// stubSessions hands out a fixed session under a real lock.
type stubSessions struct {
	mu   sync.Mutex
	sess *model.Session
}

func (s *stubSessions) LockCurrent() (*model.Session, func()) {
	s.mu.Lock()
	return s.sess, s.mu.Unlock
}

// stubAdjudicator records submissions and fails selected token ids.
type stubAdjudicator struct {
	mu        sync.Mutex
	processed []string
	failTok   map[string]bool
}

func (a *stubAdjudicator) ProcessScan(_ context.Context, req model.ScanRequest, _ *model.Session) (model.ScanResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failTok[req.TokenID] {
		return model.ScanResponse{}, errors.New("induced failure")
	}
	a.processed = append(a.processed, req.TokenID)
	return model.ScanResponse{Status: model.TxAccepted, TransactionID: req.TransactionID}, nil
}

func newTestService(t *testing.T, sess *model.Session, adj *stubAdjudicator, opts ...Option) *Service {
	t.Helper()
	return New(store.NewMemoryStore(), bus.New(), &stubSessions{sess: sess}, adj, opts...)
}

func scanReq(token, device string) model.ScanRequest {
	return model.ScanRequest{TokenID: token, DeviceID: device, DeviceType: model.DeviceGM, TeamID: "team-a"}
}

func TestEnqueueAssignsIDsAndBounds(t *testing.T) {
	svc := newTestService(t, nil, &stubAdjudicator{}, WithMaxQueueSize(2))

	first := svc.EnqueuePlayerScan(context.Background(), scanReq("tok-1", "p1"))
	require.NotNil(t, first)
	require.NotEmpty(t, first.TransactionID)
	require.Contains(t, first.QueueID, "scan_")

	require.NotNil(t, svc.EnqueuePlayerScan(context.Background(), scanReq("tok-2", "p1")))
	require.Nil(t, svc.EnqueuePlayerScan(context.Background(), scanReq("tok-3", "p1")), "queue at capacity")

	players, gms := svc.QueueSizes()
	require.Equal(t, 2, players)
	require.Zero(t, gms)

	// The GM queue is bounded independently.
	require.NotNil(t, svc.EnqueueGMTransaction(context.Background(), scanReq("tok-4", "gm1")))
	_, gms = svc.QueueSizes()
	require.Equal(t, 1, gms)
}

func TestProcessQueueDrainsPlayersThenGMs(t *testing.T) {
	sess := &model.Session{ID: "s1", Status: model.SessionActive}
	adj := &stubAdjudicator{}
	svc := newTestService(t, sess, adj)

	var logged []string
	eventTopics := []string{}
	b := svc.eventBus
	b.Subscribe(bus.TopicScanLogged, func(_ context.Context, _ string, payload any) {
		logged = append(logged, payload.(model.ScanLoggedEvent).TokenID)
	})
	b.SubscribeAll([]string{bus.TopicScanLogged, bus.TopicOfflineQueueProcessed}, func(_ context.Context, topic string, _ any) {
		eventTopics = append(eventTopics, topic)
	})

	require.NotNil(t, svc.EnqueuePlayerScan(context.Background(), scanReq("p-tok", "p1")))
	require.NotNil(t, svc.EnqueueGMTransaction(context.Background(), scanReq("g-tok-1", "gm1")))
	require.NotNil(t, svc.EnqueueGMTransaction(context.Background(), scanReq("g-tok-2", "gm1")))

	ev := svc.ProcessQueue(context.Background())
	require.Equal(t, 3, ev.QueueSize)
	require.Equal(t, []string{"p-tok"}, logged)
	require.Equal(t, []string{"g-tok-1", "g-tok-2"}, adj.processed)

	players, gms := svc.QueueSizes()
	require.Zero(t, players)
	require.Zero(t, gms)
	require.Equal(t, bus.TopicOfflineQueueProcessed, eventTopics[len(eventTopics)-1])
}

func TestProcessQueueFailureRequeuesAtHead(t *testing.T) {
	sess := &model.Session{ID: "s1", Status: model.SessionActive}
	adj := &stubAdjudicator{failTok: map[string]bool{"g-tok-2": true}}
	svc := newTestService(t, sess, adj)

	require.NotNil(t, svc.EnqueueGMTransaction(context.Background(), scanReq("g-tok-1", "gm1")))
	require.NotNil(t, svc.EnqueueGMTransaction(context.Background(), scanReq("g-tok-2", "gm1")))
	require.NotNil(t, svc.EnqueueGMTransaction(context.Background(), scanReq("g-tok-3", "gm1")))

	svc.ProcessQueue(context.Background())

	// The failing item and everything after it stay queued, in order.
	require.Equal(t, []string{"g-tok-1"}, adj.processed)
	_, gms := svc.QueueSizes()
	require.Equal(t, 2, gms)

	svc.mu.Lock()
	require.Equal(t, "g-tok-2", svc.gmTransactions[0].TokenID)
	require.Equal(t, 1, svc.gmTransactions[0].RetryCount)
	require.Equal(t, "g-tok-3", svc.gmTransactions[1].TokenID)
	svc.mu.Unlock()

	// Second pass with the failure cleared drains the remainder in order.
	adj.mu.Lock()
	adj.failTok = nil
	adj.mu.Unlock()
	svc.ProcessQueue(context.Background())
	require.Equal(t, []string{"g-tok-1", "g-tok-2", "g-tok-3"}, adj.processed)
}

func TestProcessQueueKeepsGMItemsWithoutSession(t *testing.T) {
	adj := &stubAdjudicator{}
	svc := newTestService(t, nil, adj)

	require.NotNil(t, svc.EnqueueGMTransaction(context.Background(), scanReq("g-tok", "gm1")))
	svc.ProcessQueue(context.Background())

	require.Empty(t, adj.processed)
	_, gms := svc.QueueSizes()
	require.Equal(t, 1, gms)
}

func TestSetOfflineStatusEdgeTriggered(t *testing.T) {
	svc := newTestService(t, nil, &stubAdjudicator{})

	svc.SetOfflineStatus(context.Background(), true)
	require.True(t, svc.IsOffline())
	// Repeating the same state is a no-op.
	svc.SetOfflineStatus(context.Background(), true)
	require.True(t, svc.IsOffline())
	svc.SetOfflineStatus(context.Background(), false)
	require.False(t, svc.IsOffline())
}

func TestProcessBatchIsIdempotent(t *testing.T) {
	sess := &model.Session{ID: "s1", Status: model.SessionActive}
	adj := &stubAdjudicator{}
	svc := newTestService(t, sess, adj)

	reqs := []model.ScanRequest{scanReq("tok-1", "gm1"), scanReq("tok-2", "gm1")}
	ack, emitted := svc.ProcessBatch(context.Background(), "batch-1", "gm1", reqs)
	require.True(t, emitted)
	require.Equal(t, 2, ack.ProcessedCount)
	require.Zero(t, ack.FailedCount)

	// Retrying the same batch returns the cache and processes nothing new.
	again, emitted := svc.ProcessBatch(context.Background(), "batch-1", "gm1", reqs)
	require.False(t, emitted)
	require.Equal(t, ack, again)
	require.Len(t, adj.processed, 2)
}

func TestRestoreMigratesLegacyArray(t *testing.T) {
	st := store.NewMemoryStore()
	legacy := []model.OfflineQueueItem{{QueueID: "scan_1", TransactionID: "t1", TokenID: "tok-1", DeviceID: "p1"}}
	require.NoError(t, st.Save(context.Background(), store.KeyOfflineQueue, legacy))

	svc := New(st, bus.New(), &stubSessions{}, &stubAdjudicator{})
	require.NoError(t, svc.Restore(context.Background()))

	players, gms := svc.QueueSizes()
	require.Equal(t, 1, players)
	require.Zero(t, gms)
}

func TestRestoreOfflineFlag(t *testing.T) {
	st := store.NewMemoryStore()
	svc := New(st, bus.New(), &stubSessions{}, &stubAdjudicator{})
	svc.SetOfflineStatus(context.Background(), true)

	// A restarted daemon comes back up still offline.
	revived := New(st, bus.New(), &stubSessions{}, &stubAdjudicator{})
	require.False(t, revived.IsOffline())
	require.NoError(t, revived.Restore(context.Background()))
	require.True(t, revived.IsOffline())
}

func TestRestoreSplitQueues(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Save(context.Background(), store.KeyOfflineQueue, persistedQueues{
		PlayerScans:    []model.OfflineQueueItem{{QueueID: "scan_1", TokenID: "tok-1"}},
		GMTransactions: []model.OfflineQueueItem{{QueueID: "gm_1", TokenID: "tok-2"}, {QueueID: "gm_2", TokenID: "tok-3"}},
	}))

	svc := New(st, bus.New(), &stubSessions{}, &stubAdjudicator{})
	require.NoError(t, svc.Restore(context.Background()))

	players, gms := svc.QueueSizes()
	require.Equal(t, 1, players)
	require.Equal(t, 2, gms)
}
