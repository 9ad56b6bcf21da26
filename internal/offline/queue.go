// Package offline buffers scans submitted while consoles are disconnected:
// two independent bounded FIFO queues with idempotent batch acknowledgment
// and automatic drain on reconnect.
package offline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/metrics"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/store"
)

const defaultMaxQueueSize = 100

// SessionLocker hands out the live session under its canonical lock.
type SessionLocker interface {
	LockCurrent() (*model.Session, func())
}

// Adjudicator is the scan-processing surface the drain submits through.
type Adjudicator interface {
	ProcessScan(ctx context.Context, req model.ScanRequest, session *model.Session) (model.ScanResponse, error)
}

// persistedQueues is the storage shape under the offlineQueue key.
type persistedQueues struct {
	PlayerScans    []model.OfflineQueueItem `json:"playerScans"`
	GMTransactions []model.OfflineQueueItem `json:"gmTransactions"`
}

// adminConfig is the storage shape under the config:admin key.
type adminConfig struct {
	Offline bool `json:"offline"`
}

// Service owns the two offline queues. Drains are single-flight; re-queued
// failures land at the head so device submission order is preserved.
type Service struct {
	mu sync.Mutex

	st       store.Store
	eventBus *bus.Bus
	sessions SessionLocker
	adjudic  Adjudicator
	logger   zerolog.Logger
	now      func() time.Time

	maxSize        int
	playerScans    []model.OfflineQueueItem
	gmTransactions []model.OfflineQueueItem

	isOffline  bool
	processing atomic.Bool

	batchMu    sync.Mutex
	batchCache map[string]model.BatchAckEvent
}

// Option configures the service.
type Option func(*Service)

// WithMaxQueueSize bounds each queue.
func WithMaxQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New constructs the offline queue service.
func New(st store.Store, eventBus *bus.Bus, sessions SessionLocker, adj Adjudicator, opts ...Option) *Service {
	s := &Service{
		st:         st,
		eventBus:   eventBus,
		sessions:   sessions,
		adjudic:    adj,
		logger:     log.WithComponent("offline"),
		now:        time.Now,
		maxSize:    defaultMaxQueueSize,
		batchCache: make(map[string]model.BatchAckEvent),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnqueuePlayerScan queues a content-scan log. Returns nil when the queue is
// at capacity.
func (s *Service) EnqueuePlayerScan(ctx context.Context, req model.ScanRequest) *model.OfflineQueueItem {
	return s.enqueue(ctx, req, "scan_", &s.playerScans)
}

// EnqueueGMTransaction queues a scoring transaction. Returns nil when full.
func (s *Service) EnqueueGMTransaction(ctx context.Context, req model.ScanRequest) *model.OfflineQueueItem {
	return s.enqueue(ctx, req, "gm_", &s.gmTransactions)
}

func (s *Service) enqueue(ctx context.Context, req model.ScanRequest, prefix string, queue *[]model.OfflineQueueItem) *model.OfflineQueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(*queue) >= s.maxSize {
		s.logger.Warn().
			Str(log.FieldDeviceID, req.DeviceID).
			Str(log.FieldTokenID, req.TokenID).
			Msg("offline queue full; scan dropped")
		return nil
	}
	txID := req.TransactionID
	if txID == "" {
		txID = uuid.NewString()
	}
	item := model.OfflineQueueItem{
		QueueID:       prefix + uuid.NewString(),
		TransactionID: txID,
		QueuedAt:      s.now().UTC(),
		TokenID:       req.TokenID,
		TeamID:        req.TeamID,
		DeviceID:      req.DeviceID,
		DeviceType:    req.DeviceType,
		Mode:          req.Mode,
	}
	*queue = append(*queue, item)
	s.persistLocked(ctx)
	s.updateDepthLocked()
	return &item
}

// SetOfflineStatus records connectivity. Only a state change acts; the
// offline->online edge schedules a drain on the next tick without blocking.
func (s *Service) SetOfflineStatus(ctx context.Context, offline bool) {
	s.mu.Lock()
	changed := s.isOffline != offline
	s.isOffline = offline
	s.mu.Unlock()
	if !changed {
		return
	}
	s.logger.Info().Bool("offline", offline).Msg("connectivity status changed")
	if err := s.st.Save(ctx, store.KeyAdminConfig, adminConfig{Offline: offline}); err != nil {
		metrics.RecordStoreError("save")
		s.logger.Error().Err(err).Msg("failed to persist admin config")
	}
	if !offline {
		go s.ProcessQueue(context.WithoutCancel(ctx))
	}
}

// IsOffline reports the recorded connectivity state.
func (s *Service) IsOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOffline
}

// QueueSizes returns the current depths (player, gm).
func (s *Service) QueueSizes() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.playerScans), len(s.gmTransactions)
}

// ProcessQueue drains both queues under single-flight. Player content logs
// drain first; GM transactions drain only when a session is current. A
// failure re-queues its item at the head and stops that queue's pass so
// ordering is preserved.
func (s *Service) ProcessQueue(ctx context.Context) model.OfflineQueueProcessedEvent {
	if !s.processing.CompareAndSwap(false, true) {
		return model.OfflineQueueProcessedEvent{}
	}
	defer s.processing.Store(false)

	s.mu.Lock()
	players := s.playerScans
	s.playerScans = nil
	gms := s.gmTransactions
	s.gmTransactions = nil
	s.mu.Unlock()

	if len(players) == 0 && len(gms) == 0 {
		return model.OfflineQueueProcessedEvent{}
	}

	var results []model.QueueItemResult

	for _, item := range players {
		_ = s.eventBus.Publish(ctx, bus.TopicScanLogged, model.ScanLoggedEvent{
			TransactionID: item.TransactionID,
			TokenID:       item.TokenID,
			DeviceID:      item.DeviceID,
		})
		results = append(results, model.QueueItemResult{
			TransactionID: item.TransactionID,
			Status:        "processed",
		})
	}

	var leftover []model.OfflineQueueItem
	sess, unlock := s.sessions.LockCurrent()
	if sess == nil {
		unlock()
		// No session yet: keep GM items for a later drain.
		leftover = gms
	} else {
		for i, item := range gms {
			resp, err := s.adjudic.ProcessScan(ctx, item.ToScanRequest(), sess)
			if err != nil {
				item.RetryCount++
				leftover = append([]model.OfflineQueueItem{item}, gms[i+1:]...)
				results = append(results, model.QueueItemResult{
					TransactionID: item.TransactionID,
					Status:        "failed",
				})
				break
			}
			_ = resp
			results = append(results, model.QueueItemResult{
				TransactionID: item.TransactionID,
				Status:        "processed",
			})
		}
		unlock()
	}

	s.mu.Lock()
	// Re-queued failures go back to the head, ahead of anything enqueued
	// while the drain ran.
	s.gmTransactions = append(append([]model.OfflineQueueItem(nil), leftover...), s.gmTransactions...)
	s.persistLocked(ctx)
	s.updateDepthLocked()
	s.mu.Unlock()

	ev := model.OfflineQueueProcessedEvent{
		QueueSize: len(results),
		Results:   results,
	}
	_ = s.eventBus.Publish(ctx, bus.TopicOfflineQueueProcessed, ev)
	return ev
}

// ProcessBatch handles one idempotent batch submission. Re-submission with a
// known batchId returns the cached response and emits nothing.
func (s *Service) ProcessBatch(ctx context.Context, batchID, deviceID string, reqs []model.ScanRequest) (model.BatchAckEvent, bool) {
	s.batchMu.Lock()
	if cached, ok := s.batchCache[batchID]; ok {
		s.batchMu.Unlock()
		return cached, false
	}
	s.batchMu.Unlock()

	ack := model.BatchAckEvent{
		BatchID:    batchID,
		DeviceID:   deviceID,
		TotalCount: len(reqs),
	}
	sess, unlock := s.sessions.LockCurrent()
	for _, req := range reqs {
		if req.TransactionID == "" {
			req.TransactionID = uuid.NewString()
		}
		if sess == nil {
			ack.FailedCount++
			ack.Results = append(ack.Results, model.QueueItemResult{
				TransactionID: req.TransactionID,
				Status:        "failed",
			})
			continue
		}
		if _, err := s.adjudic.ProcessScan(ctx, req, sess); err != nil {
			ack.FailedCount++
			ack.Results = append(ack.Results, model.QueueItemResult{
				TransactionID: req.TransactionID,
				Status:        "failed",
			})
			continue
		}
		ack.ProcessedCount++
		ack.Results = append(ack.Results, model.QueueItemResult{
			TransactionID: req.TransactionID,
			Status:        "processed",
		})
	}
	unlock()

	s.batchMu.Lock()
	s.batchCache[batchID] = ack
	s.batchMu.Unlock()

	s.logger.Info().
		Str(log.FieldBatchID, batchID).
		Int("processed", ack.ProcessedCount).
		Int("failed", ack.FailedCount).
		Msg("offline batch processed")
	_ = s.eventBus.Publish(ctx, bus.TopicBatchAck, ack)
	return ack, true
}

// Restore loads persisted queues and the admin connectivity flag. Legacy
// array payloads migrate into the player-scan queue.
func (s *Service) Restore(ctx context.Context) error {
	var cfg adminConfig
	if found, err := s.st.Load(ctx, store.KeyAdminConfig, &cfg); err == nil && found {
		s.mu.Lock()
		s.isOffline = cfg.Offline
		s.mu.Unlock()
	}

	var raw json.RawMessage
	found, err := s.st.Load(ctx, store.KeyOfflineQueue, &raw)
	if err != nil || !found {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var legacy []model.OfflineQueueItem
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return err
		}
		s.playerScans = legacy
	} else {
		var pq persistedQueues
		if err := json.Unmarshal(raw, &pq); err != nil {
			return err
		}
		s.playerScans = pq.PlayerScans
		s.gmTransactions = pq.GMTransactions
	}
	s.updateDepthLocked()
	return nil
}

// Reset drops queues and the batch cache (admin reset / session teardown).
func (s *Service) Reset(ctx context.Context) {
	s.mu.Lock()
	s.playerScans = nil
	s.gmTransactions = nil
	s.persistLocked(ctx)
	s.updateDepthLocked()
	s.mu.Unlock()

	s.batchMu.Lock()
	s.batchCache = make(map[string]model.BatchAckEvent)
	s.batchMu.Unlock()
}

func (s *Service) persistLocked(ctx context.Context) {
	err := s.st.Save(ctx, store.KeyOfflineQueue, persistedQueues{
		PlayerScans:    s.playerScans,
		GMTransactions: s.gmTransactions,
	})
	if err != nil {
		metrics.RecordStoreError("save")
		s.logger.Error().Err(err).Msg("failed to persist offline queues")
	}
}

func (s *Service) updateDepthLocked() {
	metrics.OfflineQueueDepth.WithLabelValues("player").Set(float64(len(s.playerScans)))
	metrics.OfflineQueueDepth.WithLabelValues("gm").Set(float64(len(s.gmTransactions)))
}
