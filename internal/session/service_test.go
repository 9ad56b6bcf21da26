package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/store"
)

type stubClock struct {
	calls []string
	state model.ClockState
}

func (c *stubClock) Start()  { c.calls = append(c.calls, "start") }
func (c *stubClock) Pause()  { c.calls = append(c.calls, "pause") }
func (c *stubClock) Resume() { c.calls = append(c.calls, "resume") }
func (c *stubClock) Stop()   { c.calls = append(c.calls, "stop") }
func (c *stubClock) State() model.ClockState {
	c.calls = append(c.calls, "state")
	return c.state
}
func (c *stubClock) Restore(st model.ClockState) {
	c.calls = append(c.calls, "restore")
	c.state = st
}

type stubCues struct{ calls []string }

func (c *stubCues) Activate() { c.calls = append(c.calls, "activate") }
func (c *stubCues) Suspend()  { c.calls = append(c.calls, "suspend") }

type stubTeams struct{ added []string }

func (t *stubTeams) AddTeam(id string) { t.added = append(t.added, id) }

func newTestService(t *testing.T, opts ...Option) (*Service, *bus.Bus, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.New()
	return New(st, b, opts...), b, st
}

func TestCreateSession(t *testing.T) {
	clk := &stubClock{}
	cues := &stubCues{}
	teams := &stubTeams{}
	svc, b, st := newTestService(t, WithClock(clk), WithCues(cues), WithTeamInstaller(teams))

	var created []model.Session
	b.Subscribe(bus.TopicSessionCreated, func(_ context.Context, _ string, payload any) {
		created = append(created, payload.(model.Session))
	})

	sess, err := svc.Create(context.Background(), "friday night", []string{"team-a", "team-b"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, model.SessionActive, sess.Status)
	require.Len(t, sess.Scores, 2)
	require.Equal(t, []string{"team-a", "team-b"}, teams.added)
	require.Contains(t, clk.calls, "start")
	require.Contains(t, cues.calls, "activate")
	require.Len(t, created, 1)

	// The session and the current pointer are persisted.
	var id string
	found, err := st.Load(context.Background(), store.KeyCurrentSession, &id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sess.ID, id)
}

func TestCreateEndsPreviousSession(t *testing.T) {
	svc, _, st := newTestService(t)

	first, err := svc.Create(context.Background(), "one", nil)
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), "two", nil)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// The first session went to the archive.
	exists, err := st.Exists(context.Background(), store.ArchiveKey(first.ID))
	require.NoError(t, err)
	require.True(t, exists)

	snap, ok := svc.Snapshot()
	require.True(t, ok)
	require.Equal(t, second.ID, snap.ID)
}

func TestAddTeam(t *testing.T) {
	teams := &stubTeams{}
	svc, _, _ := newTestService(t, WithTeamInstaller(teams))

	require.ErrorIs(t, svc.AddTeam(context.Background(), "team-x"), ErrNoSession)

	_, err := svc.Create(context.Background(), "s", []string{"team-a"})
	require.NoError(t, err)

	require.NoError(t, svc.AddTeam(context.Background(), "team-b"))
	require.ErrorIs(t, svc.AddTeam(context.Background(), "team-b"), ErrTeamExists)

	snap, _ := svc.Snapshot()
	require.Equal(t, []string{"team-a", "team-b"}, snap.TeamIDs())
	require.Equal(t, []string{"team-a", "team-b"}, teams.added)
}

func TestStatusTransitionsCascade(t *testing.T) {
	clk := &stubClock{}
	cues := &stubCues{}
	svc, _, _ := newTestService(t, WithClock(clk), WithCues(cues))

	_, err := svc.Create(context.Background(), "s", nil)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(context.Background(), model.SessionPaused))
	require.Contains(t, clk.calls, "pause")
	require.Contains(t, cues.calls, "suspend")

	require.NoError(t, svc.UpdateStatus(context.Background(), model.SessionActive))
	require.Contains(t, clk.calls, "resume")

	// Pausing an already paused session is rejected.
	require.NoError(t, svc.UpdateStatus(context.Background(), model.SessionPaused))
	require.ErrorIs(t, svc.UpdateStatus(context.Background(), model.SessionPaused), ErrIllegalTransition)
}

func TestEndArchivesAndClearsPointer(t *testing.T) {
	clk := &stubClock{}
	svc, _, st := newTestService(t, WithClock(clk))

	sess, err := svc.Create(context.Background(), "s", nil)
	require.NoError(t, err)
	require.NoError(t, svc.End(context.Background()))
	// Ending an already ended session is a no-op.
	require.NoError(t, svc.End(context.Background()))

	found, err := st.Exists(context.Background(), store.KeyCurrentSession)
	require.NoError(t, err)
	require.False(t, found)

	exists, err := st.Exists(context.Background(), store.ArchiveKey(sess.ID))
	require.NoError(t, err)
	require.True(t, exists)
	require.Contains(t, clk.calls, "stop")

	snap, ok := svc.Snapshot()
	require.True(t, ok)
	require.Equal(t, model.SessionEnded, snap.Status)
	require.NotNil(t, snap.EndTime)
}

func TestAbsorbAcceptedEvent(t *testing.T) {
	svc, b, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "s", []string{"team-a"})
	require.NoError(t, err)

	tx := model.Transaction{
		ID: "t1", TokenID: "tok-1", TeamID: "team-a",
		DeviceID: "gm-1", DeviceType: model.DeviceGM,
		Status: model.TxAccepted, Points: 50,
	}
	score := model.TeamScore{TeamID: "team-a", BaseScore: 50, CurrentScore: 50, TokensScanned: 1}
	ev := model.TransactionAcceptedEvent{
		Transaction: tx,
		TeamScore:   &score,
		DeviceID:    "gm-1",
		TokenID:     "tok-1",
	}
	require.NoError(t, b.Publish(context.Background(), bus.TopicTransactionAccepted, ev))
	// Replaying the same event must not duplicate the transaction.
	require.NoError(t, b.Publish(context.Background(), bus.TopicTransactionAccepted, ev))

	snap, _ := svc.Snapshot()
	require.Len(t, snap.Transactions, 1)
	require.True(t, snap.ScannedTokens["gm-1"]["tok-1"])
	require.Equal(t, 50, snap.Scores[0].CurrentScore)
}

func TestAbsorbScoreUpdated(t *testing.T) {
	svc, b, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "s", []string{"team-a"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), bus.TopicScoreUpdated,
		model.TeamScore{TeamID: "team-a", BaseScore: 10, CurrentScore: 10}))

	snap, _ := svc.Snapshot()
	require.Equal(t, 10, snap.Scores[0].CurrentScore)
}

func TestHeartbeatTracksDevices(t *testing.T) {
	svc, b, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "s", nil)
	require.NoError(t, err)

	var events []model.DeviceEvent
	b.SubscribeAll([]string{bus.TopicDeviceConnected, bus.TopicDeviceDisconnected},
		func(_ context.Context, _ string, payload any) {
			events = append(events, payload.(model.DeviceEvent))
		})

	svc.Heartbeat(context.Background(), "gm-1", model.DeviceGM)
	svc.Heartbeat(context.Background(), "gm-1", model.DeviceGM) // refresh, no re-announce
	require.Len(t, events, 1)

	snap, _ := svc.Snapshot()
	require.Len(t, snap.Devices, 1)
	require.True(t, snap.Devices[0].Connected)

	svc.MarkDisconnected(context.Background(), "gm-1", "heartbeat timeout")
	require.Len(t, events, 2)
	require.Equal(t, "heartbeat timeout", events[1].Reason)

	snap, _ = svc.Snapshot()
	require.False(t, snap.Devices[0].Connected)

	// Reconnecting re-announces.
	svc.Heartbeat(context.Background(), "gm-1", model.DeviceGM)
	require.Len(t, events, 3)
}

func TestRestoreRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	b := bus.New()
	clk := &stubClock{}
	teams := &stubTeams{}

	svc := New(st, b, WithClock(clk))
	sess, err := svc.Create(context.Background(), "s", []string{"team-a"})
	require.NoError(t, err)
	svc.PersistClockState(context.Background())

	clk2 := &stubClock{}
	revived := New(st, bus.New(), WithClock(clk2), WithTeamInstaller(teams))
	restored, err := revived.Restore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, restored)
	require.Equal(t, sess.ID, restored.ID)
	require.Contains(t, clk2.calls, "restore")
	require.Equal(t, []string{"team-a"}, teams.added)
}

func TestClockStateSurvivesTornSessionWrite(t *testing.T) {
	st := store.NewMemoryStore()
	clk := &stubClock{state: model.ClockState{Status: model.ClockRunning, TotalPausedMs: 1500}}
	svc := New(st, bus.New(), WithClock(clk))
	sess, err := svc.Create(context.Background(), "s", nil)
	require.NoError(t, err)
	svc.PersistClockState(context.Background())

	// A session blob written before the clock snapshot landed loses the
	// embedded GameClock; the standalone key covers that.
	var stored model.Session
	found, err := st.Load(context.Background(), store.SessionKey(sess.ID), &stored)
	require.NoError(t, err)
	require.True(t, found)
	stored.GameClock = nil
	require.NoError(t, st.Save(context.Background(), store.SessionKey(sess.ID), stored))

	clk2 := &stubClock{}
	revived := New(st, bus.New(), WithClock(clk2))
	restored, err := revived.Restore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, restored)
	require.Contains(t, clk2.calls, "restore")
	require.Equal(t, model.ClockRunning, clk2.state.Status)
	require.Equal(t, int64(1500), clk2.state.TotalPausedMs)
}

func TestEndClearsClockStateKey(t *testing.T) {
	clk := &stubClock{}
	svc, _, st := newTestService(t, WithClock(clk))
	_, err := svc.Create(context.Background(), "s", nil)
	require.NoError(t, err)
	svc.PersistClockState(context.Background())

	exists, err := st.Exists(context.Background(), store.KeyGameState)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, svc.End(context.Background()))
	exists, err = st.Exists(context.Background(), store.KeyGameState)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRestoreWithoutPersistedSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	restored, err := svc.Restore(context.Background())
	require.NoError(t, err)
	require.Nil(t, restored)
}

func TestOvertimeFiresOnce(t *testing.T) {
	svc, b, _ := newTestService(t, WithExpectedDuration(20*time.Millisecond))

	fired := make(chan model.SessionOvertimeEvent, 2)
	b.Subscribe(bus.TopicSessionOvertime, func(_ context.Context, _ string, payload any) {
		fired <- payload.(model.SessionOvertimeEvent)
	})

	sess, err := svc.Create(context.Background(), "s", nil)
	require.NoError(t, err)

	select {
	case ev := <-fired:
		require.Equal(t, sess.ID, ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("overtime warning never fired")
	}

	select {
	case <-fired:
		t.Fatal("overtime warning fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}
