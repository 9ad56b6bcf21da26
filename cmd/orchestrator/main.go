// Command orchestrator runs the live-event coordination daemon: scan
// adjudication, session state, the cue engine and the console fan-out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alnlabs/aln-orchestrator/internal/api"
	"github.com/alnlabs/aln-orchestrator/internal/broadcast"
	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/catalog"
	"github.com/alnlabs/aln-orchestrator/internal/clock"
	"github.com/alnlabs/aln-orchestrator/internal/config"
	"github.com/alnlabs/aln-orchestrator/internal/cue"
	"github.com/alnlabs/aln-orchestrator/internal/device"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/offline"
	"github.com/alnlabs/aln-orchestrator/internal/scoring"
	"github.com/alnlabs/aln-orchestrator/internal/session"
	"github.com/alnlabs/aln-orchestrator/internal/state"
	"github.com/alnlabs/aln-orchestrator/internal/store"
	"github.com/alnlabs/aln-orchestrator/internal/telemetry"
	"github.com/alnlabs/aln-orchestrator/internal/video"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// cueVideo adapts the playback queue to the cue engine's control surface.
type cueVideo struct {
	queue   *video.Queue
	catalog *catalog.Catalog
}

func (v cueVideo) IsPlaying() bool { return v.queue.IsPlaying() }

func (v cueVideo) CurrentTokenID() string {
	if item, ok := v.queue.CurrentVideo(); ok {
		return item.TokenID
	}
	return ""
}

func (v cueVideo) StopCurrent(ctx context.Context) bool {
	return v.queue.StopCurrent(ctx)
}

func (v cueVideo) EnqueueToken(ctx context.Context, tokenID, source string) {
	token, ok := v.catalog.Get(tokenID)
	if !ok {
		l := log.WithComponent("cue")
		l.Warn().Str(log.FieldTokenID, tokenID).Msg("cue referenced unknown token")
		return
	}
	v.queue.AddToQueue(ctx, token, source)
}

// socketSubmitter adjudicates scans arriving over a GM socket with the same
// locking discipline as the HTTP scan endpoint.
type socketSubmitter struct {
	sessions *session.Service
	scores   *scoring.Service
}

func (s socketSubmitter) Submit(ctx context.Context, req model.ScanRequest) (model.ScanResponse, error) {
	sess, unlock := s.sessions.LockCurrent()
	defer unlock()
	return s.scores.ProcessScan(ctx, req, sess)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "aln-orchestrator",
	})
	logger := log.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "aln-orchestrator",
		ServiceVersion: version,
		ExporterType:   cfg.OTELProtocol,
		Endpoint:       cfg.OTELEndpoint,
		SamplingRate:   1.0,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry init failed")
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	st, err := store.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("store open failed")
	}
	defer func() { _ = st.Close() }()

	cat, err := catalog.LoadFile(cfg.TokensFile)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.TokensFile).Msg("token file unavailable, trying store")
		cat, err = catalog.LoadStore(ctx, st)
		if err != nil {
			logger.Fatal().Err(err).Msg("token catalog load failed")
		}
	}
	logger.Info().Int("tokens", cat.Size()).Msg("token catalog loaded")

	eventBus := bus.New()
	gameClock := clock.New(eventBus, clock.WithOvertime(cfg.SessionDuration))
	playback := video.New(eventBus, cat)
	defer playback.Close()

	scores := scoring.New(cat, eventBus,
		scoring.WithVideoStatus(playback),
		scoring.WithRecentLimit(cfg.RecentTransactions),
	)
	cues := cue.New(eventBus, cat, gameClock, cueVideo{queue: playback, catalog: cat})
	sessions := session.New(st, eventBus,
		session.WithClock(gameClock),
		session.WithCues(cues),
		session.WithTeamInstaller(scores),
		session.WithExpectedDuration(cfg.SessionDuration),
	)
	offlineQ := offline.New(st, eventBus, sessions, scores,
		offline.WithMaxQueueSize(cfg.OfflineQueueSize))
	stateAgg := state.New(eventBus, sessions, scores, playback, offlineQ, cues)

	hub := broadcast.NewHub(broadcast.WithMaxGMStations(cfg.MaxGMStations))
	broadcast.NewBridge(eventBus, hub)
	wsServer := broadcast.NewServer(hub, sessions, stateAgg, []byte(cfg.JWTSecret),
		broadcast.WithSubmitter(socketSubmitter{sessions: sessions, scores: scores}))

	monitor := device.New(sessions,
		device.WithInterval(cfg.MonitorInterval),
		device.WithTimeout(cfg.HeartbeatTimeout),
	)

	if err := cues.LoadFile(ctx, cfg.CuesFile); err != nil {
		logger.Warn().Err(err).Str("path", cfg.CuesFile).Msg("cue file unavailable, engine starts empty")
	}

	// Crash recovery: restore the session first, then rebuild scores from
	// its transaction log and reload the offline queues.
	if restored, err := sessions.Restore(ctx); err != nil {
		logger.Error().Err(err).Msg("session restore failed")
	} else if restored != nil {
		scores.RestoreFromSession(restored)
		if restored.Status == model.SessionActive || restored.Status == model.SessionPaused {
			cues.Activate()
		}
		logger.Info().
			Str(log.FieldSessionID, restored.ID).
			Str("status", string(restored.Status)).
			Msg("session restored")
	}
	if err := offlineQ.Restore(ctx); err != nil {
		logger.Error().Err(err).Msg("offline queue restore failed")
	}

	server := api.New(cfg, sessions, scores, offlineQ, playback, cues, cat, stateAgg, wsServer)
	server.SetVersion(version)
	wsServer.SetCommander(server)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	if cfg.WatchCues {
		g.Go(func() error { return cues.Watch(gctx, cfg.CuesFile) })
	}

	logger.Info().Str("version", version).Msg("orchestrator started")
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("orchestrator stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("orchestrator stopped")
}
