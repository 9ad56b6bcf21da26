package bus

// Topic names for the in-process domain events. The broadcast layer reuses
// these names as the transport event names when wrapping envelopes.
const (
	TopicSessionCreated  = "session:created"
	TopicSessionUpdated  = "session:updated"
	TopicSessionOvertime = "session:overtime"

	TopicTransactionAccepted = "transaction:accepted"
	TopicTransactionDeleted  = "transaction:deleted"

	TopicScoreUpdated   = "score:updated"
	TopicScoreAdjusted  = "score:adjusted"
	TopicScoresReset    = "scores:reset"
	TopicGroupCompleted = "group:completed"

	TopicClockTick     = "gameclock:tick"
	TopicClockOvertime = "gameclock:overtime"

	TopicVideoLoading   = "video:loading"
	TopicVideoStarted   = "video:started"
	TopicVideoPaused    = "video:paused"
	TopicVideoResumed   = "video:resumed"
	TopicVideoProgress  = "video:progress"
	TopicVideoCompleted = "video:completed"
	TopicVideoIdle      = "video:idle"

	TopicCueFired     = "cue:fired"
	TopicCueStarted   = "cue:started"
	TopicCueStatus    = "cue:status"
	TopicCueCompleted = "cue:completed"
	TopicCueError     = "cue:error"
	TopicCueConflict  = "cue:conflict"

	TopicDeviceConnected    = "device:connected"
	TopicDeviceDisconnected = "device:disconnected"

	TopicScanLogged            = "scan:logged"
	TopicOfflineQueueProcessed = "offline:queue:processed"

	TopicSyncFull = "sync:full"
	TopicBatchAck = "batch:ack"
)
