package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldTransactionID = "transaction_id"
	FieldRequestID     = "request_id"
	FieldBatchID       = "batch_id"
	FieldDeviceID      = "device_id"
	FieldTeamID        = "team_id"
	FieldTokenID       = "token_id"
	FieldCueID         = "cue_id"
	FieldGroupID       = "group_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTopic     = "topic"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Storage fields
	FieldKey     = "key"
	FieldBackend = "backend"
)
