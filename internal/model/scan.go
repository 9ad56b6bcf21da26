package model

import "time"

// ScanRequest is an incoming scan submission from any console.
// TransactionID may be pre-assigned by the offline queue for idempotence.
type ScanRequest struct {
	TransactionID string     `json:"transactionId,omitempty"`
	TokenID       string     `json:"tokenId"`
	TeamID        string     `json:"teamId,omitempty"`
	DeviceID      string     `json:"deviceId"`
	DeviceType    DeviceType `json:"deviceType"`
	Mode          ScanMode   `json:"mode,omitempty"`
	Timestamp     time.Time  `json:"timestamp,omitempty"`
}

// ScanResponse is returned to the submitting console after adjudication.
type ScanResponse struct {
	Status                TransactionStatus `json:"status"`
	Message               string            `json:"message"`
	TransactionID         string            `json:"transactionId"`
	Transaction           *Transaction      `json:"transaction,omitempty"`
	Token                 *Token            `json:"token,omitempty"`
	Points                int               `json:"points,omitempty"`
	OriginalTransactionID string            `json:"originalTransactionId,omitempty"`
	ClaimedBy             string            `json:"claimedBy,omitempty"`
	VideoPlaying          bool              `json:"videoPlaying"`
	WaitTime              int               `json:"waitTime,omitempty"`
}

// OfflineQueueItem is one queued scan awaiting drain. The payload mirrors a
// scan request; the queueId prefix ("scan_" vs "gm_") selects the queue.
type OfflineQueueItem struct {
	QueueID       string     `json:"queueId"`
	TransactionID string     `json:"transactionId"`
	QueuedAt      time.Time  `json:"queuedAt"`
	RetryCount    int        `json:"retryCount"`
	TokenID       string     `json:"tokenId"`
	TeamID        string     `json:"teamId,omitempty"`
	DeviceID      string     `json:"deviceId"`
	DeviceType    DeviceType `json:"deviceType"`
	Mode          ScanMode   `json:"mode,omitempty"`
}

// ToScanRequest converts the queued item back into a submittable request,
// preserving its pre-assigned transaction id.
func (i OfflineQueueItem) ToScanRequest() ScanRequest {
	return ScanRequest{
		TransactionID: i.TransactionID,
		TokenID:       i.TokenID,
		TeamID:        i.TeamID,
		DeviceID:      i.DeviceID,
		DeviceType:    i.DeviceType,
		Mode:          i.Mode,
		Timestamp:     i.QueuedAt,
	}
}
