package share

import "picsend/models"

const (
	// EventPeerDiscovered is emitted when a fingerprint first appears in the live set.
	EventPeerDiscovered EventType = "peer_discovered"
	// EventPeerLost is emitted when a known fingerprint disappears from the live set.
	EventPeerLost EventType = "peer_lost"
	// EventTransferStarted is emitted when a queued send begins.
	EventTransferStarted EventType = "transfer_started"
	// EventTransferComplete is emitted when a send finishes successfully.
	EventTransferComplete EventType = "transfer_complete"
	// EventTransferFailed is emitted when a send fails. Failures are reported
	// once and never retried.
	EventTransferFailed EventType = "transfer_failed"
	// EventError is emitted for fatal background startup failures.
	EventError EventType = "error"
)

// EventType identifies share manager notifications.
type EventType string

// Event carries one state notification from the background worker.
//
// Field use depends on Type: peer events fill Fingerprint/Device/Addr,
// transfer events fill Fingerprint/FilePath, and failure/error events carry a
// human-readable cause in Message.
type Event struct {
	Type        EventType
	Fingerprint string
	Device      models.DeviceInfo
	Addr        string
	FilePath    string
	Message     string
}

type commandKind int

const (
	cmdSendFile commandKind = iota
	cmdShutdown
)

type command struct {
	kind        commandKind
	fingerprint string
	filePath    string
}
