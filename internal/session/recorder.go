package session

import (
	"time"

	"worldsync.dev/internal/protocol"
)

// Recorder receives session facts for the durable index. Calls must not block
// the caller; implementations queue writes.
type Recorder interface {
	RecordPeer(worldID, username string, connID uint64, factionID string)
	RecordTransfer(worldID, username string, worldBytes, mapBytes int)
	RecordScheduledAction(worldID string, requestedBy string, s protocol.ScheduledAction)
	RecordSnapshot(worldID string, tick uint64, size int)
	RecordMapUpload(worldID, username string, size int, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordPeer(string, string, uint64, string)                      {}
func (nopRecorder) RecordTransfer(string, string, int, int)                        {}
func (nopRecorder) RecordScheduledAction(string, string, protocol.ScheduledAction) {}
func (nopRecorder) RecordSnapshot(string, uint64, int)                             {}
func (nopRecorder) RecordMapUpload(string, string, int, error)                     {}

// AppliedAction is one scheduled action as a peer applied it.
type AppliedAction struct {
	Time     time.Time `json:"time"`
	WorldID  string    `json:"world_id"`
	Username string    `json:"username"`
	Tick     uint64    `json:"tick"`
	DueTick  uint64    `json:"due_tick"`
	Action   string    `json:"action"`
	Seq      uint64    `json:"seq"`
}

// ActionSink persists applied actions so peers can be compared afterwards.
type ActionSink interface {
	WriteAction(a AppliedAction) error
}
