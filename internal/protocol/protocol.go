package protocol

import "fmt"

const Version = 1

// Kind is the one-byte message discriminator carried in every frame.
// Peer→authority and authority→peer kinds share the numeric range, so the
// meaning of a Kind depends on which side receives it.
type Kind uint8

// Peer → authority.
const (
	PeerRequestWorld Kind = iota
	PeerWorldFinished
	PeerActionRequest
	PeerUsername
	PeerNewWorldObject
	PeerMapData
)

// Authority → peer.
const (
	AuthWorldData Kind = iota
	AuthActionSchedule
	AuthPauseForDownload
	AuthUnpause
	AuthNewFactions
	AuthNewWorldObject
)

var peerKindNames = [...]string{
	PeerRequestWorld:   "REQUEST_WORLD",
	PeerWorldFinished:  "WORLD_FINISHED",
	PeerActionRequest:  "ACTION_REQUEST",
	PeerUsername:       "USERNAME",
	PeerNewWorldObject: "NEW_WORLD_OBJ",
	PeerMapData:        "MAP_DATA",
}

var authKindNames = [...]string{
	AuthWorldData:        "WORLD_DATA",
	AuthActionSchedule:   "ACTION_SCHEDULE",
	AuthPauseForDownload: "PAUSE_FOR_WORLD_DOWNLOAD",
	AuthUnpause:          "UNPAUSE",
	AuthNewFactions:      "NEW_FACTIONS",
	AuthNewWorldObject:   "NEW_WORLD_OBJ",
}

// PeerKindName names a kind sent by a peer to the authority.
func PeerKindName(k Kind) string {
	if int(k) < len(peerKindNames) {
		return peerKindNames[k]
	}
	return fmt.Sprintf("PEER_KIND_%d", k)
}

// AuthKindName names a kind sent by the authority to a peer.
func AuthKindName(k Kind) string {
	if int(k) < len(authKindNames) {
		return authKindNames[k]
	}
	return fmt.Sprintf("AUTH_KIND_%d", k)
}

// Action is a simulation control command that every peer applies at the same tick.
type Action int32

const (
	ActionPause Action = iota
	ActionUnpause
)

func (a Action) String() string {
	switch a {
	case ActionPause:
		return "PAUSE"
	case ActionUnpause:
		return "UNPAUSE"
	default:
		return fmt.Sprintf("ACTION_%d", int32(a))
	}
}

func (a Action) Valid() bool { return a == ActionPause || a == ActionUnpause }

// ScheduledAction is an action tagged with the tick it is due at.
type ScheduledAction struct {
	DueTick uint64
	Action  Action
}
