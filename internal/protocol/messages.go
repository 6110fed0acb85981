package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeActionRequest builds the ACTION_REQUEST payload: [action:4].
func EncodeActionRequest(a Action) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(a))
	return b
}

func DecodeActionRequest(b []byte) (Action, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("action request: %w (%d bytes)", ErrShortPayload, len(b))
	}
	a := Action(int32(binary.LittleEndian.Uint32(b)))
	if !a.Valid() {
		return 0, fmt.Errorf("action request: %w: %d", ErrUnknownAction, int32(a))
	}
	return a, nil
}

// EncodeActionSchedule builds the ACTION_SCHEDULE payload: [dueTick:4][action:4].
func EncodeActionSchedule(s ScheduledAction) ([]byte, error) {
	if s.DueTick > math.MaxUint32 {
		return nil, ErrTickOverflow
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], uint32(s.DueTick))
	binary.LittleEndian.PutUint32(b[4:8], uint32(s.Action))
	return b, nil
}

func DecodeActionSchedule(b []byte) (ScheduledAction, error) {
	if len(b) < 8 {
		return ScheduledAction{}, fmt.Errorf("action schedule: %w (%d bytes)", ErrShortPayload, len(b))
	}
	s := ScheduledAction{
		DueTick: uint64(binary.LittleEndian.Uint32(b[0:4])),
		Action:  Action(int32(binary.LittleEndian.Uint32(b[4:8]))),
	}
	if !s.Action.Valid() {
		return ScheduledAction{}, fmt.Errorf("action schedule: %w: %d", ErrUnknownAction, int32(s.Action))
	}
	return s, nil
}

// EncodeWorldData builds the WORLD_DATA payload: [worldLen:4][world][mapsLen:4][maps].
func EncodeWorldData(world, maps []byte) []byte {
	b := make([]byte, 0, 8+len(world)+len(maps))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(world)))
	b = append(b, world...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(maps)))
	b = append(b, maps...)
	return b
}

// DecodeWorldData splits a WORLD_DATA payload. The returned slices alias b.
func DecodeWorldData(b []byte) (world, maps []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("world data: %w", ErrShortPayload)
	}
	worldLen := uint64(binary.LittleEndian.Uint32(b))
	rest := b[4:]
	if uint64(len(rest)) < worldLen+4 {
		return nil, nil, fmt.Errorf("world data: %w: world_len=%d have=%d", ErrShortPayload, worldLen, len(rest))
	}
	world = rest[:worldLen]
	rest = rest[worldLen:]
	mapsLen := uint64(binary.LittleEndian.Uint32(rest))
	rest = rest[4:]
	if uint64(len(rest)) < mapsLen {
		return nil, nil, fmt.Errorf("world data: %w: maps_len=%d have=%d", ErrShortPayload, mapsLen, len(rest))
	}
	maps = rest[:mapsLen]
	return world, maps, nil
}
