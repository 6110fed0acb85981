package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// factionsDoc and worldObjDoc name the payload roots so an empty faction map
// still encodes to a valid document.
type factionsDoc struct {
	NewFactions map[string]FactionV1
}

type worldObjDoc struct {
	WorldObj WorldObjectV1
}

// EncodeFactions serializes a username→faction mapping (NEW_FACTIONS payload).
func EncodeFactions(m map[string]FactionV1) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(factionsDoc{NewFactions: m}); err != nil {
		return nil, fmt.Errorf("encode factions: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeFactions(b []byte) (map[string]FactionV1, error) {
	var doc factionsDoc
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode factions: %w", err)
	}
	if doc.NewFactions == nil {
		doc.NewFactions = map[string]FactionV1{}
	}
	return doc.NewFactions, nil
}

// EncodeWorldObject serializes one world object (NEW_WORLD_OBJ payload).
func EncodeWorldObject(o WorldObjectV1) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(worldObjDoc{WorldObj: o}); err != nil {
		return nil, fmt.Errorf("encode world object: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeWorldObject(b []byte) (WorldObjectV1, error) {
	var doc worldObjDoc
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&doc); err != nil {
		return WorldObjectV1{}, fmt.Errorf("decode world object: %w", err)
	}
	if doc.WorldObj.ID == "" {
		return WorldObjectV1{}, fmt.Errorf("decode world object: missing id")
	}
	return doc.WorldObj, nil
}
