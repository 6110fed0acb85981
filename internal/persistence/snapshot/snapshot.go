package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

// WorldV1 is the full world graph as moved between peers. Per-peer maps are
// not part of it; they travel next to it in WORLD_DATA.
type WorldV1 struct {
	Header Header `json:"header"`

	Seed       int64 `json:"seed"`
	TickRateHz int   `json:"tick_rate_hz"`
	TimeRate   int32 `json:"time_rate"`

	Factions     []FactionV1     `json:"factions"`
	WorldObjects []WorldObjectV1 `json:"world_objects"`

	// PeerFactions maps usernames to faction ids in Factions.
	PeerFactions map[string]string `json:"peer_factions"`

	Counters CountersV1 `json:"counters"`
}

type CountersV1 struct {
	NextFaction uint64 `json:"next_faction"`
	NextObject  uint64 `json:"next_object"`
}

type FactionV1 struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Def         string         `json:"def"`
	Color       [3]uint8       `json:"color"`
	CreatedTick uint64         `json:"created_tick"`
	Goodwill    map[string]int `json:"goodwill,omitempty"`
}

type WorldObjectV1 struct {
	ID          string `json:"id"`
	Def         string `json:"def"`
	Name        string `json:"name"`
	Tile        int    `json:"tile"`
	FactionID   string `json:"faction_id"`
	CreatedTick uint64 `json:"created_tick"`
}

// MapV1 is one player-owned map; documents of these are stored per peer.
type MapV1 struct {
	ID        string       `json:"id"`
	Tile      int          `json:"tile"`
	Size      [2]int       `json:"size"`
	FactionID string       `json:"faction_id"`
	Buildings []BuildingV1 `json:"buildings"`
}

type BuildingV1 struct {
	Def string `json:"def"`
	X   int    `json:"x"`
	Z   int    `json:"z"`
}

// EncodeWorld serializes a world graph: a JSON header line followed by gob,
// all inside a zstd stream.
func EncodeWorld(w WorldV1) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeWorldTo(&buf, w, zstd.SpeedFastest); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeWorld(b []byte) (WorldV1, error) {
	return decodeWorldFrom(bytes.NewReader(b))
}

// ReadHeader decodes only the header line.
func ReadHeader(b []byte) (Header, error) {
	var h Header
	dec, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func encodeWorldTo(dst io.Writer, w WorldV1, level zstd.EncoderLevel) error {
	if w.Header.Version == 0 {
		w.Header.Version = Version
	}
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(level))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(w.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&w); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func decodeWorldFrom(src io.Reader) (WorldV1, error) {
	var w WorldV1
	dec, err := zstd.NewReader(src)
	if err != nil {
		return w, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// Header line; gob carries it again.
	if _, err := br.ReadBytes('\n'); err != nil {
		return w, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&w); err != nil {
		return w, fmt.Errorf("gob decode: %w", err)
	}
	if w.Header.Version != Version {
		return w, fmt.Errorf("unsupported snapshot version %d", w.Header.Version)
	}
	return w, nil
}

// WriteSnapshot stores a host save on disk.
func WriteSnapshot(path string, w WorldV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encodeWorldTo(f, w, zstd.SpeedDefault); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (WorldV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return WorldV1{}, err
	}
	defer f.Close()
	return decodeWorldFrom(f)
}
