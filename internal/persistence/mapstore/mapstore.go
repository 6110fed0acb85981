// Package mapstore keeps each peer's private map state on the authority,
// one JSON document per (world, username).
package mapstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"worldsync.dev/internal/persistence/snapshot"
)

var ErrInvalidDocument = errors.New("mapstore: invalid map document")

// Document is the MAP_DATA payload and the on-disk file format.
type Document struct {
	Username string           `json:"username,omitempty"`
	Maps     []snapshot.MapV1 `json:"maps"`
}

const schemaURL = "mem://worldsync/maps.schema.json"

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["maps"],
  "properties": {
    "username": {"type": "string"},
    "maps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "tile", "size"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "tile": {"type": "integer", "minimum": 0},
          "size": {"type": "array", "items": {"type": "integer", "minimum": 1}, "minItems": 2, "maxItems": 2},
          "faction_id": {"type": "string"},
          "buildings": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "required": ["def", "x", "z"],
              "properties": {
                "def": {"type": "string", "minLength": 1},
                "x": {"type": "integer"},
                "z": {"type": "integer"}
              }
            }
          }
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString(schemaURL, schemaJSON)

// Parse validates raw bytes against the map schema and decodes them.
func Parse(b []byte) (Document, error) {
	var doc Document
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := schema.Validate(raw); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return doc, nil
}

// Marshal renders a document in the canonical stored form.
func Marshal(doc Document) ([]byte, error) {
	if doc.Maps == nil {
		doc.Maps = []snapshot.MapV1{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

type Store struct {
	dir string
}

// New stores documents under <dataDir>/mpsaves/<worldID>/<username>.maps.
func New(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "mpsaves")}
}

func (s *Store) Path(worldID, username string) string {
	return filepath.Join(s.dir, safeName(worldID), safeName(username)+".maps")
}

// Save validates payload and writes it in canonical form. Invalid payloads
// leave any existing file untouched.
func (s *Store) Save(worldID, username string, payload []byte) error {
	doc, err := Parse(payload)
	if err != nil {
		return err
	}
	doc.Username = username
	b, err := Marshal(doc)
	if err != nil {
		return err
	}
	path := s.Path(worldID, username)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load returns the stored document bytes, or nil when the peer has none.
func (s *Store) Load(worldID, username string) ([]byte, error) {
	b, err := os.ReadFile(s.Path(worldID, username))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Re-validate so a hand-edited file never reaches a peer.
	if _, err := Parse(b); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(b), nil
}

// safeName escapes every byte outside [A-Za-z0-9_-] as %XX, so distinct
// names always map to distinct files and no name can leave the store dir.
// The empty name becomes "%", which no escaped name can produce.
func safeName(s string) string {
	if s == "" {
		return "%"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
