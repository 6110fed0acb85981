package log

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"worldsync.dev/internal/session"
)

// ActionLogger appends every scheduled action a peer applies to one file per
// world: <peerDir>/actions/actions-<worldID>.jsonl.zst. Each entry is written
// as its own zstd frame, so the file can be read while the peer is running
// and a crash loses at most the entry being written.
type ActionLogger struct {
	dir string

	mu      sync.Mutex
	enc     *zstd.Encoder
	worldID string
	f       *os.File
	buf     []byte
}

func NewActionLogger(peerDir string) *ActionLogger {
	return &ActionLogger{dir: filepath.Join(peerDir, "actions")}
}

// WriteAction implements session.ActionSink. A new world id switches files.
func (l *ActionLogger) WriteAction(v session.AppliedAction) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enc == nil {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return err
		}
		l.enc = enc
	}
	if l.f == nil || v.WorldID != l.worldID {
		if err := l.openLocked(v.WorldID); err != nil {
			return err
		}
	}
	l.buf = l.enc.EncodeAll(line, l.buf[:0])
	_, err = l.f.Write(l.buf)
	return err
}

func (l *ActionLogger) openLocked(worldID string) error {
	if err := l.closeFileLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(actionFile(l.dir, worldID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.f = f
	l.worldID = worldID
	return nil
}

func (l *ActionLogger) closeFileLocked() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *ActionLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.closeFileLocked()
	if l.enc != nil {
		_ = l.enc.Close()
		l.enc = nil
	}
	return err
}

func actionFile(dir, worldID string) string {
	if worldID == "" {
		worldID = "unknown"
	}
	return filepath.Join(dir, fmt.Sprintf("actions-%s.jsonl.zst", url.PathEscape(worldID)))
}
