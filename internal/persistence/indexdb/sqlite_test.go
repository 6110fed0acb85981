package indexdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"worldsync.dev/internal/protocol"
)

func openTest(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "session.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSQLiteIndex_RecordsSessionFacts(t *testing.T) {
	idx := openTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	idx.RecordPeer("w1", "alice", 2, "F2")
	idx.RecordPeer("w1", "alice", 5, "F2")
	idx.RecordPeer("w1", "bob", 3, "F3")
	idx.RecordPeer("w2", "carol", 1, "F2")
	idx.RecordTransfer("w1", "alice", 1234, 0)
	idx.RecordSnapshot("w1", 1000, 1234)
	idx.RecordScheduledAction("w1", "alice", protocol.ScheduledAction{DueTick: 1015, Action: protocol.ActionPause})
	idx.RecordScheduledAction("w1", "bob", protocol.ScheduledAction{DueTick: 1020, Action: protocol.ActionUnpause})
	idx.RecordMapUpload("w1", "alice", 10, nil)
	idx.RecordMapUpload("w1", "bob", 3, errors.New("bad document"))

	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	peers, err := idx.Peers(ctx, "w1")
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 2 || peers[0].Username != "alice" || peers[0].LastConn != 5 || peers[1].FactionID != "F3" {
		t.Fatalf("peers=%+v", peers)
	}

	acts, err := idx.Actions(ctx, "w1")
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	if len(acts) != 2 || acts[0].DueTick != 1015 || acts[0].Action != "PAUSE" || acts[1].RequestedBy != "bob" {
		t.Fatalf("actions=%+v", acts)
	}

	sum, err := idx.Summary(ctx, "w1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	want := WorldSummary{WorldID: "w1", Peers: 2, Transfers: 1, Actions: 2, Snapshots: 1, MapUploads: 2, FailedMaps: 1, LastDueTick: 1020}
	if sum != want {
		t.Fatalf("summary=%+v want %+v", sum, want)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqPeer}

	s.RecordPeer("w", "a", 1, "F1")
	s.RecordTransfer("w", "a", 1, 0)
	s.RecordScheduledAction("w", "a", protocol.ScheduledAction{})
	s.RecordSnapshot("w", 1, 1)
	s.RecordMapUpload("w", "a", 1, nil)

	st := s.Stats()
	if st.DropPeerTotal != 1 || st.DropTransferTotal != 1 || st.DropActionTotal != 1 || st.DropSnapshotTotal != 1 || st.DropUploadTotal != 1 {
		t.Fatalf("drops=%+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilAndClosedAreNoops(t *testing.T) {
	var s *SQLiteIndex
	s.RecordPeer("w", "a", 1, "F1")
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("nil flush: %v", err)
	}

	idx := openTest(t)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	idx.RecordSnapshot("w", 1, 1)
	if err := idx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
