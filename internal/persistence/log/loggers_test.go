package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"worldsync.dev/internal/session"
)

func TestActionLogger_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	l := NewActionLogger(dir)
	in := []session.AppliedAction{
		{WorldID: "w", Username: "a", Tick: 1000, DueTick: 1015, Action: "PAUSE", Seq: 1},
		{WorldID: "w", Username: "a", Tick: 1000, DueTick: 1020, Action: "UNPAUSE", Seq: 2},
	}
	for _, a := range in {
		if err := l.WriteAction(a); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := ReadActionLog(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].Action != "PAUSE" || got[1].DueTick != 1020 || got[1].Seq != 2 {
		t.Fatalf("got=%+v", got)
	}
}

func TestActionLogger_ReadableWhileOpen(t *testing.T) {
	dir := t.TempDir()
	l := NewActionLogger(dir)
	defer l.Close()

	if err := l.WriteAction(session.AppliedAction{WorldID: "w", DueTick: 15, Action: "PAUSE", Seq: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadWorldActions(dir, "w")
	if err != nil || len(got) != 1 || got[0].DueTick != 15 {
		t.Fatalf("live read: got=%+v err=%v", got, err)
	}
	if err := l.WriteAction(session.AppliedAction{WorldID: "w", DueTick: 30, Action: "UNPAUSE", Seq: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err = ReadWorldActions(dir, "w")
	if err != nil || len(got) != 2 || got[1].Action != "UNPAUSE" {
		t.Fatalf("live read: got=%+v err=%v", got, err)
	}
}

func TestActionLogger_OneFilePerWorld(t *testing.T) {
	dir := t.TempDir()
	l := NewActionLogger(dir)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// "z-before" is joined first, so it sorts first despite its name.
	writes := []session.AppliedAction{
		{Time: t0, WorldID: "z-before", DueTick: 1, Action: "PAUSE"},
		{Time: t0.Add(time.Minute), WorldID: "a/after", DueTick: 2, Action: "UNPAUSE"},
		{Time: t0.Add(2 * time.Minute), WorldID: "a/after", DueTick: 3, Action: "PAUSE"},
	}
	for _, a := range writes {
		if err := l.WriteAction(a); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "actions", "*"))
	if len(files) != 2 {
		t.Fatalf("files=%v", files)
	}
	if _, err := os.Stat(filepath.Join(dir, "actions", "actions-a%2Fafter.jsonl.zst")); err != nil {
		t.Fatalf("world file: %v", err)
	}
	after, err := ReadWorldActions(dir, "a/after")
	if err != nil || len(after) != 2 || after[0].DueTick != 2 {
		t.Fatalf("a/after: got=%+v err=%v", after, err)
	}
	all, err := ReadActionLog(dir)
	if err != nil || len(all) != 3 {
		t.Fatalf("all: got=%+v err=%v", all, err)
	}
	for i, want := range []uint64{1, 2, 3} {
		if all[i].DueTick != want {
			t.Fatalf("order: got=%+v", all)
		}
	}
	if got, err := ReadWorldActions(dir, "missing"); err != nil || got != nil {
		t.Fatalf("missing world: got=%v err=%v", got, err)
	}
}

func TestReadActionLog_Empty(t *testing.T) {
	got, err := ReadActionLog(t.TempDir())
	if err != nil || len(got) != 0 {
		t.Fatalf("got=%v err=%v", got, err)
	}
}

func TestCompareActionLogs(t *testing.T) {
	a := []session.AppliedAction{{Tick: 5, DueTick: 20, Action: "PAUSE"}, {Tick: 5, DueTick: 25, Action: "UNPAUSE"}}
	b := []session.AppliedAction{{Tick: 5, DueTick: 20, Action: "PAUSE", Username: "other"}, {Tick: 5, DueTick: 25, Action: "UNPAUSE"}}
	if d := CompareActionLogs(a, b); d != nil {
		t.Fatalf("unexpected divergence at %d", d.Index)
	}
	d := CompareActionLogs(a, b[:1])
	if d == nil || d.Index != 1 || d.Right != nil {
		t.Fatalf("divergence=%+v", d)
	}
	c := []session.AppliedAction{{Tick: 6, DueTick: 20, Action: "PAUSE"}}
	if d := CompareActionLogs(a[:1], c); d == nil || d.Index != 0 {
		t.Fatalf("tick mismatch not reported: %+v", d)
	}
}
