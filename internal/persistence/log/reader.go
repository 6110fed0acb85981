package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"worldsync.dev/internal/session"
)

// ReadWorldActions returns the actions applied in one world, in write order.
// A world the peer never logged yields no entries.
func ReadWorldActions(peerDir, worldID string) ([]session.AppliedAction, error) {
	out, err := readActionFile(actionFile(filepath.Join(peerDir, "actions"), worldID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

// ReadActionLog returns every applied action under peerDir. Worlds are
// ordered by the time of their first entry.
func ReadActionLog(peerDir string) ([]session.AppliedAction, error) {
	files, err := filepath.Glob(filepath.Join(peerDir, "actions", "actions-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var worlds [][]session.AppliedAction
	for _, path := range files {
		entries, err := readActionFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if len(entries) > 0 {
			worlds = append(worlds, entries)
		}
	}
	sort.SliceStable(worlds, func(i, j int) bool { return worlds[i][0].Time.Before(worlds[j][0].Time) })

	var out []session.AppliedAction
	for _, entries := range worlds {
		out = append(out, entries...)
	}
	return out, nil
}

func readActionFile(path string) ([]session.AppliedAction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []session.AppliedAction
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var a session.AppliedAction
		if err := json.Unmarshal(line, &a); err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, sc.Err()
}

// Divergence describes the first point where two action logs disagree.
type Divergence struct {
	Index int
	Left  *session.AppliedAction
	Right *session.AppliedAction
}

// CompareActionLogs checks that two peers applied the same actions in the
// same order at the same ticks. It returns nil when they agree.
func CompareActionLogs(left, right []session.AppliedAction) *Divergence {
	n := len(left)
	if len(right) > n {
		n = len(right)
	}
	for i := 0; i < n; i++ {
		var l, r *session.AppliedAction
		if i < len(left) {
			l = &left[i]
		}
		if i < len(right) {
			r = &right[i]
		}
		if l == nil || r == nil || l.Action != r.Action || l.DueTick != r.DueTick || l.Tick != r.Tick {
			return &Divergence{Index: i, Left: l, Right: r}
		}
	}
	return nil
}
