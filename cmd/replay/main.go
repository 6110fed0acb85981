package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"worldsync.dev/internal/persistence/indexdb"
	persistlog "worldsync.dev/internal/persistence/log"
	"worldsync.dev/internal/persistence/snapshot"
	"worldsync.dev/internal/session"
	"worldsync.dev/internal/sim/world"
)

func main() {
	var (
		snapPath = flag.String("snapshot", "", "path to .snap.zst (optional)")
		left     = flag.String("left", "", "peer dir containing actions/actions-*.jsonl.zst")
		right    = flag.String("right", "", "second peer dir to compare against -left (optional)")
		dbPath   = flag.String("db", "", "session index sqlite path (optional)")
		worldID  = flag.String("world", "", "world id for -db and action logs (default: snapshot world; logs: all worlds)")
	)
	flag.Parse()

	if *snapPath == "" && *left == "" && *dbPath == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -snapshot, -left or -db")
		os.Exit(2)
	}

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d world=%s tick=%d seed=%d factions=%d peers=%d objects=%d\n",
			snap.Header.Version, snap.Header.WorldID, snap.Header.Tick, snap.Seed,
			len(snap.Factions), len(snap.PeerFactions), len(snap.WorldObjects))

		w, err := world.New(world.WorldConfig{ID: snap.Header.WorldID, TickRateHz: snap.TickRateHz, Seed: snap.Seed})
		if err != nil {
			fmt.Fprintln(os.Stderr, "world:", err)
			os.Exit(1)
		}
		if err := w.ImportSnapshot(snap); err != nil {
			fmt.Fprintln(os.Stderr, "import snapshot:", err)
			os.Exit(1)
		}
		if *worldID == "" {
			*worldID = snap.Header.WorldID
		}
	}

	if *left != "" {
		if err := compare(*left, *right, *worldID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if *dbPath != "" {
		if *worldID == "" {
			fmt.Fprintln(os.Stderr, "missing -world for -db")
			os.Exit(2)
		}
		if err := summarize(*dbPath, *worldID); err != nil {
			fmt.Fprintln(os.Stderr, "index:", err)
			os.Exit(1)
		}
	}
}

func readActions(peerDir, worldID string) ([]session.AppliedAction, error) {
	if worldID != "" {
		return persistlog.ReadWorldActions(peerDir, worldID)
	}
	return persistlog.ReadActionLog(peerDir)
}

func compare(leftDir, rightDir, worldID string) error {
	l, err := readActions(leftDir, worldID)
	if err != nil {
		return fmt.Errorf("read %s: %w", leftDir, err)
	}
	fmt.Printf("%s: %d applied actions\n", leftDir, len(l))
	if rightDir == "" {
		for _, a := range l {
			fmt.Printf("  #%d %s due=%d applied_at=%d\n", a.Seq, a.Action, a.DueTick, a.Tick)
		}
		return nil
	}
	r, err := readActions(rightDir, worldID)
	if err != nil {
		return fmt.Errorf("read %s: %w", rightDir, err)
	}
	fmt.Printf("%s: %d applied actions\n", rightDir, len(r))
	if d := persistlog.CompareActionLogs(l, r); d != nil {
		return fmt.Errorf("divergence at #%d: left=%s right=%s", d.Index, describe(d.Left), describe(d.Right))
	}
	fmt.Printf("action logs agree: %d actions\n", len(l))
	return nil
}

func describe(a *session.AppliedAction) string {
	if a == nil {
		return "<missing>"
	}
	return fmt.Sprintf("%s due=%d applied_at=%d", a.Action, a.DueTick, a.Tick)
}

func summarize(path, worldID string) error {
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	ctx := context.Background()
	s, err := idx.Summary(ctx, worldID)
	if err != nil {
		return err
	}
	fmt.Printf("index world=%s %+v\n", worldID, s)
	peers, err := idx.Peers(ctx, worldID)
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Printf("  peer %+v\n", p)
	}
	return nil
}
