package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"worldsync.dev/internal/config"
	"worldsync.dev/internal/persistence/indexdb"
	persistlog "worldsync.dev/internal/persistence/log"
	"worldsync.dev/internal/persistence/mapstore"
	"worldsync.dev/internal/persistence/snapshot"
	"worldsync.dev/internal/protocol"
	"worldsync.dev/internal/session"
	"worldsync.dev/internal/sim/mainthread"
	"worldsync.dev/internal/sim/tasks"
	"worldsync.dev/internal/sim/world"
	"worldsync.dev/internal/transport/tcp"
	"worldsync.dev/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config yaml (optional)")
		listenTCP  = flag.String("listen", "", "tcp listen address for peers")
		listenWS   = flag.String("ws_listen", "", "separate websocket listen address (default: served on -addr at /v1/ws)")
		addr       = flag.String("addr", "", "http listen address")
		worldID    = flag.String("world", "", "world id (fresh worlds only)")
		seed       = flag.Int64("seed", 0, "world seed (fresh worlds only)")
		dataDir    = flag.String("data", "", "runtime data directory")
		username   = flag.String("username", "", "host player name")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite session index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		saveOnExit = flag.Bool("save_on_exit", true, "write a snapshot when the server stops")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenTCP = *listenTCP
		case "ws_listen":
			cfg.ListenWS = *listenWS
		case "addr":
			cfg.HTTPAddr = *addr
		case "world":
			cfg.WorldID = *worldID
		case "seed":
			cfg.Seed = *seed
		case "data":
			cfg.DataDir = *dataDir
		case "disable_db":
			cfg.DisableDB = *disableDB
		}
	})
	hostName := config.ResolveUsername(*username, cfg, nil)

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest && cfg.WorldID != "" {
		snapshotToLoad = latestSnapshot(worldDirFor(cfg.DataDir, cfg.WorldID))
	}

	// Create world (fresh or resumed from snapshot).
	var w *world.World
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if cfg.WorldID != "" && snap.Header.WorldID != "" && snap.Header.WorldID != cfg.WorldID {
			logger.Fatalf("snapshot world id mismatch: config=%s snap=%s", cfg.WorldID, snap.Header.WorldID)
		}
		w, err = world.New(world.WorldConfig{
			ID:         snap.Header.WorldID,
			TickRateHz: snap.TickRateHz,
			Seed:       snap.Seed,
		})
		if err != nil {
			logger.Fatalf("world: %v", err)
		}
		if err := w.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), w.CurrentTick())
	} else {
		w, err = world.New(world.WorldConfig{
			ID:         cfg.WorldID,
			TickRateHz: cfg.TickRateHz,
			Seed:       cfg.Seed,
		})
		if err != nil {
			logger.Fatalf("world: %v", err)
		}
	}
	worldDir := worldDirFor(cfg.DataDir, w.ID())
	_ = os.MkdirAll(worldDir, 0o755)

	// Optional: read-model index (does not affect the session).
	var idx *indexdb.SQLiteIndex
	if !cfg.DisableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(worldDir, "index", "session.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
	}

	var sink session.ActionSink
	if !cfg.DisableActionLog {
		actionLog := persistlog.NewActionLogger(filepath.Join(worldDir, "peers", hostName))
		defer actionLog.Close()
		sink = actionLog
	}

	ctx, cancel := signalContext()
	defer cancel()

	queue := mainthread.NewQueue()
	runner := tasks.NewRunner(logger)
	runner.Start(ctx)
	defer runner.Close()

	var rec session.Recorder
	if idx != nil {
		rec = idx
	}
	auth := session.NewAuthority(session.AuthorityConfig{
		Lookahead:         cfg.LookaheadTicks,
		DownloadStallWarn: cfg.DownloadStallWarn,
	}, w, queue, runner, mapstore.New(cfg.DataDir), rec, logger)

	host := session.NewPeer(session.PeerConfig{
		Username:             hostName,
		ApplyDueWhileRunning: cfg.ApplyDueWhileRunning,
	}, w, queue, runner, sink, logger)
	if _, _, err := session.ConnectLocal(auth, host, logger); err != nil {
		logger.Fatalf("connect host peer: %v", err)
	}
	w.SetTimeRate(world.Normal)

	go readCommands(ctx, os.Stdin, host, auth, w, queue, worldDir, idx, logger)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := w.Run(ctx, host.Hooks()); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	// Remote peers over TCP.
	ln, err := net.Listen("tcp", cfg.ListenTCP)
	if err != nil {
		logger.Fatalf("listen tcp: %v", err)
	}
	logger.Printf("peers: tcp %s", ln.Addr())
	go func() {
		err := tcp.AcceptLoop(ctx, ln, cfg.MaxFrameBytes, logger, func(l *tcp.Link) {
			c := acceptConn(auth, l, l.RemoteAddr(), logger)
			if err := l.Serve(ctx, c); err != nil {
				logger.Printf("conn %d: %v", c.ID(), err)
			}
		})
		if err != nil {
			logger.Printf("tcp accept: %v", err)
		}
	}()

	wsSrv := ws.NewServer(cfg.MaxFrameBytes, logger, func(l *ws.Link) {
		c := acceptConn(auth, l, l.RemoteAddr(), logger)
		if err := l.Serve(ctx, c); err != nil {
			logger.Printf("conn %d: %v", c.ID(), err)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, w, auth, runner, idx)
	})

	enableAdminHTTP := envBool("WORLDSYNC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("WORLDSYNC_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				WorldID   string                 `json:"world_id"`
				Tick      uint64                 `json:"tick"`
				Metrics   world.WorldMetrics     `json:"metrics"`
				Authority session.AuthorityStats `json:"authority"`
				Peers     []connInfo             `json:"peers"`
				Index     indexdb.Stats          `json:"index"`
			}{
				WorldID:   w.ID(),
				Tick:      w.CurrentTick(),
				Metrics:   w.Metrics(),
				Authority: auth.Stats(),
				Peers:     connInfos(auth),
				Index:     idx.Stats(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			path, tick, err := requestSave(ctx2, queue, w, worldDir, idx)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick, "path": path})
		})
	} else {
		logger.Printf("admin endpoints disabled (WORLDSYNC_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	servers := []*http.Server{}
	if cfg.ListenWS != "" && cfg.ListenWS != cfg.HTTPAddr {
		wsMux := http.NewServeMux()
		wsMux.HandleFunc("/v1/ws", wsSrv.Handler())
		servers = append(servers, &http.Server{Addr: cfg.ListenWS, Handler: wsMux, ReadHeaderTimeout: 5 * time.Second})
		logger.Printf("peers: websocket %s/v1/ws", cfg.ListenWS)
	} else {
		mux.HandleFunc("/v1/ws", wsSrv.Handler())
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	servers = append(servers, srv)

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		for _, s := range servers {
			_ = s.Shutdown(ctx2)
		}
	}()
	for _, s := range servers[:len(servers)-1] {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("websocket listener: %v", err)
			}
		}(s)
	}

	logger.Printf("world=%s host=%s listening on %s", w.ID(), hostName, cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}

	<-loopDone
	for _, c := range auth.Conns() {
		_ = c.Close()
	}
	if *saveOnExit {
		// The loop has stopped, so the world can be read from here.
		path, err := saveSnapshot(w, worldDir, idx)
		if err != nil {
			logger.Printf("save on exit: %v", err)
		} else {
			logger.Printf("saved %s", path)
		}
	}
	if idx != nil {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		_ = idx.Flush(ctx2)
		cancel2()
	}
}

// acceptConn registers an inbound link with the authority. The caller then
// serves the link with the returned Conn as its receiver.
func acceptConn(auth *session.Authority, link session.Link, remote string, logger *log.Logger) *session.Conn {
	c := session.NewConn(auth.NextID(), link, logger)
	auth.Accept(c)
	logger.Printf("conn %d from %s", c.ID(), remote)
	return c
}

// readCommands lets the host steer the session from stdin:
//
//	pause | unpause    request a scheduled action like any peer
//	status             print tick, rate and connections
//	save               write a snapshot into the world dir
func readCommands(ctx context.Context, f *os.File, host *session.Peer, auth *session.Authority, w *world.World, q *mainthread.Queue, worldDir string, idx *indexdb.SQLiteIndex, logger *log.Logger) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch cmd := strings.TrimSpace(sc.Text()); cmd {
		case "":
			continue
		case "pause":
			err = host.RequestAction(protocol.ActionPause)
		case "unpause":
			err = host.RequestAction(protocol.ActionUnpause)
		case "status":
			s := auth.Stats()
			logger.Printf("world=%s tick=%d rate=%s conns=%d cycles=%d actions=%d", w.ID(), w.CurrentTick(), w.TimeRate(), s.Conns, s.SnapshotCycles, s.ActionsIssued)
		case "save":
			ctx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
			var path string
			path, _, err = requestSave(ctx2, q, w, worldDir, idx)
			cancel2()
			if err == nil {
				logger.Printf("saved %s", path)
			}
		default:
			err = fmt.Errorf("unknown command %q", cmd)
		}
		if err != nil {
			logger.Printf("command: %v", err)
		}
	}
}

type connInfo struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
	Phase    string `json:"phase"`
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
}

func connInfos(auth *session.Authority) []connInfo {
	conns := auth.Conns()
	out := make([]connInfo, 0, len(conns))
	for _, c := range conns {
		info := connInfo{ID: c.ID(), Username: c.Username()}
		if st := c.State(); st != nil {
			info.Phase = string(st.Phase())
		}
		info.Sent, info.Received = c.Counters()
		out = append(out, info)
	}
	return out
}

// requestSave exports the world on the loop goroutine and writes it here.
func requestSave(ctx context.Context, q *mainthread.Queue, w *world.World, worldDir string, idx *indexdb.SQLiteIndex) (string, uint64, error) {
	ch := make(chan snapshot.WorldV1, 1)
	q.Enqueue(func() { ch <- w.ExportSnapshot() })
	select {
	case <-ctx.Done():
		return "", w.CurrentTick(), ctx.Err()
	case snap := <-ch:
		path, err := writeSnapshot(snap, worldDir, idx)
		return path, snap.Header.Tick, err
	}
}

func saveSnapshot(w *world.World, worldDir string, idx *indexdb.SQLiteIndex) (string, error) {
	return writeSnapshot(w.ExportSnapshot(), worldDir, idx)
}

func writeSnapshot(snap snapshot.WorldV1, worldDir string, idx *indexdb.SQLiteIndex) (string, error) {
	path := filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if fi, err := os.Stat(path); err == nil {
		idx.RecordSnapshot(snap.Header.WorldID, snap.Header.Tick, int(fi.Size()))
	}
	return path, nil
}

func writeMetrics(rw http.ResponseWriter, w *world.World, auth *session.Authority, runner *tasks.Runner, idx *indexdb.SQLiteIndex) {
	m := w.Metrics()
	worldID := w.ID()
	tick := w.CurrentTick()
	if m.Tick != 0 {
		tick = m.Tick
	}
	frozen := 0
	if runner.Blocking() {
		frozen = 1
	}

	fmt.Fprintf(rw, "# HELP worldsync_world_tick Current world tick.\n")
	fmt.Fprintf(rw, "# TYPE worldsync_world_tick gauge\n")
	fmt.Fprintf(rw, "worldsync_world_tick{world=%q} %d\n", worldID, tick)

	fmt.Fprintf(rw, "# HELP worldsync_world_time_rate Current time rate (0 paused).\n")
	fmt.Fprintf(rw, "# TYPE worldsync_world_time_rate gauge\n")
	fmt.Fprintf(rw, "worldsync_world_time_rate{world=%q} %d\n", worldID, int(w.TimeRate()))

	fmt.Fprintf(rw, "# HELP worldsync_world_frozen Whether a blocking task holds time still.\n")
	fmt.Fprintf(rw, "# TYPE worldsync_world_frozen gauge\n")
	fmt.Fprintf(rw, "worldsync_world_frozen{world=%q} %d\n", worldID, frozen)

	fmt.Fprintf(rw, "# HELP worldsync_world_objects World object and faction counts.\n")
	fmt.Fprintf(rw, "# TYPE worldsync_world_objects gauge\n")
	fmt.Fprintf(rw, "worldsync_world_objects{world=%q,kind=%q} %d\n", worldID, "factions", m.Factions)
	fmt.Fprintf(rw, "worldsync_world_objects{world=%q,kind=%q} %d\n", worldID, "peer_factions", m.PeerFactions)
	fmt.Fprintf(rw, "worldsync_world_objects{world=%q,kind=%q} %d\n", worldID, "world_objects", m.WorldObjects)

	fmt.Fprintf(rw, "# HELP worldsync_queue_depth Pending main-thread and background tasks.\n")
	fmt.Fprintf(rw, "# TYPE worldsync_queue_depth gauge\n")
	fmt.Fprintf(rw, "worldsync_queue_depth{world=%q,queue=%q} %d\n", worldID, "mainthread", m.QueueDepth)
	fmt.Fprintf(rw, "worldsync_queue_depth{world=%q,queue=%q} %d\n", worldID, "tasks", runner.Pending())

	fmt.Fprintf(rw, "# HELP worldsync_frame_ms Last frame duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE worldsync_frame_ms gauge\n")
	fmt.Fprintf(rw, "worldsync_frame_ms{world=%q} %.3f\n", worldID, m.FrameMS)

	s := auth.Stats()
	fmt.Fprintf(rw, "# HELP worldsync_session_conns Registered connections, host included.\n")
	fmt.Fprintf(rw, "# TYPE worldsync_session_conns gauge\n")
	fmt.Fprintf(rw, "worldsync_session_conns{world=%q} %d\n", worldID, s.Conns)

	fmt.Fprintf(rw, "# HELP worldsync_session_total Session counters.\n")
	fmt.Fprintf(rw, "# TYPE worldsync_session_total counter\n")
	fmt.Fprintf(rw, "worldsync_session_total{world=%q,event=%q} %d\n", worldID, "snapshot_cycles", s.SnapshotCycles)
	fmt.Fprintf(rw, "worldsync_session_total{world=%q,event=%q} %d\n", worldID, "actions_issued", s.ActionsIssued)
	fmt.Fprintf(rw, "worldsync_session_total{world=%q,event=%q} %d\n", worldID, "relayed", s.Relayed)

	if idx == nil {
		return
	}
	is := idx.Stats()
	fmt.Fprintf(rw, "# HELP worldsync_index_queue_depth Pending index writes.\n")
	fmt.Fprintf(rw, "# TYPE worldsync_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "worldsync_index_queue_depth %d\n", is.QueueDepth)

	fmt.Fprintf(rw, "# HELP worldsync_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE worldsync_index_dropped_total counter\n")
	fmt.Fprintf(rw, "worldsync_index_dropped_total{kind=%q} %d\n", "peer", is.DropPeerTotal)
	fmt.Fprintf(rw, "worldsync_index_dropped_total{kind=%q} %d\n", "transfer", is.DropTransferTotal)
	fmt.Fprintf(rw, "worldsync_index_dropped_total{kind=%q} %d\n", "action", is.DropActionTotal)
	fmt.Fprintf(rw, "worldsync_index_dropped_total{kind=%q} %d\n", "snapshot", is.DropSnapshotTotal)
	fmt.Fprintf(rw, "worldsync_index_dropped_total{kind=%q} %d\n", "map_upload", is.DropUploadTotal)
}

func worldDirFor(dataDir, worldID string) string {
	return filepath.Join(dataDir, "worlds", worldID)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".snap.zst")
		tick, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
