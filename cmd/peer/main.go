package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"worldsync.dev/internal/config"
	persistlog "worldsync.dev/internal/persistence/log"
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
		addr       = flag.String("addr", "", "authority address: host:port for tcp or a ws:// url")
		name       = flag.String("name", "", "player name (default: config, then PlayerNNNN)")
		dataDir    = flag.String("data", "", "runtime data directory")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[peer] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.AuthorityAddr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	username := config.ResolveUsername(*name, cfg, nil)

	ctx, cancel := signalContext()
	defer cancel()

	// Placeholder until the authority's world arrives.
	w, err := world.New(world.WorldConfig{TickRateHz: cfg.TickRateHz, Seed: cfg.Seed})
	if err != nil {
		logger.Fatalf("world: %v", err)
	}
	queue := mainthread.NewQueue()
	runner := tasks.NewRunner(logger)
	runner.Start(ctx)
	defer runner.Close()

	var sink session.ActionSink
	if !cfg.DisableActionLog {
		actionLog := persistlog.NewActionLogger(filepath.Join(cfg.DataDir, "peers", username))
		defer actionLog.Close()
		sink = actionLog
	}
	p := session.NewPeer(session.PeerConfig{
		Username:             username,
		ApplyDueWhileRunning: cfg.ApplyDueWhileRunning,
	}, w, queue, runner, sink, logger)

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	serve, link, err := dial(dialCtx, cfg, logger)
	dialCancel()
	if err != nil {
		logger.Fatalf("dial %s: %v", cfg.AuthorityAddr, err)
	}
	c := session.NewConn(0, link, logger)
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := serve(ctx, c); err != nil {
			logger.Printf("link: %v", err)
		}
		cancel()
	}()
	if err := p.Attach(c); err != nil {
		logger.Fatalf("attach: %v", err)
	}
	logger.Printf("joining %s as %s", cfg.AuthorityAddr, username)

	go func() {
		select {
		case <-ctx.Done():
		case <-p.Ready():
			logger.Printf("in session: world=%s tick=%d", w.ID(), w.CurrentTick())
		}
	}()
	go readCommands(ctx, os.Stdin, p, w, queue, logger)

	if err := w.Run(ctx, p.Hooks()); err != nil && err != context.Canceled {
		logger.Printf("world stopped: %v", err)
	}
	_ = c.Close()
	<-served
}

type serveFunc func(context.Context, *session.Conn) error

func dial(ctx context.Context, cfg config.Config, logger *log.Logger) (serveFunc, session.Link, error) {
	if strings.HasPrefix(cfg.AuthorityAddr, "ws://") || strings.HasPrefix(cfg.AuthorityAddr, "wss://") {
		l, err := ws.Dial(ctx, cfg.AuthorityAddr, cfg.MaxFrameBytes, logger)
		if err != nil {
			return nil, nil, err
		}
		return func(ctx context.Context, c *session.Conn) error { return l.Serve(ctx, c) }, l, nil
	}
	l, err := tcp.Dial(ctx, cfg.AuthorityAddr, cfg.MaxFrameBytes, logger)
	if err != nil {
		return nil, nil, err
	}
	return func(ctx context.Context, c *session.Conn) error { return l.Serve(ctx, c) }, l, nil
}

// readCommands reads one command per line:
//
//	pause | unpause                 request a scheduled action
//	settle <def> <name> <tile>      create and share a world object
//	maps <tile> [<tile>...]         upload a map document for the given tiles
//	status                          print tick, rate and pending actions
func readCommands(ctx context.Context, f *os.File, p *session.Peer, w *world.World, q *mainthread.Queue, logger *log.Logger) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if err := runCommand(fields, p, w, q, logger); err != nil {
			logger.Printf("%s: %v", fields[0], err)
		}
	}
}

func runCommand(fields []string, p *session.Peer, w *world.World, q *mainthread.Queue, logger *log.Logger) error {
	switch fields[0] {
	case "pause":
		return p.RequestAction(protocol.ActionPause)
	case "unpause":
		return p.RequestAction(protocol.ActionUnpause)
	case "settle":
		if len(fields) != 4 {
			return fmt.Errorf("usage: settle <def> <name> <tile>")
		}
		tile, err := strconv.Atoi(fields[3])
		if err != nil {
			return err
		}
		q.Enqueue(func() {
			o, err := p.Settle(fields[1], fields[2], tile)
			if err != nil {
				logger.Printf("settle: %v", err)
				return
			}
			logger.Printf("settled %s (%s) at tile %d", o.Name, o.ID, o.Tile)
		})
		return nil
	case "maps":
		if len(fields) < 2 {
			return fmt.Errorf("usage: maps <tile> [<tile>...]")
		}
		tiles := make([]int, 0, len(fields)-1)
		for _, s := range fields[1:] {
			tile, err := strconv.Atoi(s)
			if err != nil {
				return err
			}
			tiles = append(tiles, tile)
		}
		q.Enqueue(func() {
			var factionID string
			if f, ok := w.PeerFaction(p.Username()); ok {
				factionID = f.ID
			}
			maps := make([]snapshot.MapV1, 0, len(tiles))
			for _, tile := range tiles {
				maps = append(maps, snapshot.MapV1{ID: world.NewID(), Tile: tile, Size: [2]int{250, 250}, FactionID: factionID})
			}
			w.SetMaps(maps)
			if err := p.UploadMaps(maps); err != nil {
				logger.Printf("maps: %v", err)
			}
		})
		return nil
	case "status":
		logger.Printf("world=%s tick=%d rate=%s pending=%d applied=%d", w.ID(), w.CurrentTick(), w.TimeRate(), p.PendingActions(), p.AppliedActions())
		return nil
	default:
		return fmt.Errorf("unknown command")
	}
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
