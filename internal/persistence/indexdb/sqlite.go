package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"worldsync.dev/internal/protocol"
)

// SQLiteIndex is a queryable secondary record of session activity: who joined
// which world with which faction, downloads served, actions scheduled and map
// uploads. Writes are queued and applied by one goroutine; when the queue is
// full they are dropped and counted.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropPeer     atomic.Uint64
	dropTransfer atomic.Uint64
	dropAction   atomic.Uint64
	dropSnapshot atomic.Uint64
	dropUpload   atomic.Uint64
}

type reqKind int

const (
	reqPeer reqKind = iota + 1
	reqTransfer
	reqAction
	reqSnapshot
	reqUpload
	reqFlush
)

type req struct {
	kind reqKind
	at   string

	worldID  string
	username string
	connID   uint64
	faction  string

	worldBytes int
	mapBytes   int

	action      protocol.ScheduledAction
	requestedBy string

	tick uint64
	size int

	uploadErr string

	done chan struct{}
}

type Stats struct {
	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`

	DropPeerTotal     uint64 `json:"drop_peer_total"`
	DropTransferTotal uint64 `json:"drop_transfer_total"`
	DropActionTotal   uint64 `json:"drop_action_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	DropUploadTotal   uint64 `json:"drop_upload_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 8192),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload; NORMAL is enough for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS peers (
			world_id TEXT NOT NULL,
			username TEXT NOT NULL,
			faction_id TEXT NOT NULL,
			last_conn_id INTEGER NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			PRIMARY KEY (world_id, username)
		);`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world_id TEXT NOT NULL,
			username TEXT NOT NULL,
			world_bytes INTEGER NOT NULL,
			map_bytes INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world_id TEXT NOT NULL,
			due_tick INTEGER NOT NULL,
			action TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_world_tick ON actions(world_id, due_tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			size INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS map_uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world_id TEXT NOT NULL,
			username TEXT NOT NULL,
			size INTEGER NOT NULL,
			error TEXT,
			at TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// The JSONL action logs remain the source of truth.
		s.dropCounter(r.kind).Add(1)
	}
}

func (s *SQLiteIndex) dropCounter(k reqKind) *atomic.Uint64 {
	switch k {
	case reqPeer:
		return &s.dropPeer
	case reqTransfer:
		return &s.dropTransfer
	case reqAction:
		return &s.dropAction
	case reqSnapshot:
		return &s.dropSnapshot
	default:
		return &s.dropUpload
	}
}

func (s *SQLiteIndex) RecordPeer(worldID, username string, connID uint64, factionID string) {
	s.enqueue(req{kind: reqPeer, at: now(), worldID: worldID, username: username, connID: connID, faction: factionID})
}

func (s *SQLiteIndex) RecordTransfer(worldID, username string, worldBytes, mapBytes int) {
	s.enqueue(req{kind: reqTransfer, at: now(), worldID: worldID, username: username, worldBytes: worldBytes, mapBytes: mapBytes})
}

func (s *SQLiteIndex) RecordScheduledAction(worldID string, requestedBy string, a protocol.ScheduledAction) {
	s.enqueue(req{kind: reqAction, at: now(), worldID: worldID, requestedBy: requestedBy, action: a})
}

func (s *SQLiteIndex) RecordSnapshot(worldID string, tick uint64, size int) {
	s.enqueue(req{kind: reqSnapshot, at: now(), worldID: worldID, tick: tick, size: size})
}

func (s *SQLiteIndex) RecordMapUpload(worldID, username string, size int, err error) {
	r := req{kind: reqUpload, at: now(), worldID: worldID, username: username, size: size}
	if err != nil {
		r.uploadErr = err.Error()
	}
	s.enqueue(r)
}

// Flush blocks until everything queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropPeerTotal:     s.dropPeer.Load(),
		DropTransferTotal: s.dropTransfer.Load(),
		DropActionTotal:   s.dropAction.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		DropUploadTotal:   s.dropUpload.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertPeer, _ := s.db.Prepare(`INSERT INTO peers(world_id,username,faction_id,last_conn_id,first_seen,last_seen) VALUES(?,?,?,?,?,?)
		ON CONFLICT(world_id,username) DO UPDATE SET faction_id=excluded.faction_id, last_conn_id=excluded.last_conn_id, last_seen=excluded.last_seen`)
	insertTransfer, _ := s.db.Prepare(`INSERT INTO transfers(world_id,username,world_bytes,map_bytes,at) VALUES(?,?,?,?,?)`)
	insertAction, _ := s.db.Prepare(`INSERT INTO actions(world_id,due_tick,action,requested_by,at) VALUES(?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT INTO snapshots(world_id,tick,size,at) VALUES(?,?,?,?)`)
	insertUpload, _ := s.db.Prepare(`INSERT INTO map_uploads(world_id,username,size,error,at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertPeer, insertTransfer, insertAction, insertSnapshot, insertUpload} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		var ok bool
		select {
		case r, ok = <-s.ch:
			if !ok {
				commit()
				return
			}
		case <-ticker.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqPeer:
			exec(upsertPeer, r.worldID, r.username, r.faction, int64(r.connID), r.at, r.at)
		case reqTransfer:
			exec(insertTransfer, r.worldID, r.username, r.worldBytes, r.mapBytes, r.at)
		case reqAction:
			exec(insertAction, r.worldID, int64(r.action.DueTick), r.action.Action.String(), r.requestedBy, r.at)
		case reqSnapshot:
			exec(insertSnapshot, r.worldID, int64(r.tick), r.size, r.at)
		case reqUpload:
			var errText any
			if r.uploadErr != "" {
				errText = r.uploadErr
			}
			exec(insertUpload, r.worldID, r.username, r.size, errText, r.at)
		}
		if opCount >= commitEvery {
			commit()
		}
	}
}
