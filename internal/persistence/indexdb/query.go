package indexdb

import (
	"context"
)

type PeerRow struct {
	WorldID   string
	Username  string
	FactionID string
	LastConn  uint64
	FirstSeen string
	LastSeen  string
}

type ActionRow struct {
	DueTick     uint64
	Action      string
	RequestedBy string
	At          string
}

type WorldSummary struct {
	WorldID     string
	Peers       int
	Transfers   int
	Actions     int
	Snapshots   int
	MapUploads  int
	FailedMaps  int
	LastDueTick uint64
}

func (s *SQLiteIndex) Peers(ctx context.Context, worldID string) ([]PeerRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT world_id, username, faction_id, last_conn_id, first_seen, last_seen FROM peers WHERE world_id = ? ORDER BY username`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PeerRow
	for rows.Next() {
		var r PeerRow
		var conn int64
		if err := rows.Scan(&r.WorldID, &r.Username, &r.FactionID, &conn, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, err
		}
		r.LastConn = uint64(conn)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Actions(ctx context.Context, worldID string) ([]ActionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT due_tick, action, requested_by, at FROM actions WHERE world_id = ? ORDER BY id`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActionRow
	for rows.Next() {
		var r ActionRow
		var due int64
		if err := rows.Scan(&due, &r.Action, &r.RequestedBy, &r.At); err != nil {
			return nil, err
		}
		r.DueTick = uint64(due)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Summary(ctx context.Context, worldID string) (WorldSummary, error) {
	sum := WorldSummary{WorldID: worldID}
	counts := []struct {
		q   string
		dst *int
	}{
		{`SELECT COUNT(*) FROM peers WHERE world_id = ?`, &sum.Peers},
		{`SELECT COUNT(*) FROM transfers WHERE world_id = ?`, &sum.Transfers},
		{`SELECT COUNT(*) FROM actions WHERE world_id = ?`, &sum.Actions},
		{`SELECT COUNT(*) FROM snapshots WHERE world_id = ?`, &sum.Snapshots},
		{`SELECT COUNT(*) FROM map_uploads WHERE world_id = ?`, &sum.MapUploads},
		{`SELECT COUNT(*) FROM map_uploads WHERE world_id = ? AND error IS NOT NULL`, &sum.FailedMaps},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.q, worldID).Scan(c.dst); err != nil {
			return sum, err
		}
	}
	var due int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(due_tick), 0) FROM actions WHERE world_id = ?`, worldID).Scan(&due); err != nil {
		return sum, err
	}
	sum.LastDueTick = uint64(due)
	return sum, nil
}
