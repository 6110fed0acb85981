package world

// WorldMetrics is a read-only view of the loop, refreshed once per frame and
// safe to read from HTTP handlers.
type WorldMetrics struct {
	WorldID  string `json:"world_id"`
	Source   Source `json:"source"`
	Tick     uint64 `json:"tick"`
	TimeRate string `json:"time_rate"`

	Factions     int `json:"factions"`
	PeerFactions int `json:"peer_factions"`
	WorldObjects int `json:"world_objects"`
	Maps         int `json:"maps"`

	TasksRun   uint64 `json:"tasks_run"`
	QueueDepth int    `json:"queue_depth"`
	Frozen     bool   `json:"frozen"`

	FrameMS float64 `json:"frame_ms"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	v := w.metrics.Load()
	if v == nil {
		return WorldMetrics{}
	}
	m, ok := v.(WorldMetrics)
	if !ok {
		return WorldMetrics{}
	}
	return m
}
