package world

import (
	"context"
	"time"

	"worldsync.dev/internal/sim/mainthread"
)

// Hooks plug the session layer into the frame loop.
type Hooks struct {
	// Queue is drained at the start of every frame.
	Queue *mainthread.Queue
	// AfterDrain runs after the queue, before time advances.
	AfterDrain []func()
	// OnTick runs after each tick increment with the new tick.
	OnTick []func(tick uint64)
	// Frozen holds time still while it reports true, independent of TimeRate.
	Frozen func() bool
}

// Run drives frames at TickRateHz until ctx ends or Stop is called. Tasks
// enqueued between frames are drained as soon as the queue wakes the loop.
func (w *World) Run(ctx context.Context, hooks Hooks) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if hooks.Queue != nil {
		wake = hooks.Queue.Wake()
	}

	var tasksRun uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case <-wake:
			tasksRun += uint64(hooks.Queue.Drain())
		case <-ticker.C:
			start := time.Now()
			tasksRun += uint64(w.frame(hooks))
			w.publishMetrics(hooks, tasksRun, time.Since(start))
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// StepFrame runs one frame synchronously and returns the tick afterwards.
// It stands in for Run in tests and replays.
func (w *World) StepFrame(hooks Hooks) uint64 {
	start := time.Now()
	n := w.frame(hooks)
	w.publishMetrics(hooks, uint64(n), time.Since(start))
	return w.tick.Load()
}

func (w *World) frame(hooks Hooks) int {
	n := hooks.Queue.Drain()
	for _, fn := range hooks.AfterDrain {
		fn()
	}
	if hooks.Frozen != nil && hooks.Frozen() {
		return n
	}
	steps := w.TimeRate().TicksPerFrame()
	for i := 0; i < steps; i++ {
		// A tick hook may pause mid-frame.
		if w.TimeRate() == Paused {
			break
		}
		t := w.tick.Add(1)
		for _, fn := range hooks.OnTick {
			fn(t)
		}
	}
	return n
}

func (w *World) publishMetrics(hooks Hooks, tasksRun uint64, took time.Duration) {
	meta := w.meta.Load().(worldMeta)
	frozen := hooks.Frozen != nil && hooks.Frozen()
	w.metrics.Store(WorldMetrics{
		WorldID:      meta.ID,
		Source:       meta.Source,
		Tick:         w.tick.Load(),
		TimeRate:     w.TimeRate().String(),
		Factions:     len(w.factions),
		PeerFactions: len(w.peerFactions),
		WorldObjects: len(w.objects),
		Maps:         len(w.maps),
		TasksRun:     tasksRun,
		QueueDepth:   hooks.Queue.Len(),
		Frozen:       frozen,
		FrameMS:      float64(took.Microseconds()) / 1000,
	})
}
