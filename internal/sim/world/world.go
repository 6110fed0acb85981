package world

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"

	"worldsync.dev/internal/persistence/snapshot"
)

// TimeRate is the simulation speed. Paused freezes the tick counter.
type TimeRate int32

const (
	Paused TimeRate = iota
	Normal
	Fast
	Superfast
)

func (r TimeRate) String() string {
	switch r {
	case Paused:
		return "paused"
	case Normal:
		return "normal"
	case Fast:
		return "fast"
	case Superfast:
		return "superfast"
	default:
		return fmt.Sprintf("rate_%d", int32(r))
	}
}

// TicksPerFrame is how many ticks one frame advances at this rate.
func (r TimeRate) TicksPerFrame() int {
	switch r {
	case Normal:
		return 1
	case Fast:
		return 3
	case Superfast:
		return 6
	default:
		return 0
	}
}

// Source tells whether the loaded world was created here or received from an authority.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

var (
	ErrUnknownFaction  = errors.New("world: unknown faction")
	ErrDuplicateObject = errors.New("world: duplicate world object")
	ErrDanglingFaction = errors.New("world: peer faction references missing faction")
	ErrEmptyUsername   = errors.New("world: empty username")
)

type Faction struct {
	ID          string
	Name        string
	Def         string
	Color       [3]uint8
	CreatedTick uint64
	Goodwill    map[string]int
}

type WorldObject struct {
	ID          string
	Def         string
	Name        string
	Tile        int
	FactionID   string
	CreatedTick uint64
}

type worldMeta struct {
	ID     string
	Source Source
}

// World owns all simulation state. Everything except the tick counter, time
// rate, metadata and metrics must only be touched from the loop goroutine.
type World struct {
	cfg WorldConfig

	tick    atomic.Uint64
	rate    atomic.Int32
	meta    atomic.Value // worldMeta
	metrics atomic.Value // WorldMetrics

	factions     map[string]*Faction
	peerFactions map[string]string
	objects      []*WorldObject
	objectIndex  map[string]*WorldObject
	maps         []snapshot.MapV1

	nextFaction uint64
	nextObject  uint64

	stop chan struct{}
}

// NewID returns a fresh world or object identifier.
func NewID() string { return uuid.NewString() }

func New(cfg WorldConfig) (*World, error) {
	cfg.applyDefaults()
	w := &World{
		cfg:  cfg,
		stop: make(chan struct{}),
	}
	w.reset()
	w.meta.Store(worldMeta{ID: cfg.ID, Source: SourceLocal})
	w.metrics.Store(WorldMetrics{})

	host := w.newFaction(cfg.HostFactionName, "player_colony")
	w.factions[host.ID] = host
	return w, nil
}

func (w *World) reset() {
	w.factions = map[string]*Faction{}
	w.peerFactions = map[string]string{}
	w.objects = nil
	w.objectIndex = map[string]*WorldObject{}
	w.maps = nil
	w.nextFaction = 0
	w.nextObject = 0
}

func (w *World) ID() string {
	if w == nil {
		return ""
	}
	return w.meta.Load().(worldMeta).ID
}

func (w *World) Source() Source { return w.meta.Load().(worldMeta).Source }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

func (w *World) TimeRate() TimeRate { return TimeRate(w.rate.Load()) }

func (w *World) SetTimeRate(r TimeRate) { w.rate.Store(int32(r)) }

func (w *World) TickRateHz() int { return w.cfg.TickRateHz }

func (w *World) newFaction(name, def string) *Faction {
	w.nextFaction++
	n := w.nextFaction
	return &Faction{
		ID:          fmt.Sprintf("F%d", n),
		Name:        name,
		Def:         def,
		Color:       [3]uint8{uint8(n * 67), uint8(n * 131), uint8(n * 199)},
		CreatedTick: w.tick.Load(),
	}
}

// PeerFaction looks up the faction owned by username.
func (w *World) PeerFaction(username string) (Faction, bool) {
	id, ok := w.peerFactions[username]
	if !ok {
		return Faction{}, false
	}
	f := w.factions[id]
	if f == nil {
		return Faction{}, false
	}
	return cloneFaction(f), true
}

// CreatePeerFaction generates and registers a new faction for username.
func (w *World) CreatePeerFaction(username string) (Faction, error) {
	if username == "" {
		return Faction{}, ErrEmptyUsername
	}
	f := w.newFaction(username+"'s faction", "outlander")
	w.factions[f.ID] = f
	w.peerFactions[username] = f.ID
	return cloneFaction(f), nil
}

// AddPeerFaction installs a faction received from the authority.
func (w *World) AddPeerFaction(username string, f Faction) error {
	if username == "" {
		return ErrEmptyUsername
	}
	if f.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownFaction)
	}
	c := cloneFaction(&f)
	w.factions[f.ID] = &c
	w.peerFactions[username] = f.ID
	return nil
}

// PeerFactions returns a copy of the username→faction id map.
func (w *World) PeerFactions() map[string]string {
	out := make(map[string]string, len(w.peerFactions))
	for k, v := range w.peerFactions {
		out[k] = v
	}
	return out
}

func (w *World) Factions() []Faction {
	out := make([]Faction, 0, len(w.factions))
	for _, f := range w.factions {
		out = append(out, cloneFaction(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NewWorldObject creates and inserts an object owned by factionID.
func (w *World) NewWorldObject(def, name string, tile int, factionID string) (WorldObject, error) {
	o := WorldObject{
		ID:          NewID(),
		Def:         def,
		Name:        name,
		Tile:        tile,
		FactionID:   factionID,
		CreatedTick: w.tick.Load(),
	}
	if err := w.AddWorldObject(o); err != nil {
		return WorldObject{}, err
	}
	w.nextObject++
	return o, nil
}

// AddWorldObject inserts o after resolving its faction reference.
func (w *World) AddWorldObject(o WorldObject) error {
	if o.FactionID != "" {
		if _, ok := w.factions[o.FactionID]; !ok {
			return fmt.Errorf("%w: %s (object %s)", ErrUnknownFaction, o.FactionID, o.ID)
		}
	}
	if _, ok := w.objectIndex[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateObject, o.ID)
	}
	obj := o
	w.objects = append(w.objects, &obj)
	w.objectIndex[o.ID] = &obj
	return nil
}

func (w *World) WorldObjects() []WorldObject {
	out := make([]WorldObject, 0, len(w.objects))
	for _, o := range w.objects {
		out = append(out, *o)
	}
	return out
}

// Maps returns the player maps loaded alongside this world.
func (w *World) Maps() []snapshot.MapV1 {
	out := make([]snapshot.MapV1, len(w.maps))
	copy(out, w.maps)
	return out
}

func (w *World) SetMaps(maps []snapshot.MapV1) {
	w.maps = append([]snapshot.MapV1(nil), maps...)
}

func cloneFaction(f *Faction) Faction {
	c := *f
	if f.Goodwill != nil {
		c.Goodwill = make(map[string]int, len(f.Goodwill))
		for k, v := range f.Goodwill {
			c.Goodwill[k] = v
		}
	}
	return c
}
