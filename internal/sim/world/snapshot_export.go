package world

import (
	"sort"

	"worldsync.dev/internal/persistence/snapshot"
)

// ExportSnapshot captures the world graph. Player maps are not included.
// Must be called from the world loop goroutine.
func (w *World) ExportSnapshot() snapshot.WorldV1 {
	factions := make([]snapshot.FactionV1, 0, len(w.factions))
	for _, f := range w.Factions() {
		factions = append(factions, FactionToV1(f))
	}

	objects := make([]snapshot.WorldObjectV1, 0, len(w.objects))
	for _, o := range w.objects {
		objects = append(objects, WorldObjectToV1(*o))
	}
	sort.SliceStable(objects, func(i, j int) bool { return objects[i].CreatedTick < objects[j].CreatedTick })

	return snapshot.WorldV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.ID(),
			Tick:    w.tick.Load(),
		},
		Seed:         w.cfg.Seed,
		TickRateHz:   w.cfg.TickRateHz,
		TimeRate:     int32(w.TimeRate()),
		Factions:     factions,
		WorldObjects: objects,
		PeerFactions: w.PeerFactions(),
		Counters: snapshot.CountersV1{
			NextFaction: w.nextFaction,
			NextObject:  w.nextObject,
		},
	}
}

func FactionToV1(f Faction) snapshot.FactionV1 {
	out := snapshot.FactionV1{
		ID:          f.ID,
		Name:        f.Name,
		Def:         f.Def,
		Color:       f.Color,
		CreatedTick: f.CreatedTick,
	}
	if len(f.Goodwill) > 0 {
		out.Goodwill = make(map[string]int, len(f.Goodwill))
		for k, v := range f.Goodwill {
			out.Goodwill[k] = v
		}
	}
	return out
}

func FactionFromV1(f snapshot.FactionV1) Faction {
	out := Faction{
		ID:          f.ID,
		Name:        f.Name,
		Def:         f.Def,
		Color:       f.Color,
		CreatedTick: f.CreatedTick,
	}
	if len(f.Goodwill) > 0 {
		out.Goodwill = make(map[string]int, len(f.Goodwill))
		for k, v := range f.Goodwill {
			out.Goodwill[k] = v
		}
	}
	return out
}

func WorldObjectToV1(o WorldObject) snapshot.WorldObjectV1 {
	return snapshot.WorldObjectV1{
		ID:          o.ID,
		Def:         o.Def,
		Name:        o.Name,
		Tile:        o.Tile,
		FactionID:   o.FactionID,
		CreatedTick: o.CreatedTick,
	}
}

func WorldObjectFromV1(o snapshot.WorldObjectV1) WorldObject {
	return WorldObject{
		ID:          o.ID,
		Def:         o.Def,
		Name:        o.Name,
		Tile:        o.Tile,
		FactionID:   o.FactionID,
		CreatedTick: o.CreatedTick,
	}
}
