package world

import (
	"fmt"

	"worldsync.dev/internal/persistence/snapshot"
)

// ImportSnapshot replaces the in-memory world with s. The tick resumes at the
// snapshot tick. Call only while the loop is stopped or from the loop goroutine.
func (w *World) ImportSnapshot(s snapshot.WorldV1) error {
	if s.Header.Version != snapshot.Version {
		return fmt.Errorf("unsupported snapshot version: %d", s.Header.Version)
	}

	factions := make(map[string]*Faction, len(s.Factions))
	for _, fv := range s.Factions {
		if fv.ID == "" {
			return fmt.Errorf("snapshot faction with empty id")
		}
		f := FactionFromV1(fv)
		factions[f.ID] = &f
	}
	for user, fid := range s.PeerFactions {
		if _, ok := factions[fid]; !ok {
			return fmt.Errorf("%w: %s -> %s", ErrDanglingFaction, user, fid)
		}
	}

	objects := make([]*WorldObject, 0, len(s.WorldObjects))
	index := make(map[string]*WorldObject, len(s.WorldObjects))
	for _, ov := range s.WorldObjects {
		o := WorldObjectFromV1(ov)
		if o.FactionID != "" {
			if _, ok := factions[o.FactionID]; !ok {
				return fmt.Errorf("%w: %s (object %s)", ErrUnknownFaction, o.FactionID, o.ID)
			}
		}
		if _, dup := index[o.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateObject, o.ID)
		}
		objects = append(objects, &o)
		index[o.ID] = &o
	}

	w.reset()
	w.factions = factions
	for user, fid := range s.PeerFactions {
		w.peerFactions[user] = fid
	}
	w.objects = objects
	w.objectIndex = index
	w.nextFaction = s.Counters.NextFaction
	w.nextObject = s.Counters.NextObject
	if s.Seed != 0 {
		w.cfg.Seed = s.Seed
	}
	if s.TickRateHz > 0 {
		w.cfg.TickRateHz = s.TickRateHz
	}
	w.tick.Store(s.Header.Tick)
	w.SetTimeRate(TimeRate(s.TimeRate))

	meta := w.meta.Load().(worldMeta)
	if s.Header.WorldID != "" {
		meta.ID = s.Header.WorldID
	}
	w.meta.Store(meta)
	return nil
}

// LoadRemote installs a world received from an authority together with the
// maps this peer owns in it. The world stays paused until an Unpause arrives.
func (w *World) LoadRemote(s snapshot.WorldV1, maps []snapshot.MapV1) error {
	if err := w.ImportSnapshot(s); err != nil {
		return err
	}
	w.SetMaps(maps)
	w.SetTimeRate(Paused)
	meta := w.meta.Load().(worldMeta)
	meta.Source = SourceRemote
	w.meta.Store(meta)
	return nil
}
