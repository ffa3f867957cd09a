package world

import (
	"context"
	"fmt"

	"npc-server/internal/app/npc"
	domainworld "npc-server/internal/domain/world"
)

// cacheInvalidator is implemented by definition sources that cache.
type cacheInvalidator interface {
	Invalidate(ctx context.Context, key string)
}

func (s *Service) npcDepsLocked() npc.Deps {
	return npc.Deps{
		Sim:         simView{s},
		Env:         s.env,
		Definitions: s.defs,
		IDs:         s.ids,
		ScriptDir:   s.scriptDir,
		Logger:      s.logger,
		Rand:        s.rand,
	}
}

// SpawnMapNPCs creates the NPCs listed in the map file. Failures are logged
// and skipped.
func (s *Service) SpawnMapNPCs(ctx context.Context) int {
	spawned := 0
	for _, sp := range s.spawns {
		pos := domainworld.Position{X: sp.X, Y: sp.Y, Z: s.worldMap.Floor}
		if _, err := s.SpawnNPC(ctx, sp.Key, &pos); err != nil {
			s.logger.Warn().Err(err).Str("npc", sp.Key).Stringer("pos", pos).Msg("npc spawn failed")
			continue
		}
		spawned++
	}
	return spawned
}

// SpawnNPC creates an NPC from its definition and places it at pos, or near
// the map spawn when pos is nil.
func (s *Service) SpawnNPC(ctx context.Context, key string, pos *domainworld.Position) (domainworld.NPCState, error) {
	var (
		state domainworld.NPCState
		err   error
	)
	s.update(func() {
		if s.closed {
			err = fmt.Errorf("spawn npc %q: world stopped", key)
			return
		}
		if s.defs == nil {
			err = fmt.Errorf("spawn npc %q: %w", key, npc.ErrDefinition)
			return
		}
		var at domainworld.Position
		if pos != nil {
			at = *pos
			if !s.passableLocked(at, playerMoveFlags) {
				err = fmt.Errorf("spawn npc %q at %s: %w", key, at, ErrTileBlocked)
				return
			}
		} else {
			spawn := domainworld.Position{X: s.worldMap.Spawn.X, Y: s.worldMap.Spawn.Y, Z: s.worldMap.Floor}
			var ok bool
			if at, ok = s.freeTileNearLocked(spawn, playerMoveFlags); !ok {
				err = fmt.Errorf("spawn npc %q: %w", key, ErrTileBlocked)
				return
			}
		}

		n := npc.New(key, s.npcDepsLocked())
		n.SetPosition(at)
		n.SetDirection(domainworld.South)
		if err = n.Load(ctx); err != nil {
			return
		}
		n.SetMasterPos(at, n.WalkRadius())
		s.npcs[n.ID()] = n

		self := npcCreature(n)
		n.OnCreatureAppear(self, false)
		state = n.State()
		s.broadcastLocked(0, map[string]any{"type": "creature_appeared", "creature": self})
		s.publishLocked("npc.spawned", state)
		s.logger.Info().Uint32("npc_id", n.ID()).Str("npc", key).Stringer("pos", at).Bool("loaded", n.IsLoaded()).Msg("npc spawned")
	})
	return state, err
}

// RemoveNPC tells the NPC it is leaving, drops it from the registry and makes
// every other NPC forget it.
func (s *Service) RemoveNPC(id uint32) error {
	var err error
	s.update(func() {
		n, ok := s.npcs[id]
		if !ok {
			err = fmt.Errorf("remove npc %d: %w", id, npc.ErrNotFound)
			return
		}
		self := npcCreature(n)
		n.OnCreatureDisappear(self, 0, false)
		delete(s.npcs, id)
		n.Remove()
		for _, other := range s.npcs {
			other.Forget(id)
		}
		s.broadcastLocked(0, map[string]any{"type": "creature_disappeared", "creature_id": id})
		s.publishLocked("npc.removed", map[string]any{"zone_id": s.zoneID, "npc_id": id, "key": n.Key()})
		s.logger.Info().Uint32("npc_id", id).Str("npc", n.Key()).Msg("npc removed")
	})
	return err
}

// ReloadNPC re-reads the NPC's definition and script. On failure the NPC
// keeps running its previous behavior.
func (s *Service) ReloadNPC(ctx context.Context, id uint32) (domainworld.NPCState, error) {
	var (
		state domainworld.NPCState
		err   error
	)
	s.update(func() {
		n, ok := s.npcs[id]
		if !ok {
			err = fmt.Errorf("reload npc %d: %w", id, npc.ErrNotFound)
			return
		}
		if inv, ok := s.defs.(cacheInvalidator); ok {
			inv.Invalidate(ctx, n.Key())
		}
		if err = n.Reload(ctx); err != nil {
			s.logger.Warn().Err(err).Uint32("npc_id", id).Msg("npc reload refused")
			return
		}
		state = n.State()
		s.publishLocked("npc.reloaded", state)
	})
	return state, err
}

func (s *Service) NPCs() []domainworld.NPCState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.npcStatesLocked()
}

func (s *Service) NPC(id uint32) (domainworld.NPCState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.npcs[id]
	if !ok {
		return domainworld.NPCState{}, fmt.Errorf("npc %d: %w", id, npc.ErrNotFound)
	}
	return n.State(), nil
}
