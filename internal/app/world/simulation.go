package world

import (
	"npc-server/internal/app/npc"
	"npc-server/internal/app/script"
	domainworld "npc-server/internal/domain/world"
)

// maxPathNodes bounds the search so an unreachable goal fails fast.
const maxPathNodes = 4096

var pathDirections = [...]domainworld.Direction{
	domainworld.North, domainworld.East, domainworld.South, domainworld.West,
}

// simView is the world as NPCs and scripts see it. It is only ever used
// while the service lock is held.
type simView struct {
	s *Service
}

var (
	_ npc.Simulation  = simView{}
	_ script.Resolver = simView{}
)

func (v simView) Tick() uint64 {
	return v.s.tick
}

func (v simView) Creature(id uint32) (domainworld.CreatureState, bool) {
	return v.s.creatureLocked(id)
}

func (v simView) Tile(pos domainworld.Position) (domainworld.TileInfo, bool) {
	t, ok := v.s.worldMap.At(pos)
	if !ok {
		return domainworld.TileInfo{}, false
	}
	info := t.Info()
	info.Occupied = v.s.occupiedLocked(pos)
	return info, true
}

func (v simView) FindPath(from, to domainworld.Position, flags domainworld.MoveFlags) ([]domainworld.Direction, bool) {
	return v.s.findPathLocked(from, to, flags)
}

func (v simView) MoveCreature(id uint32, dir domainworld.Direction, flags domainworld.MoveFlags) bool {
	return v.s.moveCreatureLocked(id, dir, flags)
}

func (v simView) TurnCreature(id uint32, dir domainworld.Direction) {
	v.s.turnCreatureLocked(id, dir)
}

func (v simView) CreatureSay(id uint32, kind domainworld.SpeakType, text string, to uint32) bool {
	return v.s.creatureSayLocked(id, kind, text, to)
}

func (v simView) OpenShopWindow(player, npcID uint32, items []domainworld.ShopItem) bool {
	pr, ok := v.s.players[player]
	if !ok {
		return false
	}
	name := ""
	if n, ok := v.s.npcs[npcID]; ok {
		name = n.Name()
	}
	// A player trades with one NPC at a time.
	if prev := pr.State.ShopOwner; prev != 0 && prev != npcID {
		v.CloseShopWindow(player, prev)
		if owner, ok := v.s.npcs[prev]; ok {
			owner.OnPlayerEndTrade(player)
		}
	}
	pr.State.ShopOwner = npcID
	v.s.sendLocked(player, map[string]any{
		"type":     "shop_open",
		"npc_id":   npcID,
		"npc_name": name,
		"items":    items,
	})
	return true
}

func (v simView) CloseShopWindow(player, npcID uint32) {
	pr, ok := v.s.players[player]
	if !ok || pr.State.ShopOwner != npcID {
		return
	}
	pr.State.ShopOwner = 0
	v.s.sendLocked(player, map[string]any{"type": "shop_close", "npc_id": npcID})
}

// SellItem charges the player and hands the items over. A zero price falls
// back to the buy price listed in the player's open trade.
func (v simView) SellItem(player, npcID uint32, sale domainworld.Sale) (int, error) {
	pr, ok := v.s.players[player]
	if !ok {
		return 0, ErrNotJoined
	}
	n, ok := v.s.npcs[npcID]
	if !ok {
		return 0, npc.ErrNotFound
	}
	price := sale.Price
	if price <= 0 {
		items, _ := n.ShopItems(player)
		for _, it := range items {
			if it.ItemID == sale.ItemID {
				price = it.BuyPrice
				break
			}
		}
	}
	if price <= 0 {
		return 0, ErrNotForSale
	}
	total := price * sale.Count
	if pr.State.Gold < total {
		return 0, ErrNotEnoughGold
	}
	pr.State.Gold -= total
	pr.State.Inventory[sale.ItemID] += sale.Count
	v.s.sendLocked(player, map[string]any{"type": "player_update", "player": pr.snapshot()})
	v.s.recordSaleLocked(n, pr.State, sale.ItemID, sale.Count, price, domainworld.SaleToPlayer)
	return sale.Count, nil
}

func (v simView) LookupNPC(id uint32) (script.NPC, bool) {
	n, ok := v.s.npcs[id]
	if !ok {
		return nil, false
	}
	return n, true
}

func (s *Service) creatureLocked(id uint32) (domainworld.CreatureState, bool) {
	if pr, ok := s.players[id]; ok {
		return playerCreature(pr.State), true
	}
	if n, ok := s.npcs[id]; ok {
		return npcCreature(n), true
	}
	return domainworld.CreatureState{}, false
}

func (s *Service) occupiedLocked(pos domainworld.Position) bool {
	for _, p := range s.players {
		if p.State.Position == pos {
			return true
		}
	}
	for _, n := range s.npcs {
		if n.Position() == pos {
			return true
		}
	}
	return false
}

// terrainAllowsLocked checks the tile itself, ignoring who stands on it.
func (s *Service) terrainAllowsLocked(pos domainworld.Position, flags domainworld.MoveFlags) bool {
	t, ok := s.worldMap.At(pos)
	if !ok {
		return false
	}
	info := t.Info()
	if !info.Walkable {
		return false
	}
	if info.FloorChange && flags&domainworld.MoveFloorChange == 0 {
		return false
	}
	if info.Height > 0 && flags&domainworld.MoveIgnoreHeight == 0 {
		return false
	}
	return true
}

func (s *Service) passableLocked(pos domainworld.Position, flags domainworld.MoveFlags) bool {
	return s.terrainAllowsLocked(pos, flags) && !s.occupiedLocked(pos)
}

// freeTileNearLocked searches outwards in rings for a free passable tile.
func (s *Service) freeTileNearLocked(pos domainworld.Position, flags domainworld.MoveFlags) (domainworld.Position, bool) {
	limit := max(s.worldMap.Width, s.worldMap.Height)
	for r := 0; r <= limit; r++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if max(abs(dx), abs(dy)) != r {
					continue
				}
				p := domainworld.Position{X: pos.X + dx, Y: pos.Y + dy, Z: pos.Z}
				if s.passableLocked(p, flags) {
					return p, true
				}
			}
		}
	}
	return domainworld.Position{}, false
}

// findPathLocked is a breadth-first search over straight steps. The goal may
// be occupied so creatures can path towards each other.
func (s *Service) findPathLocked(from, to domainworld.Position, flags domainworld.MoveFlags) ([]domainworld.Direction, bool) {
	if from.Z != to.Z {
		return nil, false
	}
	if from == to {
		return nil, true
	}
	if !s.terrainAllowsLocked(to, flags) {
		return nil, false
	}
	type node struct {
		pos  domainworld.Position
		prev int
		dir  domainworld.Direction
	}
	nodes := []node{{pos: from, prev: -1}}
	seen := map[domainworld.Position]bool{from: true}
	for i := 0; i < len(nodes) && len(nodes) < maxPathNodes; i++ {
		cur := nodes[i]
		for _, d := range pathDirections {
			next := cur.pos.Step(d)
			if seen[next] {
				continue
			}
			seen[next] = true
			if next != to && !s.passableLocked(next, flags) {
				continue
			}
			nodes = append(nodes, node{pos: next, prev: i, dir: d})
			if next != to {
				continue
			}
			var path []domainworld.Direction
			for j := len(nodes) - 1; nodes[j].prev >= 0; j = nodes[j].prev {
				path = append(path, nodes[j].dir)
			}
			for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
				path[l], path[r] = path[r], path[l]
			}
			return path, true
		}
	}
	return nil, false
}

// moveCreatureLocked walks a creature one square and tells every NPC that
// could see either end of the step.
func (s *Service) moveCreatureLocked(id uint32, dir domainworld.Direction, flags domainworld.MoveFlags) bool {
	if !dir.Valid() {
		return false
	}
	c, ok := s.creatureLocked(id)
	if !ok {
		return false
	}
	from := c.Position
	to := from.Step(dir)
	if !s.passableLocked(to, flags) {
		return false
	}
	facing := c.Direction
	if dir <= domainworld.West {
		facing = dir
	}
	if pr, ok := s.players[id]; ok {
		pr.State.Position = to
		pr.State.Direction = facing
	} else {
		n := s.npcs[id]
		n.SetPosition(to)
		n.SetDirection(facing)
	}
	c.Position = to
	c.Direction = facing

	s.broadcastLocked(0, map[string]any{
		"type":        "creature_moved",
		"creature_id": id,
		"from":        from,
		"to":          to,
		"direction":   facing,
	})
	for _, nid := range s.npcIDsLocked() {
		n, ok := s.npcs[nid]
		if !ok {
			continue
		}
		if nid == id || n.CanSee(from) || n.CanSee(to) {
			n.OnCreatureMove(c, to, from, false)
		}
	}
	return true
}

func (s *Service) turnCreatureLocked(id uint32, dir domainworld.Direction) {
	if pr, ok := s.players[id]; ok {
		pr.State.Direction = dir
	} else if n, ok := s.npcs[id]; ok {
		n.SetDirection(dir)
	} else {
		return
	}
	s.broadcastLocked(0, map[string]any{"type": "creature_turned", "creature_id": id, "direction": dir})
}

// creatureSayLocked delivers speech. With to set the message is private:
// a player target receives it alone, an NPC target hears it if it can see
// the speaker.
func (s *Service) creatureSayLocked(id uint32, kind domainworld.SpeakType, text string, to uint32) bool {
	speaker, ok := s.creatureLocked(id)
	if !ok {
		return false
	}
	payload := map[string]any{
		"type":        "creature_say",
		"creature_id": id,
		"name":        speaker.Name,
		"kind":        kind,
		"text":        text,
	}
	if speaker.Type == domainworld.CreatureNPC {
		s.publishLocked("npc.say", map[string]any{
			"zone_id": s.zoneID,
			"npc_id":  id,
			"name":    speaker.Name,
			"kind":    kind,
			"text":    text,
			"to":      to,
		})
	}

	if to != 0 {
		target, ok := s.creatureLocked(to)
		if !ok {
			return false
		}
		switch target.Type {
		case domainworld.CreaturePlayer:
			payload["to"] = to
			s.sendLocked(to, payload)
		case domainworld.CreatureNPC:
			if n := s.npcs[to]; n.CanSee(speaker.Position) {
				n.OnCreatureSay(speaker, kind, text)
			}
		}
		return true
	}

	s.broadcastLocked(0, payload)
	for _, nid := range s.npcIDsLocked() {
		if nid == id {
			continue
		}
		if n, ok := s.npcs[nid]; ok && n.CanSee(speaker.Position) {
			n.OnCreatureSay(speaker, kind, text)
		}
	}
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
