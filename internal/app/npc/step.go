package npc

import (
	"npc-server/internal/domain/world"
)

var randomDirections = [...]world.Direction{world.North, world.East, world.South, world.West}

func (n *Npc) moveFlags() world.MoveFlags {
	var f world.MoveFlags
	if n.ignoreHeight {
		f |= world.MoveIgnoreHeight
	}
	if n.floorChange {
		f |= world.MoveFloorChange
	}
	return f
}

// cadenceReady reports whether walkTicks have passed since the last
// voluntary step. Immovable NPCs are never ready.
func (n *Npc) cadenceReady(now uint64) bool {
	if n.walkTicks == 0 {
		return false
	}
	return !n.stepped || now-n.lastStep >= uint64(n.walkTicks)
}

func (n *Npc) markStep(now uint64) {
	n.lastStep = now
	n.stepped = true
}

// DoMove walks one square if the cadence allows it.
func (n *Npc) DoMove(dir world.Direction) bool {
	if !dir.Valid() {
		return false
	}
	now := n.deps.Sim.Tick()
	if !n.cadenceReady(now) {
		return false
	}
	if !n.deps.Sim.MoveCreature(n.id, dir, n.moveFlags()) {
		return false
	}
	n.markStep(now)
	return true
}

// DoMoveTo sets a destination and asks for a path to it. An unreachable
// destination stays pending until the next step decision drops it.
func (n *Npc) DoMoveTo(pos world.Position) bool {
	n.follow = 0
	dest := pos
	n.dest = &dest
	n.path = nil
	path, ok := n.deps.Sim.FindPath(n.pos, pos, n.moveFlags())
	if !ok {
		return false
	}
	n.path = path
	return true
}

// Follow keeps walking towards a creature until it disappears or the
// script picks another target; 0 stops following.
func (n *Npc) Follow(id uint32) bool {
	if id == 0 {
		n.follow = 0
		return true
	}
	if _, ok := n.deps.Sim.Creature(id); !ok {
		return false
	}
	n.clearDestination()
	n.follow = id
	return true
}

func (n *Npc) Following() uint32 {
	return n.follow
}

func (n *Npc) clearDestination() {
	n.dest = nil
	n.path = nil
}

// NextStep is asked once per tick by the world's movement pass.
func (n *Npc) NextStep() (world.Direction, world.MoveFlags, bool) {
	now := n.deps.Sim.Tick()
	if !n.cadenceReady(now) {
		return 0, 0, false
	}
	var (
		dir world.Direction
		ok  bool
	)
	switch {
	case n.follow != 0:
		dir, ok = n.followStep()
	case n.dest != nil:
		dir, ok = n.pathStep()
	default:
		dir, ok = n.randomStep()
	}
	if !ok {
		return 0, 0, false
	}
	n.markStep(now)
	return dir, n.moveFlags(), true
}

func (n *Npc) pathStep() (world.Direction, bool) {
	if len(n.path) == 0 {
		path, ok := n.deps.Sim.FindPath(n.pos, *n.dest, n.moveFlags())
		if !ok || len(path) == 0 {
			n.clearDestination()
			return 0, false
		}
		n.path = path
	}
	dir := n.path[0]
	if !n.tileAllows(n.pos.Step(dir)) {
		n.clearDestination()
		return 0, false
	}
	n.path = n.path[1:]
	if len(n.path) == 0 {
		n.dest = nil
	}
	return dir, true
}

func (n *Npc) followStep() (world.Direction, bool) {
	target, ok := n.deps.Sim.Creature(n.follow)
	if !ok || target.Position.Z != n.pos.Z {
		n.follow = 0
		return 0, false
	}
	if world.Distance(n.pos, target.Position) <= 1 {
		return 0, false
	}
	path, ok := n.deps.Sim.FindPath(n.pos, target.Position, n.moveFlags())
	if !ok || len(path) == 0 {
		return 0, false
	}
	if !n.tileAllows(n.pos.Step(path[0])) {
		return 0, false
	}
	return path[0], true
}

// randomStep tries the four straight directions in random order.
func (n *Npc) randomStep() (world.Direction, bool) {
	dirs := randomDirections
	n.rand.Shuffle(len(dirs), func(i, j int) { dirs[i], dirs[j] = dirs[j], dirs[i] })
	for _, d := range dirs {
		if n.canWalkTo(n.pos, d) {
			return d, true
		}
	}
	return 0, false
}

// canWalkTo applies the leash and then the terrain rules.
func (n *Npc) canWalkTo(from world.Position, dir world.Direction) bool {
	to := from.Step(dir)
	if n.masterRadius >= 0 {
		if to.Z != n.masterPos.Z || world.Distance(n.masterPos, to) > n.masterRadius {
			return false
		}
	}
	return n.tileAllows(to)
}

func (n *Npc) tileAllows(pos world.Position) bool {
	tile, ok := n.deps.Sim.Tile(pos)
	if !ok || !tile.Walkable || tile.Occupied {
		return false
	}
	if tile.FloorChange && !n.floorChange {
		return false
	}
	if tile.Height > 0 && !n.ignoreHeight {
		return false
	}
	return true
}
