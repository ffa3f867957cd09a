package npc

import (
	"sync/atomic"

	"npc-server/internal/domain/world"
)

// Simulation is the part of the world an NPC reads and commands. Every call
// happens on the world's tick goroutine with the world already locked.
type Simulation interface {
	Tick() uint64
	Creature(id uint32) (world.CreatureState, bool)
	Tile(pos world.Position) (world.TileInfo, bool)
	FindPath(from, to world.Position, flags world.MoveFlags) ([]world.Direction, bool)
	MoveCreature(id uint32, dir world.Direction, flags world.MoveFlags) bool
	TurnCreature(id uint32, dir world.Direction)
	CreatureSay(id uint32, kind world.SpeakType, text string, to uint32) bool
	OpenShopWindow(player, npc uint32, items []world.ShopItem) bool
	CloseShopWindow(player, npc uint32)
	SellItem(player, npc uint32, sale world.Sale) (int, error)
}

// FirstID is where NPC ids start; players and NPCs never share a range.
const FirstID uint32 = 0x80000000

type IDSequence struct {
	next atomic.Uint32
}

func NewIDSequence(first uint32) *IDSequence {
	s := &IDSequence{}
	s.next.Store(first)
	return s
}

func (s *IDSequence) Next() uint32 {
	return s.next.Add(1) - 1
}
