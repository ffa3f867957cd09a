package world

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TileType string

const (
	TileGrass  TileType = "grass"
	TileWater  TileType = "water"
	TileWall   TileType = "wall"
	TileForest TileType = "forest"
	TileHill   TileType = "hill"
	TileStairs TileType = "stairs"
)

// DefaultFloor is the ground floor every single-layer map lives on.
const DefaultFloor = 7

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%d, %d, %d)", p.X, p.Y, p.Z)
}

// Step returns the neighbouring position in direction d.
func (p Position) Step(d Direction) Position {
	switch d {
	case North:
		p.Y--
	case South:
		p.Y++
	case East:
		p.X++
	case West:
		p.X--
	case NorthEast:
		p.X++
		p.Y--
	case NorthWest:
		p.X--
		p.Y--
	case SouthEast:
		p.X++
		p.Y++
	case SouthWest:
		p.X--
		p.Y++
	}
	return p
}

// Distance is the Chebyshev distance on the same plane; floors are ignored.
func Distance(a, b Position) int {
	dx := abs(a.X - b.X)
	dy := abs(a.Y - b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type Direction uint8

const (
	North Direction = iota
	East
	South
	West
	SouthWest
	SouthEast
	NorthWest
	NorthEast
)

var directionNames = [...]string{"north", "east", "south", "west", "southwest", "southeast", "northwest", "northeast"}

func (d Direction) Valid() bool {
	return d <= NorthEast
}

func (d Direction) String() string {
	if !d.Valid() {
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
	return directionNames[d]
}

func ParseDirection(s string) (Direction, bool) {
	for i, name := range directionNames {
		if name == s {
			return Direction(i), true
		}
	}
	return 0, false
}

// DirectionTo picks the step that brings from closer to to.
func DirectionTo(from, to Position) Direction {
	dx := to.X - from.X
	dy := to.Y - from.Y
	switch {
	case dx > 0 && dy < 0:
		return NorthEast
	case dx < 0 && dy < 0:
		return NorthWest
	case dx > 0 && dy > 0:
		return SouthEast
	case dx < 0 && dy > 0:
		return SouthWest
	case dx > 0:
		return East
	case dx < 0:
		return West
	case dy > 0:
		return South
	default:
		return North
	}
}

// MoveFlags travel with a step so the simulation validates it the same way
// the creature did.
type MoveFlags uint32

const (
	MoveIgnoreHeight MoveFlags = 1 << iota
	MoveFloorChange
)

type SpeakType uint8

const (
	SpeakSay SpeakType = iota + 1
	SpeakWhisper
	SpeakYell
	SpeakPrivatePN
	SpeakPrivateNP
)

type CreatureType uint8

const (
	CreaturePlayer CreatureType = iota
	CreatureMonster
	CreatureNPC
)

func (t CreatureType) String() string {
	switch t {
	case CreaturePlayer:
		return "player"
	case CreatureMonster:
		return "monster"
	case CreatureNPC:
		return "npc"
	}
	return "unknown"
}

// CreatureState is the read-only view of any live creature.
type CreatureState struct {
	ID        uint32       `json:"id"`
	Name      string       `json:"name"`
	Type      CreatureType `json:"type"`
	Position  Position     `json:"position"`
	Direction Direction    `json:"direction"`
}

// TileInfo is what the terrain reports about one square.
type TileInfo struct {
	Type        TileType `json:"type"`
	Walkable    bool     `json:"walkable"`
	Height      int      `json:"height"`
	FloorChange bool     `json:"floor_change"`
	Occupied    bool     `json:"occupied"`
}

// Info describes the terrain of a tile type; occupancy is filled in by the map
// owner.
func (t TileType) Info() TileInfo {
	info := TileInfo{Type: t}
	switch t {
	case TileGrass, TileForest:
		info.Walkable = true
	case TileHill:
		info.Walkable = true
		info.Height = 1
	case TileStairs:
		info.Walkable = true
		info.FloorChange = true
	}
	return info
}

type SpawnPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type TileMap struct {
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Floor  int          `json:"floor"`
	Spawn  SpawnPoint   `json:"spawn"`
	Tiles  [][]TileType `json:"tiles"`
}

// At returns the tile type at pos, or false outside the map.
func (m TileMap) At(pos Position) (TileType, bool) {
	if pos.Z != m.Floor || pos.X < 0 || pos.Y < 0 || pos.X >= m.Width || pos.Y >= m.Height {
		return "", false
	}
	return m.Tiles[pos.Y][pos.X], true
}

type PlayerState struct {
	ID        uint32         `json:"id"`
	AccountID string         `json:"account_id"`
	Name      string         `json:"name"`
	Position  Position       `json:"position"`
	Direction Direction      `json:"direction"`
	Gold      int            `json:"gold"`
	Inventory map[uint16]int `json:"inventory"`
	ShopOwner uint32         `json:"shop_owner,omitempty"`
}

type ShopItem struct {
	ItemID    uint16 `json:"item_id"`
	SubType   int    `json:"sub_type"`
	BuyPrice  int    `json:"buy_price"`
	SellPrice int    `json:"sell_price"`
	Name      string `json:"name"`
}

type NPCState struct {
	ID           uint32            `json:"id"`
	Key          string            `json:"key"`
	Name         string            `json:"name"`
	Position     Position          `json:"position"`
	Direction    Direction         `json:"direction"`
	MasterPos    Position          `json:"master_pos"`
	MasterRadius int               `json:"master_radius"`
	SpeechBubble uint8             `json:"speech_bubble"`
	Focus        uint32            `json:"focus"`
	Loaded       bool              `json:"loaded"`
	ShopPlayers  []uint32          `json:"shop_players"`
	Handlers     []string          `json:"handlers,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
}

type WorldState struct {
	Tick    uint64        `json:"tick"`
	ZoneID  string        `json:"zone_id"`
	Map     TileMap       `json:"map"`
	Players []PlayerState `json:"players"`
	NPCs    []NPCState    `json:"npcs"`
}

// Sale is one NPC-to-player item sale requested by a script.
type Sale struct {
	ItemID      uint16 `json:"item_id"`
	Count       int    `json:"count"`
	SubType     int    `json:"sub_type"`
	Price       int    `json:"price"`
	IgnoreCap   bool   `json:"ignore_cap"`
	InBackpacks bool   `json:"in_backpacks"`
}

// SaleRecord is a completed sale as kept in the ledger.
type SaleRecord struct {
	ID        uuid.UUID `json:"id"`
	ZoneID    string    `json:"zone_id"`
	NPCID     uint32    `json:"npc_id"`
	NPCName   string    `json:"npc_name"`
	PlayerID  uint32    `json:"player_id"`
	AccountID string    `json:"account_id"`
	ItemID    uint16    `json:"item_id"`
	Count     int       `json:"count"`
	UnitPrice int       `json:"unit_price"`
	Total     int       `json:"total"`
	Direction string    `json:"direction"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	SaleToPlayer   = "npc_to_player"
	SaleFromPlayer = "player_to_npc"
)
