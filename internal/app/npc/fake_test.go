package npc

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"npc-server/internal/app/script"
	"npc-server/internal/domain/world"
)

type said struct {
	from uint32
	kind world.SpeakType
	text string
	to   uint32
}

type moved struct {
	id  uint32
	dir world.Direction
}

// fakeSim is an open 20x20 field on the default floor.
type fakeSim struct {
	tick      uint64
	creatures map[uint32]world.CreatureState
	tiles     map[world.Position]world.TileInfo
	npcs      map[uint32]*Npc
	noPath    bool

	moves  []moved
	turns  []world.Direction
	says   []said
	opened map[uint32]uint32
	closes []uint32
	sales  []world.Sale
}

func newFakeSim() *fakeSim {
	return &fakeSim{
		tick:      1,
		creatures: map[uint32]world.CreatureState{},
		tiles:     map[world.Position]world.TileInfo{},
		npcs:      map[uint32]*Npc{},
		opened:    map[uint32]uint32{},
	}
}

func (s *fakeSim) Tick() uint64 { return s.tick }

func (s *fakeSim) Creature(id uint32) (world.CreatureState, bool) {
	if n, ok := s.npcs[id]; ok {
		return world.CreatureState{ID: id, Name: n.Name(), Type: world.CreatureNPC, Position: n.Position()}, true
	}
	c, ok := s.creatures[id]
	return c, ok
}

func (s *fakeSim) Tile(pos world.Position) (world.TileInfo, bool) {
	if t, ok := s.tiles[pos]; ok {
		return t, true
	}
	if pos.X < 0 || pos.Y < 0 || pos.X >= 20 || pos.Y >= 20 || pos.Z != world.DefaultFloor {
		return world.TileInfo{}, false
	}
	return world.TileInfo{Type: world.TileGrass, Walkable: true}, true
}

func (s *fakeSim) FindPath(from, to world.Position, _ world.MoveFlags) ([]world.Direction, bool) {
	if s.noPath {
		return nil, false
	}
	var path []world.Direction
	for from != to && len(path) < 64 {
		d := world.DirectionTo(from, to)
		path = append(path, d)
		from = from.Step(d)
	}
	return path, true
}

func (s *fakeSim) MoveCreature(id uint32, dir world.Direction, _ world.MoveFlags) bool {
	s.moves = append(s.moves, moved{id: id, dir: dir})
	if n, ok := s.npcs[id]; ok {
		n.SetPosition(n.Position().Step(dir))
	}
	return true
}

func (s *fakeSim) TurnCreature(id uint32, dir world.Direction) {
	s.turns = append(s.turns, dir)
	if n, ok := s.npcs[id]; ok {
		n.SetDirection(dir)
	}
}

func (s *fakeSim) CreatureSay(id uint32, kind world.SpeakType, text string, to uint32) bool {
	s.says = append(s.says, said{from: id, kind: kind, text: text, to: to})
	return true
}

func (s *fakeSim) OpenShopWindow(player, npc uint32, _ []world.ShopItem) bool {
	s.opened[player] = npc
	return true
}

func (s *fakeSim) CloseShopWindow(player, _ uint32) {
	delete(s.opened, player)
	s.closes = append(s.closes, player)
}

func (s *fakeSim) SellItem(player, _ uint32, sale world.Sale) (int, error) {
	if _, ok := s.creatures[player]; !ok {
		return 0, errors.New("player gone")
	}
	s.sales = append(s.sales, sale)
	return sale.Count, nil
}

func (s *fakeSim) LookupNPC(id uint32) (script.NPC, bool) {
	n, ok := s.npcs[id]
	if !ok {
		return nil, false
	}
	return n, true
}

func (s *fakeSim) texts() []string {
	out := make([]string, 0, len(s.says))
	for _, m := range s.says {
		out = append(out, m.text)
	}
	return out
}

func (s *fakeSim) addPlayer(id uint32, pos world.Position) world.CreatureState {
	c := world.CreatureState{ID: id, Name: "Player", Type: world.CreaturePlayer, Position: pos}
	s.creatures[id] = c
	return c
}

type fakeDefs map[string]Definition

func (d fakeDefs) Definition(_ context.Context, key string) (Definition, error) {
	def, ok := d[key]
	if !ok {
		return Definition{}, ErrDefinition
	}
	return def, nil
}

type harness struct {
	t    *testing.T
	sim  *fakeSim
	env  *script.Environment
	defs fakeDefs
	dir  string
	deps Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, script.Options{})
}

func newHarnessWith(t *testing.T, opts script.Options) *harness {
	t.Helper()
	sim := newFakeSim()
	env := script.NewEnvironment(zerolog.Nop(), opts)
	env.SetResolver(sim)
	t.Cleanup(env.Close)
	h := &harness{t: t, sim: sim, env: env, defs: fakeDefs{}, dir: t.TempDir()}
	h.deps = Deps{
		Sim:         sim,
		Env:         env,
		Definitions: h.defs,
		IDs:         NewIDSequence(FirstID),
		ScriptDir:   h.dir,
		Logger:      zerolog.Nop(),
		Rand:        rand.New(rand.NewSource(7)),
	}
	return h
}

func (h *harness) writeScript(name, src string) string {
	h.t.Helper()
	require.NoError(h.t, os.WriteFile(filepath.Join(h.dir, name), []byte(src), 0o644))
	return name
}

// spawn creates, registers and places an NPC at (10, 10).
func (h *harness) spawn(key string, def Definition) *Npc {
	h.t.Helper()
	if def.Name == "" {
		def.Name = key
	}
	h.defs[key] = def
	n, err := Create(context.Background(), key, h.deps)
	require.NoError(h.t, err)
	h.sim.npcs[n.ID()] = n
	n.SetPosition(world.Position{X: 10, Y: 10, Z: world.DefaultFloor})
	return n
}

func (h *harness) player(id uint32, x, y int) world.CreatureState {
	return h.sim.addPlayer(id, world.Position{X: x, Y: y, Z: world.DefaultFloor})
}

func uint32p(v uint32) *uint32 { return &v }

func intp(v int) *int { return &v }

func boolp(v bool) *bool { return &v }
