package npc

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"npc-server/internal/app/script"
	"npc-server/internal/domain/world"
)

var _ script.NPC = (*Npc)(nil)

// viewRange is how far an NPC notices things around it, per axis.
const viewRange = 3

// ImmunityKind covers both combat and condition types; NPCs answer the same
// for all of them.
type ImmunityKind uint32

type Deps struct {
	Sim         Simulation
	Env         *script.Environment
	Definitions DefinitionSource
	IDs         *IDSequence
	ScriptDir   string
	Logger      zerolog.Logger
	Rand        *rand.Rand
}

type Npc struct {
	deps   Deps
	logger zerolog.Logger
	rand   *rand.Rand

	id  uint32
	key string
	profile

	pos          world.Position
	dir          world.Direction
	masterPos    world.Position
	masterRadius int

	focus    uint32
	follow   uint32
	dest     *world.Position
	path     []world.Direction
	lastStep uint64
	stepped  bool

	loaded bool
	events *Events
	shop   map[uint32]*shopSession
}

// New builds an unloaded NPC for definition key and assigns its id.
func New(key string, deps Deps) *Npc {
	n := &Npc{
		deps:         deps,
		key:          key,
		profile:      defaultProfile(key),
		masterRadius: -1,
		shop:         map[uint32]*shopSession{},
		rand:         deps.Rand,
	}
	if n.rand == nil {
		n.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	n.id = deps.IDs.Next()
	n.logger = deps.Logger.With().Uint32("npc_id", n.id).Str("npc", key).Logger()
	n.events = &Events{npcID: n.id, logger: n.logger}
	return n
}

// Create is New followed by Load. A definition error means no NPC.
func Create(ctx context.Context, key string, deps Deps) (*Npc, error) {
	n := New(key, deps)
	if err := n.Load(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Npc) Load(ctx context.Context) error {
	if n.loaded {
		return nil
	}
	def, err := n.deps.Definitions.Definition(ctx, n.key)
	if err != nil {
		return fmt.Errorf("load npc %q: %w", n.key, err)
	}
	n.profile = newProfile(def)
	n.events = n.buildEvents()
	n.loaded = true
	if !n.events.Loaded() && n.script != "" {
		n.logger.Warn().Msg("npc loaded without behavior")
	}
	return nil
}

// Reload re-reads definition and script. Nothing changes unless both parse;
// on success open trades are closed and the new script sees the NPC appear.
func (n *Npc) Reload(ctx context.Context) error {
	def, err := n.deps.Definitions.Definition(ctx, n.key)
	if err != nil {
		return fmt.Errorf("reload npc %q: %w", n.key, err)
	}
	prev := n.profile
	n.profile = newProfile(def)
	events := n.buildEvents()
	if n.script != "" && !events.Loaded() {
		n.profile = prev
		return fmt.Errorf("reload npc %q: %w", n.key, ErrScriptNotLoaded)
	}
	next := n.profile
	n.profile = prev
	n.closeAllShopWindows()
	n.events.release()

	n.profile = next
	n.events = events
	n.loaded = true
	n.focus = 0
	n.follow = 0
	n.clearDestination()
	n.events.OnCreatureAppear(n.id)
	n.logger.Info().Strs("handlers", events.Declared()).Msg("npc reloaded")
	return nil
}

// Remove tears the NPC down after the world dropped it from the registry.
func (n *Npc) Remove() {
	if n.loaded {
		n.closeAllShopWindows()
	}
	n.events.release()
	n.loaded = false
	n.focus = 0
	n.follow = 0
	n.clearDestination()
}

func (n *Npc) buildEvents() *Events {
	file := n.script
	if file != "" && !filepath.IsAbs(file) {
		file = filepath.Join(n.deps.ScriptDir, file)
	}
	return newEvents(n.deps.Env, file, n, n.logger)
}

func (n *Npc) ID() uint32 {
	return n.id
}

func (n *Npc) Key() string {
	return n.key
}

func (n *Npc) Name() string {
	return n.name
}

// IsLoaded reports whether the behavior script parsed.
func (n *Npc) IsLoaded() bool {
	return n.loaded && n.events.Loaded()
}

func (n *Npc) Handlers() []string {
	return n.events.Declared()
}

func (n *Npc) Parameter(key string) (string, bool) {
	v, ok := n.params[key]
	return v, ok
}

func (n *Npc) Type() world.CreatureType {
	return world.CreatureNPC
}

func (n *Npc) SpeechBubble() SpeechBubble {
	return n.speechBubble
}

func (n *Npc) SetSpeechBubble(b SpeechBubble) {
	n.speechBubble = b
}

func (n *Npc) Look() Look {
	return n.look
}

func (n *Npc) IsPushable() bool {
	return n.walkTicks > 0
}

func (n *Npc) IsAttackable() bool {
	return n.attackable
}

func (n *Npc) IsImmune(ImmunityKind) bool {
	return !n.attackable
}

func (n *Npc) Description(lookDistance int) string {
	return n.name + "."
}

func (n *Npc) Position() world.Position {
	return n.pos
}

// SetPosition is called by the world once it has placed or moved the NPC.
func (n *Npc) SetPosition(pos world.Position) {
	n.pos = pos
}

func (n *Npc) Direction() world.Direction {
	return n.dir
}

func (n *Npc) SetDirection(dir world.Direction) {
	n.dir = dir
}

func (n *Npc) MasterPos() world.Position {
	return n.masterPos
}

// MasterRadius is -1 while the NPC is unleashed.
func (n *Npc) MasterRadius() int {
	return n.masterRadius
}

// WalkRadius is the leash the definition asks for, -1 if none.
func (n *Npc) WalkRadius() int {
	return n.walkRadius
}

// SetMasterPos moves the leash anchor. The radius only takes the first time.
func (n *Npc) SetMasterPos(pos world.Position, radius int) {
	n.masterPos = pos
	if n.masterRadius == -1 {
		n.masterRadius = radius
	}
}

func (n *Npc) CanSee(pos world.Position) bool {
	if pos.Z != n.pos.Z {
		return false
	}
	return pos.X >= n.pos.X-viewRange && pos.X <= n.pos.X+viewRange &&
		pos.Y >= n.pos.Y-viewRange && pos.Y <= n.pos.Y+viewRange
}

func (n *Npc) Focus() uint32 {
	return n.focus
}

// SetCreatureFocus focuses a live creature and turns towards it; 0 clears.
func (n *Npc) SetCreatureFocus(id uint32) bool {
	if id == 0 {
		n.focus = 0
		return true
	}
	c, ok := n.deps.Sim.Creature(id)
	if !ok {
		return false
	}
	n.focus = id
	n.turnTowards(c.Position)
	return true
}

func (n *Npc) TurnToCreature(id uint32) bool {
	c, ok := n.deps.Sim.Creature(id)
	if !ok {
		return false
	}
	n.turnTowards(c.Position)
	return true
}

// turnTowards faces the dominant axis towards pos.
func (n *Npc) turnTowards(pos world.Position) {
	dx := n.pos.X - pos.X
	dy := n.pos.Y - pos.Y
	var dir world.Direction
	if abs(dy) < abs(dx) {
		if dx > 0 {
			dir = world.West
		} else {
			dir = world.East
		}
	} else {
		if dy > 0 {
			dir = world.North
		} else {
			dir = world.South
		}
	}
	n.DoTurn(dir)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (n *Npc) DistanceTo(id uint32) (int, bool) {
	c, ok := n.deps.Sim.Creature(id)
	if !ok || c.Position.Z != n.pos.Z {
		return 0, false
	}
	return world.Distance(n.pos, c.Position), true
}

func (n *Npc) DoSay(text string) {
	n.deps.Sim.CreatureSay(n.id, world.SpeakSay, text, 0)
}

func (n *Npc) DoSayToPlayer(player uint32, text string) bool {
	c, ok := n.deps.Sim.Creature(player)
	if !ok || c.Type != world.CreaturePlayer {
		return false
	}
	return n.deps.Sim.CreatureSay(n.id, world.SpeakPrivateNP, text, player)
}

func (n *Npc) DoTurn(dir world.Direction) {
	if !dir.Valid() {
		return
	}
	n.deps.Sim.TurnCreature(n.id, dir)
}

// OnCreatureAppear forwards arrivals of players and of the NPC itself.
func (n *Npc) OnCreatureAppear(c world.CreatureState, isLogin bool) {
	if !n.loaded {
		return
	}
	if c.ID == n.id || c.Type == world.CreaturePlayer {
		n.events.OnCreatureAppear(c.ID)
	}
}

// OnCreatureDisappear prunes every reference to c before the script hears
// about it, loaded or not.
func (n *Npc) OnCreatureDisappear(c world.CreatureState, stackpos int, isLogout bool) {
	if c.ID == n.id {
		if n.loaded {
			n.closeAllShopWindows()
		}
	} else {
		n.forget(c.ID)
	}
	if !n.loaded {
		return
	}
	if c.ID == n.id || c.Type == world.CreaturePlayer {
		n.events.OnCreatureDisappear(c.ID)
	}
}

// Forget drops every reference to a creature that left without the NPC
// seeing it go. The script is not told.
func (n *Npc) Forget(id uint32) {
	n.forget(id)
}

// forget drops focus, follow target and shop membership pointing at id.
func (n *Npc) forget(id uint32) {
	if n.focus == id {
		n.focus = 0
	}
	if n.follow == id {
		n.follow = 0
	}
	n.removeShopPlayer(id)
}

func (n *Npc) OnCreatureMove(c world.CreatureState, newPos, oldPos world.Position, teleport bool) {
	if !n.loaded {
		return
	}
	if c.ID == n.id || c.Type == world.CreaturePlayer {
		n.events.OnCreatureMove(c.ID, oldPos, newPos)
	}
}

func (n *Npc) OnCreatureSay(c world.CreatureState, kind world.SpeakType, text string) {
	if !n.loaded || c.ID == n.id || c.Type != world.CreaturePlayer {
		return
	}
	n.events.OnCreatureSay(c.ID, kind, text)
}

func (n *Npc) OnThink(interval time.Duration) {
	if !n.loaded {
		return
	}
	n.events.OnThink()
}

// State is the read model served by the API.
func (n *Npc) State() world.NPCState {
	params := make(map[string]string, len(n.params))
	for k, v := range n.params {
		params[k] = v
	}
	return world.NPCState{
		ID:           n.id,
		Key:          n.key,
		Name:         n.name,
		Position:     n.pos,
		Direction:    n.dir,
		MasterPos:    n.masterPos,
		MasterRadius: n.masterRadius,
		SpeechBubble: uint8(n.speechBubble),
		Focus:        n.focus,
		Loaded:       n.IsLoaded(),
		ShopPlayers:  n.ShopPlayers(),
		Handlers:     n.Handlers(),
		Parameters:   params,
	}
}

func sortedIDs(m map[uint32]*shopSession) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
