package world

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"npc-server/internal/app/npc"
	"npc-server/internal/app/script"
	domainworld "npc-server/internal/domain/world"
	"npc-server/internal/platform/mq"
)

const (
	startingGold     = 100
	clientSendBuffer = 128
	persistTimeout   = 2 * time.Second
	playerMoveFlags  = domainworld.MoveIgnoreHeight | domainworld.MoveFloorChange
)

var (
	ErrNotJoined      = errors.New("player has not joined")
	ErrTileBlocked    = errors.New("tile is blocked")
	ErrNoTrade        = errors.New("no open trade with this npc")
	ErrNotForSale     = errors.New("item is not traded here")
	ErrNotEnoughGold  = errors.New("not enough gold")
	ErrNotEnoughItems = errors.New("not enough items")
)

// SaleRecorder persists completed sales.
type SaleRecorder interface {
	RecordSale(ctx context.Context, sale domainworld.SaleRecord) error
}

type Client struct {
	Conn      *websocket.Conn
	AccountID uuid.UUID
	Name      string
	PlayerID  uint32
	Send      chan []byte
}

type Options struct {
	ZoneID        string
	TickRate      int
	MapFile       string
	ThinkInterval time.Duration
	Definitions   npc.DefinitionSource
	ScriptDir     string
	LibraryFile   string
	CallTimeout   time.Duration
}

// TradeRequest is a player's buy or sell click in an open trade window.
type TradeRequest struct {
	ItemID      uint16 `json:"item_id"`
	Count       int    `json:"count"`
	Amount      int    `json:"amount"`
	IgnoreCap   bool   `json:"ignore_cap"`
	InBackpacks bool   `json:"in_backpacks"`
}

type playerRuntime struct {
	State domainworld.PlayerState
}

// snapshot copies the state so it can leave the lock.
func (p *playerRuntime) snapshot() domainworld.PlayerState {
	st := p.State
	st.Inventory = make(map[uint16]int, len(p.State.Inventory))
	for k, v := range p.State.Inventory {
		st.Inventory[k] = v
	}
	return st
}

// Service owns the zone: terrain, players and the NPC registry. Every NPC
// and script call happens with mu held.
type Service struct {
	logger        zerolog.Logger
	pub           mq.Publisher
	sales         SaleRecorder
	zoneID        string
	tickRate      int
	thinkInterval time.Duration
	thinkEvery    uint64

	mu         sync.RWMutex
	clients    map[*Client]struct{}
	players    map[uint32]*playerRuntime
	npcs       map[uint32]*npc.Npc
	spawns     []NPCSpawn
	worldMap   domainworld.TileMap
	tick       uint64
	quit       chan struct{}
	started    bool
	closed     bool
	rand       *rand.Rand
	nextPlayer uint32
	out        outbox

	env       *script.Environment
	defs      npc.DefinitionSource
	ids       *npc.IDSequence
	scriptDir string
}

func NewService(logger zerolog.Logger, pub mq.Publisher, sales SaleRecorder, opts Options) *Service {
	worldMap, spawns, err := loadWorldMap(opts.MapFile)
	if err != nil {
		logger.Warn().Err(err).Str("map_file", opts.MapFile).Msg("failed to load world map file, using fallback")
		worldMap, spawns = fallbackWorld()
	}
	if opts.TickRate <= 0 {
		opts.TickRate = 10
	}
	if opts.ThinkInterval <= 0 {
		opts.ThinkInterval = time.Second
	}
	thinkEvery := uint64(opts.ThinkInterval * time.Duration(opts.TickRate) / time.Second)
	if thinkEvery == 0 {
		thinkEvery = 1
	}

	s := &Service{
		logger:        logger,
		pub:           pub,
		sales:         sales,
		zoneID:        opts.ZoneID,
		tickRate:      opts.TickRate,
		thinkInterval: opts.ThinkInterval,
		thinkEvery:    thinkEvery,
		clients:       make(map[*Client]struct{}),
		players:       make(map[uint32]*playerRuntime),
		npcs:          make(map[uint32]*npc.Npc),
		spawns:        spawns,
		worldMap:      worldMap,
		quit:          make(chan struct{}),
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
		nextPlayer:    1,
		defs:          opts.Definitions,
		ids:           npc.NewIDSequence(npc.FirstID),
		scriptDir:     opts.ScriptDir,
	}
	s.env = script.NewEnvironment(logger, script.Options{CallTimeout: opts.CallTimeout})
	s.env.SetResolver(simView{s})
	if opts.LibraryFile != "" {
		if err := s.env.LoadLibrary(opts.LibraryFile); err != nil {
			logger.Warn().Err(err).Str("file", opts.LibraryFile).Msg("npc library not loaded")
		}
	}
	return s
}

func (s *Service) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	interval := time.Second / time.Duration(s.tickRate)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tickWorld()
			case <-s.quit:
				return
			}
		}
	}()
}

// Stop halts the ticker, disconnects every client and closes the script
// environment. The service cannot be restarted.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.started {
		s.started = false
		close(s.quit)
	}
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = map[*Client]struct{}{}
	s.players = map[uint32]*playerRuntime{}
	for _, c := range clients {
		close(c.Send)
	}
	s.env.Close()
	s.mu.Unlock()

	for _, c := range clients {
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	}
}

// update runs fn under the write lock and delivers whatever it queued once
// the lock is released.
func (s *Service) update(fn func()) {
	s.mu.Lock()
	fn()
	out := s.takeOutboxLocked()
	s.mu.Unlock()
	s.flush(out)
}

func (s *Service) RegisterClient(conn *websocket.Conn, accountID uuid.UUID, name string) *Client {
	c := &Client{Conn: conn, AccountID: accountID, Name: name, Send: make(chan []byte, clientSendBuffer)}
	s.mu.Lock()
	if s.closed {
		close(c.Send)
	} else {
		s.clients[c] = struct{}{}
	}
	s.mu.Unlock()
	return c
}

// UnregisterClient removes the client's player. Every NPC drops its focus,
// follow target and trade for that player before the lock is released.
func (s *Service) UnregisterClient(c *Client) {
	registered := false
	s.update(func() {
		if _, ok := s.clients[c]; !ok {
			return
		}
		registered = true
		delete(s.clients, c)
		close(c.Send)
		pr, ok := s.players[c.PlayerID]
		if !ok {
			return
		}
		delete(s.players, c.PlayerID)
		gone := playerCreature(pr.State)
		for _, id := range s.npcIDsLocked() {
			n, ok := s.npcs[id]
			if !ok {
				continue
			}
			if n.CanSee(gone.Position) {
				n.OnCreatureDisappear(gone, 0, true)
			} else {
				n.Forget(gone.ID)
			}
		}
		s.broadcastLocked(0, map[string]any{"type": "creature_disappeared", "creature_id": gone.ID})
		s.logger.Info().Uint32("player_id", gone.ID).Str("name", gone.Name).Msg("player left")
	})
	if !registered {
		return
	}
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// Join places the client's player near the map spawn.
func (s *Service) Join(c *Client) error {
	var err error
	s.update(func() {
		if c.PlayerID != 0 {
			return
		}
		spawn := domainworld.Position{X: s.worldMap.Spawn.X, Y: s.worldMap.Spawn.Y, Z: s.worldMap.Floor}
		pos, ok := s.freeTileNearLocked(spawn, playerMoveFlags)
		if !ok {
			err = ErrTileBlocked
			return
		}
		id := s.nextPlayer
		s.nextPlayer++
		c.PlayerID = id
		player := domainworld.PlayerState{
			ID:        id,
			AccountID: c.AccountID.String(),
			Name:      c.Name,
			Position:  pos,
			Direction: domainworld.South,
			Gold:      startingGold,
			Inventory: map[uint16]int{},
		}
		pr := &playerRuntime{State: player}
		s.players[id] = pr

		s.sendLocked(id, map[string]any{
			"type":    "welcome",
			"self_id": id,
			"player":  pr.snapshot(),
			"world":   s.worldStateLocked(),
		})
		appeared := playerCreature(player)
		s.broadcastLocked(id, map[string]any{"type": "creature_appeared", "creature": appeared})
		for _, nid := range s.npcIDsLocked() {
			if n, ok := s.npcs[nid]; ok && n.CanSee(pos) {
				n.OnCreatureAppear(appeared, true)
			}
		}
		s.logger.Info().Uint32("player_id", id).Str("name", player.Name).Msg("player joined")
	})
	return err
}

func (s *Service) Move(c *Client, dir domainworld.Direction) error {
	var err error
	s.update(func() {
		if _, ok := s.players[c.PlayerID]; !ok {
			err = ErrNotJoined
			return
		}
		if !s.moveCreatureLocked(c.PlayerID, dir, playerMoveFlags) {
			err = ErrTileBlocked
		}
	})
	return err
}

// Say speaks publicly, or privately to one NPC when npcID is set.
func (s *Service) Say(c *Client, text string, npcID uint32) error {
	var err error
	s.update(func() {
		if _, ok := s.players[c.PlayerID]; !ok {
			err = ErrNotJoined
			return
		}
		kind := domainworld.SpeakSay
		if npcID != 0 {
			kind = domainworld.SpeakPrivatePN
		}
		if !s.creatureSayLocked(c.PlayerID, kind, text, npcID) {
			err = npc.ErrNotFound
		}
	})
	return err
}

func (s *Service) CloseChannel(c *Client, npcID uint32) error {
	var err error
	s.update(func() {
		if _, ok := s.players[c.PlayerID]; !ok {
			err = ErrNotJoined
			return
		}
		n, ok := s.npcs[npcID]
		if !ok {
			err = npc.ErrNotFound
			return
		}
		n.OnPlayerCloseChannel(c.PlayerID)
	})
	return err
}

// ShopBuy hands a purchase to the NPC's buy callback; the script decides
// what to sell through doSellItem.
func (s *Service) ShopBuy(c *Client, npcID uint32, req TradeRequest) error {
	var err error
	s.update(func() {
		var n *npc.Npc
		if _, n, err = s.tradeLocked(c.PlayerID, npcID); err != nil {
			return
		}
		if !n.OnPlayerBuy(c.PlayerID, req.ItemID, req.Count, max(req.Amount, 1), req.IgnoreCap, req.InBackpacks) {
			err = ErrNotForSale
		}
	})
	return err
}

// ShopSell takes the items and pays the listed sell price before the NPC's
// sell callback runs. A window opened without a sell callback buys nothing.
func (s *Service) ShopSell(c *Client, npcID uint32, req TradeRequest) error {
	var err error
	s.update(func() {
		pr, n, tErr := s.tradeLocked(c.PlayerID, npcID)
		if tErr != nil {
			err = tErr
			return
		}
		if !n.CanSell(c.PlayerID) {
			err = ErrNotForSale
			return
		}
		items, _ := n.ShopItems(c.PlayerID)
		price := 0
		for _, it := range items {
			if it.ItemID == req.ItemID {
				price = it.SellPrice
				break
			}
		}
		if price <= 0 {
			err = ErrNotForSale
			return
		}
		amount := max(req.Amount, 1)
		if pr.State.Inventory[req.ItemID] < amount {
			err = ErrNotEnoughItems
			return
		}
		pr.State.Inventory[req.ItemID] -= amount
		if pr.State.Inventory[req.ItemID] == 0 {
			delete(pr.State.Inventory, req.ItemID)
		}
		pr.State.Gold += price * amount
		s.sendLocked(pr.State.ID, map[string]any{"type": "player_update", "player": pr.snapshot()})
		s.recordSaleLocked(n, pr.State, req.ItemID, amount, price, domainworld.SaleFromPlayer)
		n.OnPlayerSell(c.PlayerID, req.ItemID, req.Count, amount, req.IgnoreCap, req.InBackpacks)
	})
	return err
}

// ShopClose is the player closing the trade window.
func (s *Service) ShopClose(c *Client, npcID uint32) error {
	var err error
	s.update(func() {
		var pr *playerRuntime
		var n *npc.Npc
		if pr, n, err = s.tradeLocked(c.PlayerID, npcID); err != nil {
			return
		}
		pr.State.ShopOwner = 0
		n.OnPlayerEndTrade(c.PlayerID)
	})
	return err
}

func (s *Service) tradeLocked(playerID, npcID uint32) (*playerRuntime, *npc.Npc, error) {
	pr, ok := s.players[playerID]
	if !ok {
		return nil, nil, ErrNotJoined
	}
	n, ok := s.npcs[npcID]
	if !ok {
		return nil, nil, npc.ErrNotFound
	}
	if pr.State.ShopOwner != npcID {
		return nil, nil, ErrNoTrade
	}
	return pr, n, nil
}

func (s *Service) recordSaleLocked(n *npc.Npc, p domainworld.PlayerState, itemID uint16, count, price int, direction string) {
	rec := domainworld.SaleRecord{
		ID:        uuid.New(),
		ZoneID:    s.zoneID,
		NPCID:     n.ID(),
		NPCName:   n.Name(),
		PlayerID:  p.ID,
		AccountID: p.AccountID,
		ItemID:    itemID,
		Count:     count,
		UnitPrice: price,
		Total:     price * count,
		Direction: direction,
		CreatedAt: time.Now().UTC(),
	}
	s.out.sales = append(s.out.sales, rec)
	s.publishLocked("npc.shop.sale", rec)
}

func (s *Service) tickWorld() {
	s.update(func() {
		if s.closed {
			return
		}
		s.tick++
		ids := s.npcIDsLocked()
		if s.tick%s.thinkEvery == 0 {
			for _, id := range ids {
				if n, ok := s.npcs[id]; ok {
					n.OnThink(s.thinkInterval)
				}
			}
		}
		for _, id := range ids {
			n, ok := s.npcs[id]
			if !ok {
				continue
			}
			if dir, flags, ok := n.NextStep(); ok {
				s.moveCreatureLocked(id, dir, flags)
			}
		}
	})
}

func (s *Service) WorldState() domainworld.WorldState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worldStateLocked()
}

// Floor is the z level of the loaded map.
func (s *Service) Floor() int {
	return s.worldMap.Floor
}

func (s *Service) worldStateLocked() domainworld.WorldState {
	return domainworld.WorldState{
		Tick:    s.tick,
		ZoneID:  s.zoneID,
		Map:     s.worldMap,
		Players: s.playerStatesLocked(),
		NPCs:    s.npcStatesLocked(),
	}
}

func (s *Service) OnlinePlayers() []domainworld.PlayerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerStatesLocked()
}

func (s *Service) playerStatesLocked() []domainworld.PlayerState {
	players := make([]domainworld.PlayerState, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p.snapshot())
	}
	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })
	return players
}

func (s *Service) npcStatesLocked() []domainworld.NPCState {
	ids := s.npcIDsLocked()
	out := make([]domainworld.NPCState, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.npcs[id].State())
	}
	return out
}

func (s *Service) npcIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(s.npcs))
	for id := range s.npcs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func playerCreature(p domainworld.PlayerState) domainworld.CreatureState {
	return domainworld.CreatureState{
		ID:        p.ID,
		Name:      p.Name,
		Type:      domainworld.CreaturePlayer,
		Position:  p.Position,
		Direction: p.Direction,
	}
}

func npcCreature(n *npc.Npc) domainworld.CreatureState {
	return domainworld.CreatureState{
		ID:        n.ID(),
		Name:      n.Name(),
		Type:      domainworld.CreatureNPC,
		Position:  n.Position(),
		Direction: n.Direction(),
	}
}
