package world

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"npc-server/internal/app/npc"
	domainworld "npc-server/internal/domain/world"
	"npc-server/internal/platform/mq"
)

const (
	dataDir = "../../../data"
	mapFile = dataDir + "/maps/starter-zone.json"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type saleRecorder struct {
	sales chan domainworld.SaleRecord
}

func (r saleRecorder) RecordSale(_ context.Context, sale domainworld.SaleRecord) error {
	r.sales <- sale
	return nil
}

func (r saleRecorder) next(t *testing.T) domainworld.SaleRecord {
	t.Helper()
	select {
	case sale := <-r.sales:
		return sale
	case <-time.After(2 * time.Second):
		t.Fatalf("sale was not recorded")
	}
	return domainworld.SaleRecord{}
}

func publisher(pub *recordingPublisher) mq.Publisher {
	if pub == nil {
		return nil
	}
	return pub
}

func newDataService(t *testing.T, pub *recordingPublisher, sales SaleRecorder) *Service {
	t.Helper()
	svc := NewService(zerolog.Nop(), publisher(pub), sales, Options{
		ZoneID:        "starter-zone",
		TickRate:      10,
		MapFile:       mapFile,
		ThinkInterval: time.Second,
		Definitions:   npc.NewStore(dataDir+"/npcs", nil, 0),
		ScriptDir:     dataDir + "/npcs/scripts",
		LibraryFile:   dataDir + "/npcs/lib/npc.lua",
	})
	t.Cleanup(svc.Stop)
	return svc
}

// newTempService serves definitions and scripts written to a temp dir.
func newTempService(t *testing.T, pub *recordingPublisher, files map[string]string) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	svc := NewService(zerolog.Nop(), publisher(pub), nil, Options{
		ZoneID:        "starter-zone",
		TickRate:      10,
		MapFile:       mapFile,
		ThinkInterval: 500 * time.Millisecond,
		Definitions:   npc.NewStore(dir, nil, 0),
		ScriptDir:     dir,
	})
	t.Cleanup(svc.Stop)
	return svc, dir
}

func join(t *testing.T, svc *Service, name string) *Client {
	t.Helper()
	c := svc.RegisterClient(nil, uuid.New(), name)
	if err := svc.Join(c); err != nil {
		t.Fatalf("join: %v", err)
	}
	return c
}

func drain(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case b, ok := <-c.Send:
			if !ok {
				return out
			}
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("unmarshal message: %v", err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func ofType(msgs []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func playerState(t *testing.T, svc *Service, id uint32) domainworld.PlayerState {
	t.Helper()
	for _, p := range svc.OnlinePlayers() {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("player %d not online", id)
	return domainworld.PlayerState{}
}

func TestJoinMoveAndCollision(t *testing.T) {
	svc := newDataService(t, nil, nil)
	client := join(t, svc, "Aria")

	msgs := drain(t, client)
	if len(msgs) == 0 || msgs[0]["type"] != "welcome" {
		t.Fatalf("expected welcome first, got %v", msgs)
	}

	before := playerState(t, svc, client.PlayerID)
	if err := svc.Move(client, domainworld.West); err != nil {
		t.Fatalf("move: %v", err)
	}
	after := playerState(t, svc, client.PlayerID)
	if after.Position.X != before.Position.X-1 {
		t.Fatalf("expected x to drop by one; before=%v after=%v", before.Position, after.Position)
	}

	var blocked bool
	for i := 0; i < 20; i++ {
		if err := svc.Move(client, domainworld.West); errors.Is(err, ErrTileBlocked) {
			blocked = true
		}
	}
	afterWall := playerState(t, svc, client.PlayerID)
	if !blocked || afterWall.Position.X != 1 {
		t.Fatalf("expected wall collision at x=1, got %v (blocked=%v)", afterWall.Position, blocked)
	}
}

func TestMoveBeforeJoin(t *testing.T) {
	svc := newDataService(t, nil, nil)
	c := svc.RegisterClient(nil, uuid.New(), "Ghost")
	if err := svc.Move(c, domainworld.North); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestStarterZoneNPCsLoad(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newDataService(t, pub, nil)

	if n := svc.SpawnMapNPCs(context.Background()); n != 4 {
		t.Fatalf("expected 4 npcs spawned, got %d", n)
	}
	for _, n := range svc.NPCs() {
		if !n.Loaded {
			t.Fatalf("npc %s (%s) did not load its script", n.Name, n.Key)
		}
	}
	if got := pub.count("npc.spawned"); got != 4 {
		t.Fatalf("expected 4 spawn events, got %d", got)
	}
}

func TestMerchantConversationAndTrade(t *testing.T) {
	sales := saleRecorder{sales: make(chan domainworld.SaleRecord, 4)}
	svc := newDataService(t, &recordingPublisher{}, sales)
	ctx := context.Background()

	client := join(t, svc, "Aria")
	player := playerState(t, svc, client.PlayerID)
	at := player.Position
	at.X++
	merchant, err := svc.SpawnNPC(ctx, "merchant", &at)
	if err != nil {
		t.Fatalf("spawn merchant: %v", err)
	}
	drain(t, client)

	if err := svc.ShopBuy(client, merchant.ID, TradeRequest{ItemID: 2120, Amount: 1}); !errors.Is(err, ErrNoTrade) {
		t.Fatalf("expected ErrNoTrade before trade opens, got %v", err)
	}

	if err := svc.Say(client, "hi", 0); err != nil {
		t.Fatalf("say: %v", err)
	}
	var greeted bool
	for _, m := range ofType(drain(t, client), "creature_say") {
		if m["creature_id"] == float64(merchant.ID) && m["text"] == "Welcome to my shop, traveller. Ask me for a trade." {
			greeted = true
		}
	}
	if !greeted {
		t.Fatalf("merchant did not greet")
	}
	if st, _ := svc.NPC(merchant.ID); st.Focus != client.PlayerID {
		t.Fatalf("expected merchant to focus player, got %d", st.Focus)
	}

	if err := svc.Say(client, "trade", 0); err != nil {
		t.Fatalf("say trade: %v", err)
	}
	if opened := ofType(drain(t, client), "shop_open"); len(opened) != 1 {
		t.Fatalf("expected one shop_open, got %d", len(opened))
	}

	if err := svc.ShopBuy(client, merchant.ID, TradeRequest{ItemID: 2120, Count: 1, Amount: 1}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	bought := playerState(t, svc, client.PlayerID)
	if bought.Gold != startingGold-50 || bought.Inventory[2120] != 1 {
		t.Fatalf("unexpected player after buy: gold=%d inventory=%v", bought.Gold, bought.Inventory)
	}
	if sale := sales.next(t); sale.Direction != domainworld.SaleToPlayer || sale.Total != 50 || sale.NPCName != "Rurik" {
		t.Fatalf("unexpected sale record: %+v", sale)
	}

	if err := svc.ShopBuy(client, merchant.ID, TradeRequest{ItemID: 2580, Count: 1, Amount: 1}); err != nil {
		t.Fatalf("buy rod: %v", err)
	}
	if p := playerState(t, svc, client.PlayerID); p.Inventory[2580] != 0 || p.Gold != startingGold-50 {
		t.Fatalf("expected unaffordable purchase to be refused, got %+v", p)
	}

	if err := svc.ShopSell(client, merchant.ID, TradeRequest{ItemID: 2120, Amount: 1}); err != nil {
		t.Fatalf("sell: %v", err)
	}
	sold := playerState(t, svc, client.PlayerID)
	if sold.Gold != startingGold-40 || sold.Inventory[2120] != 0 {
		t.Fatalf("unexpected player after sell: gold=%d inventory=%v", sold.Gold, sold.Inventory)
	}
	if sale := sales.next(t); sale.Direction != domainworld.SaleFromPlayer || sale.Total != 10 {
		t.Fatalf("unexpected sale record: %+v", sale)
	}
	if err := svc.ShopSell(client, merchant.ID, TradeRequest{ItemID: 2120, Amount: 1}); !errors.Is(err, ErrNotEnoughItems) {
		t.Fatalf("expected ErrNotEnoughItems, got %v", err)
	}

	if err := svc.CloseChannel(client, merchant.ID); err != nil {
		t.Fatalf("close channel: %v", err)
	}
	if closed := ofType(drain(t, client), "shop_close"); len(closed) != 1 {
		t.Fatalf("expected exactly one shop_close, got %d", len(closed))
	}
	st, _ := svc.NPC(merchant.ID)
	if len(st.ShopPlayers) != 0 || st.Focus != 0 {
		t.Fatalf("expected merchant to drop the player, got %+v", st)
	}
	if playerState(t, svc, client.PlayerID).ShopOwner != 0 {
		t.Fatalf("expected player trade window closed")
	}
}

const stallScript = `
function onCreatureSay(cid, type, msg)
	if msg == "trade" then
		openShopWindow(cid, {{id = 7, buy = 10, sell = 5, name = "gem"}},
			function(cid, itemid, count, amount) doSellItem(cid, itemid, amount, 10) end,
			function(cid, itemid, count, amount) end)
	end
end

function onPlayerEndTrade(cid)
	selfSay("farewell")
end
`

func TestOpeningSecondShopEndsFirstTrade(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTempService(t, pub, map[string]string{
		"stall.yaml": "name: Stall\nscript: stall.lua\nwalk_ticks: 0\n",
		"stall.lua":  stallScript,
	})
	ctx := context.Background()
	client := join(t, svc, "Aria")
	first, err := svc.SpawnNPC(ctx, "stall", nil)
	if err != nil {
		t.Fatalf("spawn first stall: %v", err)
	}
	second, err := svc.SpawnNPC(ctx, "stall", nil)
	if err != nil {
		t.Fatalf("spawn second stall: %v", err)
	}
	drain(t, client)

	if err := svc.Say(client, "trade", 0); err != nil {
		t.Fatalf("say trade: %v", err)
	}
	msgs := drain(t, client)
	if opened := ofType(msgs, "shop_open"); len(opened) != 2 {
		t.Fatalf("expected both stalls to open a window, got %d", len(opened))
	}
	owner := playerState(t, svc, client.PlayerID).ShopOwner
	if owner != first.ID && owner != second.ID {
		t.Fatalf("unexpected shop owner %d", owner)
	}
	replaced := first.ID
	if owner == first.ID {
		replaced = second.ID
	}
	closed := ofType(msgs, "shop_close")
	if len(closed) != 1 || closed[0]["npc_id"] != float64(replaced) {
		t.Fatalf("expected one shop_close for stall %d, got %v", replaced, closed)
	}
	if st, _ := svc.NPC(replaced); len(st.ShopPlayers) != 0 {
		t.Fatalf("replaced stall still tracks %v", st.ShopPlayers)
	}
	if st, _ := svc.NPC(owner); len(st.ShopPlayers) != 1 || st.ShopPlayers[0] != client.PlayerID {
		t.Fatalf("owning stall tracks %v", st.ShopPlayers)
	}
	if got := pub.count("npc.say"); got != 1 {
		t.Fatalf("expected the replaced stall to end its trade once, got %d says", got)
	}
	if err := svc.ShopBuy(client, replaced, TradeRequest{ItemID: 7, Count: 1, Amount: 1}); !errors.Is(err, ErrNoTrade) {
		t.Fatalf("expected ErrNoTrade from the replaced stall, got %v", err)
	}

	if err := svc.ShopClose(client, owner); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := pub.count("npc.say"); got != 2 {
		t.Fatalf("expected the owning stall to end its trade, got %d says", got)
	}
}

const buyOnlyScript = `
function onCreatureSay(cid, type, msg)
	openShopWindow(cid, {{id = 7, buy = 10, sell = 5, name = "gem"}},
		function(cid, itemid, count, amount) doSellItem(cid, itemid, amount, 10) end, nil)
end
`

func TestShopWithoutSellCallbackRefusesSales(t *testing.T) {
	svc, _ := newTempService(t, nil, map[string]string{
		"stall.yaml": "name: Stall\nscript: stall.lua\nwalk_ticks: 0\n",
		"stall.lua":  buyOnlyScript,
	})
	client := join(t, svc, "Aria")
	stall, err := svc.SpawnNPC(context.Background(), "stall", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := svc.Say(client, "trade", 0); err != nil {
		t.Fatalf("say: %v", err)
	}
	if err := svc.ShopBuy(client, stall.ID, TradeRequest{ItemID: 7, Count: 1, Amount: 1}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	before := playerState(t, svc, client.PlayerID)
	if before.Gold != startingGold-10 || before.Inventory[7] != 1 {
		t.Fatalf("unexpected player after buy: gold=%d inventory=%v", before.Gold, before.Inventory)
	}

	if err := svc.ShopSell(client, stall.ID, TradeRequest{ItemID: 7, Count: 1, Amount: 1}); !errors.Is(err, ErrNotForSale) {
		t.Fatalf("expected ErrNotForSale, got %v", err)
	}
	after := playerState(t, svc, client.PlayerID)
	if after.Gold != before.Gold || after.Inventory[7] != 1 {
		t.Fatalf("refused sale changed the player: gold=%d inventory=%v", after.Gold, after.Inventory)
	}
}

func TestPlayerLeavePrunesNPCs(t *testing.T) {
	svc := newDataService(t, nil, nil)
	ctx := context.Background()
	client := join(t, svc, "Aria")
	at := playerState(t, svc, client.PlayerID).Position
	at.Y--
	merchant, err := svc.SpawnNPC(ctx, "merchant", &at)
	if err != nil {
		t.Fatalf("spawn merchant: %v", err)
	}
	_ = svc.Say(client, "hi", 0)
	_ = svc.Say(client, "trade", 0)
	if st, _ := svc.NPC(merchant.ID); len(st.ShopPlayers) != 1 {
		t.Fatalf("expected an open trade, got %+v", st)
	}

	svc.UnregisterClient(client)
	st, _ := svc.NPC(merchant.ID)
	if len(st.ShopPlayers) != 0 || st.Focus != 0 {
		t.Fatalf("expected merchant to forget the player, got %+v", st)
	}
	if len(svc.OnlinePlayers()) != 0 {
		t.Fatalf("expected no players online")
	}
}

func TestReloadAndRemove(t *testing.T) {
	pub := &recordingPublisher{}
	svc, dir := newTempService(t, pub, map[string]string{
		"echo.yaml": "name: Echo\nscript: echo.lua\n",
		"echo.lua":  `function onCreatureSay(cid, type, msg) selfSay(msg) end`,
	})
	ctx := context.Background()
	echo, err := svc.SpawnNPC(ctx, "echo", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !echo.Loaded {
		t.Fatalf("expected echo to load")
	}

	if err := os.WriteFile(filepath.Join(dir, "echo.lua"), []byte(`function onCreatureSay(`), 0o644); err != nil {
		t.Fatalf("rewrite script: %v", err)
	}
	if _, err := svc.ReloadNPC(ctx, echo.ID); !errors.Is(err, npc.ErrScriptNotLoaded) {
		t.Fatalf("expected ErrScriptNotLoaded, got %v", err)
	}
	if st, _ := svc.NPC(echo.ID); !st.Loaded {
		t.Fatalf("expected echo to keep its old script")
	}

	if err := os.WriteFile(filepath.Join(dir, "echo.lua"), []byte(`function onThink() end`), 0o644); err != nil {
		t.Fatalf("rewrite script: %v", err)
	}
	if _, err := svc.ReloadNPC(ctx, echo.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if pub.count("npc.reloaded") != 1 {
		t.Fatalf("expected one reload event")
	}

	if err := svc.RemoveNPC(echo.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.NPC(echo.ID); !errors.Is(err, npc.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.RemoveNPC(echo.ID); !errors.Is(err, npc.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
	if _, err := svc.SpawnNPC(ctx, "missing", nil); !errors.Is(err, npc.ErrDefinition) {
		t.Fatalf("expected ErrDefinition, got %v", err)
	}
}

func TestNPCWandersWithinRadius(t *testing.T) {
	svc, _ := newTempService(t, nil, map[string]string{
		"walker.yaml": "name: Walker\nwalk_ticks: 1\nwalk_radius: 2\n",
	})
	walker, err := svc.SpawnNPC(context.Background(), "walker", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	home := walker.Position

	moved := false
	for i := 0; i < 100; i++ {
		svc.tickWorld()
		st, _ := svc.NPC(walker.ID)
		if d := domainworld.Distance(home, st.Position); d > 2 {
			t.Fatalf("walker left its radius: %v from %v", st.Position, home)
		}
		if st.Position != home {
			moved = true
		}
	}
	if !moved {
		t.Fatalf("expected walker to move at least once")
	}
}

func TestThinkInterval(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTempService(t, pub, map[string]string{
		"clock.yaml": "name: Clock\nscript: clock.lua\nwalk_ticks: 0\n",
		"clock.lua":  `function onThink() selfSay("tock") end`,
	})
	if _, err := svc.SpawnNPC(context.Background(), "clock", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	for i := 0; i < 10; i++ {
		svc.tickWorld()
	}
	if got := pub.count("npc.say"); got != 2 {
		t.Fatalf("expected 2 thinks in 10 ticks at 500ms, got %d", got)
	}
}

func TestFindPathThroughDoor(t *testing.T) {
	svc := newDataService(t, nil, nil)
	view := simView{svc}
	from := domainworld.Position{X: 6, Y: 7, Z: domainworld.DefaultFloor}
	to := domainworld.Position{X: 3, Y: 7, Z: domainworld.DefaultFloor}

	path, ok := view.FindPath(from, to, playerMoveFlags)
	if !ok {
		t.Fatalf("expected a path out of the house")
	}
	pos := from
	for _, d := range path {
		pos = pos.Step(d)
		if pos != to && !svc.passableLocked(pos, playerMoveFlags) {
			t.Fatalf("path crosses blocked tile %v", pos)
		}
	}
	if pos != to {
		t.Fatalf("path ends at %v, want %v", pos, to)
	}
	if len(path) <= 3 {
		t.Fatalf("expected a detour through the door, got %d steps", len(path))
	}

	if _, ok := view.FindPath(from, domainworld.Position{X: 5, Y: 7, Z: domainworld.DefaultFloor}, playerMoveFlags); ok {
		t.Fatalf("expected no path into a wall")
	}
	if _, ok := view.FindPath(from, domainworld.Position{X: 6, Y: 7, Z: 6}, playerMoveFlags); ok {
		t.Fatalf("expected no path across floors")
	}
}

func TestTileInfoReportsTerrain(t *testing.T) {
	svc := newDataService(t, nil, nil)
	view := simView{svc}

	hill, ok := view.Tile(domainworld.Position{X: 19, Y: 3, Z: domainworld.DefaultFloor})
	if !ok || hill.Type != domainworld.TileHill || hill.Height != 1 {
		t.Fatalf("unexpected hill tile: %+v", hill)
	}
	stairs, ok := view.Tile(domainworld.Position{X: 16, Y: 7, Z: domainworld.DefaultFloor})
	if !ok || !stairs.FloorChange {
		t.Fatalf("unexpected stairs tile: %+v", stairs)
	}
	if _, ok := view.Tile(domainworld.Position{X: 40, Y: 3, Z: domainworld.DefaultFloor}); ok {
		t.Fatalf("expected no tile outside the map")
	}

	client := join(t, svc, "Aria")
	occupied, _ := view.Tile(playerState(t, svc, client.PlayerID).Position)
	if !occupied.Occupied {
		t.Fatalf("expected the player's tile to be occupied")
	}
}
