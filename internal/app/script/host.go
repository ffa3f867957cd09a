package script

import (
	lua "github.com/yuin/gopher-lua"

	"npc-server/internal/domain/world"
)

const npcTypeName = "Npc"

func (e *Environment) registerFunctions() {
	L := e.L
	L.SetGlobal("print", L.NewFunction(e.print))

	for name, dir := range map[string]world.Direction{
		"NORTH":     world.North,
		"EAST":      world.East,
		"SOUTH":     world.South,
		"WEST":      world.West,
		"SOUTHWEST": world.SouthWest,
		"SOUTHEAST": world.SouthEast,
		"NORTHWEST": world.NorthWest,
		"NORTHEAST": world.NorthEast,
	} {
		L.SetGlobal(name, lua.LNumber(dir))
	}
	L.SetGlobal("TALKTYPE_SAY", lua.LNumber(world.SpeakSay))
	L.SetGlobal("TALKTYPE_PRIVATE_PN", lua.LNumber(world.SpeakPrivatePN))
	L.SetGlobal("TALKTYPE_PRIVATE_NP", lua.LNumber(world.SpeakPrivateNP))

	e.register("selfSay", e.selfSay)
	e.register("selfMove", e.selfMove)
	e.register("selfMoveTo", e.selfMoveTo)
	e.register("selfTurn", e.selfTurn)
	e.register("selfFollow", e.selfFollow)
	e.register("selfGetPosition", e.selfGetPosition)
	e.register("getDistanceTo", e.getDistanceTo)
	e.register("setNpcFocus", e.setNpcFocus)
	e.register("getNpcId", e.getNpcID)
	e.register("getNpcPos", e.getNpcPos)
	e.register("getNpcName", e.getNpcName)
	e.register("getNpcParameter", e.getNpcParameter)
	e.register("openShopWindow", e.openShopWindow)
	e.register("closeShopWindow", e.closeShopWindow)
	e.register("doSellItem", e.doSellItem)

	mt := L.NewTypeMetatable(npcTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"getId":           e.npcGetID,
		"getName":         e.npcGetName,
		"getParameter":    e.npcGetParameter,
		"setFocus":        e.npcSetFocus,
		"openShopWindow":  e.npcOpenShopWindow,
		"closeShopWindow": e.npcCloseShopWindow,
	}))
	e.register(npcTypeName, e.newNpcUserData)
}

// current resolves the NPC of the running call. A missing NPC means the
// script outlived its owner and every host call degrades to "not found".
func (e *Environment) current(L *lua.LState) (NPC, CallContext, bool) {
	cc := callFrom(L)
	n, ok := e.lookup(cc.NPC)
	return n, cc, ok
}

// playerArg reads an optional creature id, defaulting to the call's player.
func playerArg(L *lua.LState, idx int, cc CallContext) uint32 {
	if L.GetTop() < idx || L.Get(idx) == lua.LNil {
		return cc.Player
	}
	return uint32(L.CheckInt(idx))
}

func directionArg(L *lua.LState, idx int) world.Direction {
	d := world.Direction(L.CheckInt(idx))
	if !d.Valid() {
		L.ArgError(idx, "invalid direction")
	}
	return d
}

// positionArg accepts either a {x, y, z} table or three numbers.
func positionArg(L *lua.LState, idx int) world.Position {
	if t, ok := L.Get(idx).(*lua.LTable); ok {
		return world.Position{
			X: int(lua.LVAsNumber(t.RawGetString("x"))),
			Y: int(lua.LVAsNumber(t.RawGetString("y"))),
			Z: int(lua.LVAsNumber(t.RawGetString("z"))),
		}
	}
	return world.Position{X: L.CheckInt(idx), Y: L.CheckInt(idx + 1), Z: L.CheckInt(idx + 2)}
}

func handleArg(L *lua.LState, idx int) Handle {
	fn, ok := L.Get(idx).(*lua.LFunction)
	if !ok {
		return Handle{}
	}
	return Handle{fn: fn}
}

// shopItemsArg parses a list of {id, subType, buy, sell, name} tables.
func shopItemsArg(L *lua.LState, idx int) []world.ShopItem {
	t := L.CheckTable(idx)
	items := make([]world.ShopItem, 0, t.Len())
	for i := 1; i <= t.Len(); i++ {
		row, ok := t.RawGetInt(i).(*lua.LTable)
		if !ok {
			continue
		}
		items = append(items, world.ShopItem{
			ItemID:    uint16(lua.LVAsNumber(row.RawGetString("id"))),
			SubType:   int(lua.LVAsNumber(row.RawGetString("subType"))),
			BuyPrice:  int(lua.LVAsNumber(row.RawGetString("buy"))),
			SellPrice: int(lua.LVAsNumber(row.RawGetString("sell"))),
			Name:      lua.LVAsString(row.RawGetString("name")),
		})
	}
	return items
}

func pushFalse(L *lua.LState) int {
	L.Push(lua.LFalse)
	return 1
}

func pushNil(L *lua.LState) int {
	L.Push(lua.LNil)
	return 1
}

// selfSay(text[, cid])
func (e *Environment) selfSay(L *lua.LState) int {
	n, _, ok := e.current(L)
	text := L.CheckString(1)
	if !ok {
		return pushFalse(L)
	}
	if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
		L.Push(lua.LBool(n.DoSayToPlayer(uint32(L.CheckInt(2)), text)))
		return 1
	}
	n.DoSay(text)
	L.Push(lua.LTrue)
	return 1
}

func (e *Environment) selfMove(L *lua.LState) int {
	n, _, ok := e.current(L)
	dir := directionArg(L, 1)
	if !ok {
		return pushFalse(L)
	}
	L.Push(lua.LBool(n.DoMove(dir)))
	return 1
}

func (e *Environment) selfMoveTo(L *lua.LState) int {
	n, _, ok := e.current(L)
	pos := positionArg(L, 1)
	if !ok {
		return pushFalse(L)
	}
	L.Push(lua.LBool(n.DoMoveTo(pos)))
	return 1
}

func (e *Environment) selfTurn(L *lua.LState) int {
	n, _, ok := e.current(L)
	dir := directionArg(L, 1)
	if !ok {
		return pushFalse(L)
	}
	n.DoTurn(dir)
	L.Push(lua.LTrue)
	return 1
}

func (e *Environment) selfFollow(L *lua.LState) int {
	n, cc, ok := e.current(L)
	if !ok {
		return pushFalse(L)
	}
	L.Push(lua.LBool(n.Follow(playerArg(L, 1, cc))))
	return 1
}

func (e *Environment) selfGetPosition(L *lua.LState) int {
	n, _, ok := e.current(L)
	if !ok {
		return pushNil(L)
	}
	p := n.Position()
	L.Push(lua.LNumber(p.X))
	L.Push(lua.LNumber(p.Y))
	L.Push(lua.LNumber(p.Z))
	return 3
}

func (e *Environment) getDistanceTo(L *lua.LState) int {
	n, cc, ok := e.current(L)
	if !ok {
		return pushNil(L)
	}
	d, found := n.DistanceTo(playerArg(L, 1, cc))
	if !found {
		return pushNil(L)
	}
	L.Push(lua.LNumber(d))
	return 1
}

// setNpcFocus(cid) focuses a creature; 0 or nil clears the focus.
func (e *Environment) setNpcFocus(L *lua.LState) int {
	n, _, ok := e.current(L)
	if !ok {
		return pushFalse(L)
	}
	var target uint32
	if L.GetTop() >= 1 && L.Get(1) != lua.LNil {
		target = uint32(L.CheckInt(1))
	}
	L.Push(lua.LBool(n.SetCreatureFocus(target)))
	return 1
}

func (e *Environment) getNpcID(L *lua.LState) int {
	n, _, ok := e.current(L)
	if !ok {
		return pushNil(L)
	}
	L.Push(lua.LNumber(n.ID()))
	return 1
}

func (e *Environment) getNpcPos(L *lua.LState) int {
	n, _, ok := e.current(L)
	if !ok {
		return pushNil(L)
	}
	L.Push(e.Position(n.Position()))
	return 1
}

func (e *Environment) getNpcName(L *lua.LState) int {
	n, _, ok := e.current(L)
	if !ok {
		return pushNil(L)
	}
	L.Push(lua.LString(n.Name()))
	return 1
}

func (e *Environment) getNpcParameter(L *lua.LState) int {
	n, _, ok := e.current(L)
	key := L.CheckString(1)
	if !ok {
		return pushNil(L)
	}
	return pushParameter(L, n, key)
}

func pushParameter(L *lua.LState, n NPC, key string) int {
	v, found := n.Parameter(key)
	if !found {
		return pushNil(L)
	}
	L.Push(lua.LString(v))
	return 1
}

// openShopWindow(cid, items, buyCallback, sellCallback)
func (e *Environment) openShopWindow(L *lua.LState) int {
	n, cc, ok := e.current(L)
	if !ok {
		return pushFalse(L)
	}
	return openShop(L, n, cc, 1)
}

func openShop(L *lua.LState, n NPC, cc CallContext, base int) int {
	player := playerArg(L, base, cc)
	items := shopItemsArg(L, base+1)
	buy := handleArg(L, base+2)
	sell := handleArg(L, base+3)
	L.Push(lua.LBool(n.OpenShopWindow(player, items, buy, sell)))
	return 1
}

func (e *Environment) closeShopWindow(L *lua.LState) int {
	n, cc, ok := e.current(L)
	if !ok {
		return pushFalse(L)
	}
	L.Push(lua.LBool(n.CloseShopWindow(playerArg(L, 1, cc))))
	return 1
}

// doSellItem(cid, itemId, count[, price[, subType[, ignoreCap[, inBackpacks]]]])
// returns the amount handed over, or false.
func (e *Environment) doSellItem(L *lua.LState) int {
	n, cc, ok := e.current(L)
	if !ok {
		return pushFalse(L)
	}
	player := playerArg(L, 1, cc)
	sale := world.Sale{
		ItemID:      uint16(L.CheckInt(2)),
		Count:       L.CheckInt(3),
		Price:       L.OptInt(4, 0),
		SubType:     L.OptInt(5, -1),
		IgnoreCap:   L.OptBool(6, false),
		InBackpacks: L.OptBool(7, false),
	}
	if sale.Count <= 0 {
		L.ArgError(3, "count must be positive")
	}
	sold, done := n.SellItem(player, sale)
	if !done {
		return pushFalse(L)
	}
	L.Push(lua.LNumber(sold))
	return 1
}

// Npc userdata. It carries an id, never the NPC itself, so a removed NPC
// resolves to nil instead of a stale object.

func (e *Environment) newNpcUserData(L *lua.LState) int {
	id := uint32(L.OptInt(1, 0))
	if id == 0 {
		id = callFrom(L).NPC
	}
	if _, ok := e.lookup(id); !ok {
		return pushNil(L)
	}
	ud := L.NewUserData()
	ud.Value = id
	L.SetMetatable(ud, L.GetTypeMetatable(npcTypeName))
	L.Push(ud)
	return 1
}

func (e *Environment) checkNpc(L *lua.LState) (NPC, bool) {
	ud := L.CheckUserData(1)
	id, ok := ud.Value.(uint32)
	if !ok {
		L.ArgError(1, "Npc expected")
	}
	return e.lookup(id)
}

func (e *Environment) npcGetID(L *lua.LState) int {
	n, ok := e.checkNpc(L)
	if !ok {
		return pushNil(L)
	}
	L.Push(lua.LNumber(n.ID()))
	return 1
}

func (e *Environment) npcGetName(L *lua.LState) int {
	n, ok := e.checkNpc(L)
	if !ok {
		return pushNil(L)
	}
	L.Push(lua.LString(n.Name()))
	return 1
}

func (e *Environment) npcGetParameter(L *lua.LState) int {
	n, ok := e.checkNpc(L)
	key := L.CheckString(2)
	if !ok {
		return pushNil(L)
	}
	return pushParameter(L, n, key)
}

func (e *Environment) npcSetFocus(L *lua.LState) int {
	n, ok := e.checkNpc(L)
	if !ok {
		return pushFalse(L)
	}
	L.Push(lua.LBool(n.SetCreatureFocus(uint32(L.OptInt(2, 0)))))
	return 1
}

func (e *Environment) npcOpenShopWindow(L *lua.LState) int {
	n, ok := e.checkNpc(L)
	if !ok {
		return pushFalse(L)
	}
	return openShop(L, n, callFrom(L), 2)
}

func (e *Environment) npcCloseShopWindow(L *lua.LState) int {
	n, ok := e.checkNpc(L)
	if !ok {
		return pushFalse(L)
	}
	L.Push(lua.LBool(n.CloseShopWindow(playerArg(L, 2, callFrom(L)))))
	return 1
}
