package npc

import (
	"npc-server/internal/app/script"
	"npc-server/internal/domain/world"
)

// shopSession is one player's open trade window with this NPC.
type shopSession struct {
	items []world.ShopItem
	buy   script.Handle
	sell  script.Handle
}

func (n *Npc) addShopPlayer(player uint32) *shopSession {
	if s, ok := n.shop[player]; ok {
		return s
	}
	s := &shopSession{}
	n.shop[player] = s
	return s
}

func (n *Npc) removeShopPlayer(player uint32) {
	delete(n.shop, player)
}

// ShopPlayers lists players with an open trade window, ascending.
func (n *Npc) ShopPlayers() []uint32 {
	return sortedIDs(n.shop)
}

func (n *Npc) ShopItems(player uint32) ([]world.ShopItem, bool) {
	s, ok := n.shop[player]
	if !ok {
		return nil, false
	}
	return append([]world.ShopItem(nil), s.items...), true
}

// closeAllShopWindows closes every tracked window once and leaves the set
// empty. Windows opened by scripts while closing are left alone.
func (n *Npc) closeAllShopWindows() {
	players := sortedIDs(n.shop)
	sessions := n.shop
	n.shop = map[uint32]*shopSession{}
	for _, p := range players {
		n.deps.Sim.CloseShopWindow(p, n.id)
		n.events.OnPlayerEndTrade(p, sessions[p].buy, sessions[p].sell)
	}
}

// OpenShopWindow replaces any window the player already has with this NPC.
func (n *Npc) OpenShopWindow(player uint32, items []world.ShopItem, buy, sell script.Handle) bool {
	c, ok := n.deps.Sim.Creature(player)
	if !ok || c.Type != world.CreaturePlayer {
		return false
	}
	if prev, open := n.shop[player]; open {
		n.removeShopPlayer(player)
		n.events.OnPlayerEndTrade(player, prev.buy, prev.sell)
	}
	if !n.deps.Sim.OpenShopWindow(player, n.id, items) {
		return false
	}
	s := n.addShopPlayer(player)
	s.items = append([]world.ShopItem(nil), items...)
	s.buy = buy
	s.sell = sell
	return true
}

// CloseShopWindow is the script-initiated close.
func (n *Npc) CloseShopWindow(player uint32) bool {
	s, ok := n.shop[player]
	if !ok {
		return false
	}
	n.removeShopPlayer(player)
	n.deps.Sim.CloseShopWindow(player, n.id)
	n.events.OnPlayerEndTrade(player, s.buy, s.sell)
	return true
}

func (n *Npc) SellItem(player uint32, sale world.Sale) (int, bool) {
	sold, err := n.deps.Sim.SellItem(player, n.id, sale)
	if err != nil {
		n.logger.Debug().Err(err).Uint32("player_id", player).Uint16("item_id", sale.ItemID).Msg("sale refused")
		return 0, false
	}
	return sold, true
}

// OnPlayerCloseChannel drops the player's trade and tells the script.
func (n *Npc) OnPlayerCloseChannel(player uint32) {
	if _, ok := n.shop[player]; ok {
		n.removeShopPlayer(player)
		n.deps.Sim.CloseShopWindow(player, n.id)
	}
	if !n.loaded {
		return
	}
	n.events.OnPlayerCloseChannel(player)
}

// OnPlayerEndTrade is the player-initiated close of the trade window.
func (n *Npc) OnPlayerEndTrade(player uint32) {
	s, ok := n.shop[player]
	if !ok {
		return
	}
	n.removeShopPlayer(player)
	if !n.loaded {
		return
	}
	n.events.OnPlayerEndTrade(player, s.buy, s.sell)
}

func (n *Npc) OnPlayerTrade(player uint32, callback script.Handle, itemID uint16, count, amount int, ignore, inBackpacks bool) {
	if !n.loaded {
		return
	}
	n.events.OnPlayerTrade(player, callback, itemID, count, amount, ignore, inBackpacks)
}

// OnPlayerBuy routes a purchase to the buy callback of the player's session.
func (n *Npc) OnPlayerBuy(player uint32, itemID uint16, count, amount int, ignore, inBackpacks bool) bool {
	s, ok := n.shop[player]
	if !ok || !s.buy.Valid() {
		return false
	}
	n.OnPlayerTrade(player, s.buy, itemID, count, amount, ignore, inBackpacks)
	return true
}

// CanSell reports whether the player's session routes sales to a callback.
func (n *Npc) CanSell(player uint32) bool {
	s, ok := n.shop[player]
	return ok && s.sell.Valid()
}

func (n *Npc) OnPlayerSell(player uint32, itemID uint16, count, amount int, ignore, inBackpacks bool) bool {
	s, ok := n.shop[player]
	if !ok || !s.sell.Valid() {
		return false
	}
	n.OnPlayerTrade(player, s.sell, itemID, count, amount, ignore, inBackpacks)
	return true
}
