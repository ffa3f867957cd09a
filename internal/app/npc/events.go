package npc

import (
	"fmt"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"npc-server/internal/app/script"
	"npc-server/internal/domain/world"
)

type Event int

const (
	EventCreatureAppear Event = iota
	EventCreatureDisappear
	EventCreatureMove
	EventCreatureSay
	EventThink
	EventPlayerCloseChannel
	EventPlayerEndTrade
	eventCount
)

var eventNames = [eventCount]string{
	"onCreatureAppear",
	"onCreatureDisappear",
	"onCreatureMove",
	"onCreatureSay",
	"onThink",
	"onPlayerCloseChannel",
	"onPlayerEndTrade",
}

func (e Event) String() string {
	if e < 0 || e >= eventCount {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// Events routes simulation notifications for one NPC into the entry points
// its script declared. It refers to the NPC by id only.
type Events struct {
	npcID   uint32
	env     *script.Environment
	logger  zerolog.Logger
	file    string
	handles [eventCount]script.Handle
	loaded  bool
}

// newEvents loads file for owner. owner is only used while the top level of
// the script runs; afterwards the NPC is reached through its id.
func newEvents(env *script.Environment, file string, owner script.NPC, logger zerolog.Logger) *Events {
	ev := &Events{npcID: owner.ID(), env: env, logger: logger, file: file}
	if file == "" || env == nil {
		return ev
	}
	s, err := env.LoadScript(file, owner)
	if err != nil {
		logger.Warn().Err(err).Str("file", file).Msg("npc script failed to load")
		return ev
	}
	for i := range ev.handles {
		ev.handles[i] = s.Handle(eventNames[i])
	}
	ev.loaded = true
	return ev
}

func (ev *Events) Loaded() bool {
	return ev != nil && ev.loaded
}

// Declared lists the entry points the script provides.
func (ev *Events) Declared() []string {
	if !ev.Loaded() {
		return nil
	}
	out := make([]string, 0, eventCount)
	for i, h := range ev.handles {
		if h.Valid() {
			out = append(out, eventNames[i])
		}
	}
	return out
}

func (ev *Events) Has(e Event) bool {
	return ev.Loaded() && e >= 0 && e < eventCount && ev.handles[e].Valid()
}

func (ev *Events) release() {
	if ev == nil {
		return
	}
	ev.loaded = false
	ev.handles = [eventCount]script.Handle{}
}

func (ev *Events) callContext(cid uint32) script.CallContext {
	cc := script.CallContext{NPC: ev.npcID}
	if cid != ev.npcID {
		cc.Player = cid
	}
	return cc
}

func (ev *Events) dispatch(e Event, cc script.CallContext, args ...lua.LValue) error {
	if !ev.Has(e) {
		return nil
	}
	if err := ev.env.Call(cc, ev.handles[e], args...); err != nil {
		return fmt.Errorf("%s: %w", e, err)
	}
	return nil
}

// deliver absorbs script failures: the event is lost, the NPC stays loaded.
func (ev *Events) deliver(e Event, cc script.CallContext, args ...lua.LValue) {
	if err := ev.dispatch(e, cc, args...); err != nil {
		ev.logger.Error().Err(err).Str("event", e.String()).Msg("npc event failed")
	}
}

func (ev *Events) OnCreatureAppear(cid uint32) {
	ev.deliver(EventCreatureAppear, ev.callContext(cid), lua.LNumber(cid))
}

func (ev *Events) OnCreatureDisappear(cid uint32) {
	ev.deliver(EventCreatureDisappear, ev.callContext(cid), lua.LNumber(cid))
}

func (ev *Events) OnCreatureMove(cid uint32, oldPos, newPos world.Position) {
	if !ev.Has(EventCreatureMove) {
		return
	}
	ev.deliver(EventCreatureMove, ev.callContext(cid), lua.LNumber(cid), ev.env.Position(oldPos), ev.env.Position(newPos))
}

func (ev *Events) OnCreatureSay(cid uint32, kind world.SpeakType, text string) {
	ev.deliver(EventCreatureSay, ev.callContext(cid), lua.LNumber(cid), lua.LNumber(kind), lua.LString(text))
}

func (ev *Events) OnThink() {
	ev.deliver(EventThink, script.CallContext{NPC: ev.npcID})
}

func (ev *Events) OnPlayerCloseChannel(player uint32) {
	ev.deliver(EventPlayerCloseChannel, ev.callContext(player), lua.LNumber(player))
}

// OnPlayerEndTrade hands both shop callbacks to the script so it can tell
// which side of the trade is ending.
func (ev *Events) OnPlayerEndTrade(player uint32, buy, sell script.Handle) {
	ev.deliver(EventPlayerEndTrade, ev.callContext(player), lua.LNumber(player), buy.Value(), sell.Value())
}

// OnPlayerTrade calls a shop callback registered through openShopWindow.
func (ev *Events) OnPlayerTrade(player uint32, callback script.Handle, itemID uint16, count, amount int, ignore, inBackpacks bool) {
	if !ev.Loaded() || !callback.Valid() {
		return
	}
	err := ev.env.Call(ev.callContext(player), callback,
		lua.LNumber(player), lua.LNumber(itemID), lua.LNumber(count), lua.LNumber(amount),
		lua.LBool(ignore), lua.LBool(inBackpacks))
	if err != nil {
		ev.logger.Error().Err(err).Str("event", "onPlayerTrade").Uint16("item_id", itemID).Msg("npc trade callback failed")
	}
}
