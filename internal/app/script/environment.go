package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"npc-server/internal/domain/world"
)

var (
	ErrClosed  = errors.New("script environment closed")
	ErrTooDeep = errors.New("script call nesting too deep")
)

const (
	defaultTimeout   = 250 * time.Millisecond
	defaultMaxNested = 8
)

// NPC is the capability surface the host API drives. Implementations must
// treat stale creature ids as a normal "not found" outcome.
type NPC interface {
	ID() uint32
	Name() string
	Position() world.Position
	Parameter(key string) (string, bool)
	DoSay(text string)
	DoSayToPlayer(player uint32, text string) bool
	DoMove(dir world.Direction) bool
	DoTurn(dir world.Direction)
	DoMoveTo(pos world.Position) bool
	Follow(creature uint32) bool
	SetCreatureFocus(creature uint32) bool
	DistanceTo(creature uint32) (int, bool)
	OpenShopWindow(player uint32, items []world.ShopItem, buy, sell Handle) bool
	CloseShopWindow(player uint32) bool
	SellItem(player uint32, sale world.Sale) (int, bool)
}

// Resolver maps NPC ids to live NPCs.
type Resolver interface {
	LookupNPC(id uint32) (NPC, bool)
}

// CallContext names the NPC and player a script call acts for.
type CallContext struct {
	NPC    uint32
	Player uint32
}

type callKey struct{}

func callFrom(L *lua.LState) CallContext {
	ctx := L.Context()
	if ctx == nil {
		return CallContext{}
	}
	cc, _ := ctx.Value(callKey{}).(CallContext)
	return cc
}

// Handle references a Lua function held by the environment. The zero Handle
// is absent.
type Handle struct {
	fn *lua.LFunction
}

func (h Handle) Valid() bool {
	return h.fn != nil
}

// Value exposes the function to scripts, or nil when absent.
func (h Handle) Value() lua.LValue {
	if h.fn == nil {
		return lua.LNil
	}
	return h.fn
}

type Options struct {
	CallTimeout time.Duration
	MaxNesting  int
}

// Environment is the single Lua state shared by every NPC. It is not safe for
// concurrent use; callers serialize on the world tick.
type Environment struct {
	logger    zerolog.Logger
	L         *lua.LState
	resolver  Resolver
	loading   NPC
	timeout   time.Duration
	maxNested int
	depth     int
	libLoaded bool
	closed    bool
	functions []string
}

func NewEnvironment(logger zerolog.Logger, opts Options) *Environment {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultTimeout
	}
	if opts.MaxNesting <= 0 {
		opts.MaxNesting = defaultMaxNested
	}
	e := &Environment{
		logger:    logger.With().Str("component", "script").Logger(),
		L:         lua.NewState(lua.Options{SkipOpenLibs: false}),
		timeout:   opts.CallTimeout,
		maxNested: opts.MaxNesting,
	}
	e.registerFunctions()
	return e
}

// SetResolver binds the live NPC registry. It must happen before any script runs.
func (e *Environment) SetResolver(r Resolver) {
	e.resolver = r
}

func (e *Environment) LibraryLoaded() bool {
	return e.libLoaded
}

// LoadLibrary runs the shared behavior library into the global table. Later
// calls are no-ops.
func (e *Environment) LoadLibrary(file string) error {
	if e.closed {
		return ErrClosed
	}
	if e.libLoaded {
		return nil
	}
	fn, err := e.L.LoadFile(file)
	if err != nil {
		return fmt.Errorf("compile library %s: %w", file, err)
	}
	if err := e.run(CallContext{}, fn); err != nil {
		return fmt.Errorf("run library %s: %w", file, err)
	}
	e.libLoaded = true
	e.logger.Info().Str("file", file).Msg("npc library loaded")
	return nil
}

// Script is one NPC script file evaluated in its own global table.
type Script struct {
	File string
	env  *lua.LTable
}

// Handle returns the entry point the script itself declared under name.
// Library globals are not considered.
func (s *Script) Handle(name string) Handle {
	if s == nil || s.env == nil {
		return Handle{}
	}
	fn, ok := s.env.RawGetString(name).(*lua.LFunction)
	if !ok {
		return Handle{}
	}
	return Handle{fn: fn}
}

// LoadScript compiles file and runs its top level on behalf of self, which
// host functions resolve even though it is not registered yet.
func (e *Environment) LoadScript(file string, self NPC) (*Script, error) {
	if e.closed {
		return nil, ErrClosed
	}
	var cc CallContext
	if self != nil {
		cc.NPC = self.ID()
		prev := e.loading
		e.loading = self
		defer func() { e.loading = prev }()
	}
	fn, err := e.L.LoadFile(file)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", file, err)
	}
	env := e.L.NewTable()
	mt := e.L.NewTable()
	mt.RawSetString("__index", e.L.G.Global)
	e.L.SetMetatable(env, mt)
	e.L.SetFEnv(fn, env)
	if err := e.run(cc, fn); err != nil {
		return nil, fmt.Errorf("run script %s: %w", file, err)
	}
	return &Script{File: file, env: env}, nil
}

// Call invokes h with args under cc. Script errors, including timeouts, come
// back as errors; an absent handle is a no-op.
func (e *Environment) Call(cc CallContext, h Handle, args ...lua.LValue) error {
	if e.closed {
		return ErrClosed
	}
	if !h.Valid() {
		return nil
	}
	return e.run(cc, h.fn, args...)
}

func (e *Environment) run(cc CallContext, fn *lua.LFunction, args ...lua.LValue) error {
	if e.depth >= e.maxNested {
		return ErrTooDeep
	}
	e.depth++
	prev := e.L.Context()
	ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), callKey{}, cc), e.timeout)
	e.L.SetContext(ctx)
	defer func() {
		cancel()
		if prev != nil {
			e.L.SetContext(prev)
		} else {
			e.L.RemoveContext()
		}
		e.depth--
	}()
	return e.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}

// Position builds a {x, y, z} table.
func (e *Environment) Position(p world.Position) lua.LValue {
	t := e.L.NewTable()
	t.RawSetString("x", lua.LNumber(p.X))
	t.RawSetString("y", lua.LNumber(p.Y))
	t.RawSetString("z", lua.LNumber(p.Z))
	return t
}

// Global reads a global, for diagnostics and tests.
func (e *Environment) Global(name string) lua.LValue {
	return e.L.GetGlobal(name)
}

// HostFunctions lists the registered host API names.
func (e *Environment) HostFunctions() []string {
	out := append([]string(nil), e.functions...)
	sort.Strings(out)
	return out
}

func (e *Environment) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.L.Close()
}

func (e *Environment) lookup(id uint32) (NPC, bool) {
	if id == 0 {
		return nil, false
	}
	if e.loading != nil && e.loading.ID() == id {
		return e.loading, true
	}
	if e.resolver == nil {
		return nil, false
	}
	return e.resolver.LookupNPC(id)
}

func (e *Environment) register(name string, fn lua.LGFunction) {
	e.L.SetGlobal(name, e.L.NewFunction(fn))
	e.functions = append(e.functions, name)
}

func (e *Environment) print(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	cc := callFrom(L)
	e.logger.Debug().Uint32("npc_id", cc.NPC).Msg(strings.Join(parts, "\t"))
	return 0
}
