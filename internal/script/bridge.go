// Package script implements the bridge between one worker's Lua
// interpreter state and the HTTP gateway core: it installs the global
// `keystone` module, maps the reusable exchange userdata's field reads and
// writes, and invokes script-defined handlers under Lua's protected-call
// mechanism.
//
// A *lua.LState is not safe for concurrent use, so exactly one Bridge (and
// therefore one LState) exists per worker, matching the shared-nothing
// model the rest of the gateway is built on.
package script

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/keystone-gateway/keystone/internal/exchange"
	"github.com/keystone-gateway/keystone/internal/httpshim"
	"github.com/keystone-gateway/keystone/internal/router"
)

// Bridge owns one worker's Lua interpreter state, its single reusable
// exchange userdata, and the registry of handler callables that
// router.HandlerRef values index into.
type Bridge struct {
	L      *lua.LState
	router *router.Router

	// handlers is this worker's handler registry: the stable, O(1)
	// per-interpreter storage router.HandlerRef indexes into. gopher-lua
	// has no luaL_ref-style C registry, so a Go-side slice plays that role
	// for a pure-Go embedding.
	handlers []*lua.LFunction

	ex        *exchange.Exchange
	ctxUD     *lua.LUserData
	paramsUD  *lua.LUserData
	headersUD *lua.LUserData
}

// New constructs a Bridge bound to r: every keystone.add_route call from
// script registers into r. copyFn is used by the exchange to copy a
// script-assigned response body into connection-owned storage.
func New(r *router.Router, copyFn exchange.CopyFunc) *Bridge {
	L := lua.NewState()
	ex := exchange.New(copyFn)

	b := &Bridge{L: L, router: r, ex: ex}

	ctxMeta := L.NewTypeMetatable("keystone.ctx")
	L.SetField(ctxMeta, "__index", L.NewFunction(b.ctxIndex))
	L.SetField(ctxMeta, "__newindex", L.NewFunction(b.ctxNewIndex))
	b.ctxUD = L.NewUserData()
	b.ctxUD.Value = ex
	L.SetMetatable(b.ctxUD, ctxMeta)

	paramsMeta := L.NewTypeMetatable("keystone.params")
	L.SetField(paramsMeta, "__index", L.NewFunction(b.paramsIndex))
	b.paramsUD = L.NewUserData()
	b.paramsUD.Value = ex
	L.SetMetatable(b.paramsUD, paramsMeta)

	headersMeta := L.NewTypeMetatable("keystone.headers")
	L.SetField(headersMeta, "__index", L.NewFunction(b.headersIndex))
	L.SetField(headersMeta, "__newindex", L.NewFunction(b.headersNewIndex))
	b.headersUD = L.NewUserData()
	b.headersUD.Value = ex
	L.SetMetatable(b.headersUD, headersMeta)

	mod := L.NewTable()
	L.SetField(mod, "add_route", L.NewFunction(b.luaAddRoute))
	L.SetGlobal("keystone", mod)

	return b
}

// Close releases the underlying Lua interpreter state.
func (b *Bridge) Close() { b.L.Close() }

// LoadScript runs the script at path, which is expected to call
// keystone.add_route for every route it wants served.
func (b *Bridge) LoadScript(path string) error {
	if err := b.L.DoFile(path); err != nil {
		return fmt.Errorf("script: load %s: %w", path, err)
	}
	return nil
}

func (b *Bridge) luaAddRoute(L *lua.LState) int {
	method := L.CheckString(1)
	pattern := L.CheckString(2)
	fn := L.CheckFunction(3)

	ref := router.HandlerRef(len(b.handlers))
	b.handlers = append(b.handlers, fn)

	if err := b.router.AddRoute(method, pattern, ref); err != nil {
		L.RaiseError("keystone.add_route: %v", err)
		return 0
	}
	return 0
}

func (b *Bridge) ctxIndex(L *lua.LState) int {
	ex := L.CheckUserData(1).Value.(*exchange.Exchange)
	switch L.CheckString(2) {
	case "method":
		L.Push(lua.LString(string(ex.Method)))
	case "path":
		L.Push(lua.LString(string(ex.Path)))
	case "body":
		L.Push(lua.LString(string(ex.Body)))
	case "status":
		L.Push(lua.LNumber(ex.Status))
	case "params":
		L.Push(b.paramsUD)
	case "headers":
		L.Push(b.headersUD)
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// ctxNewIndex honors writes to status and body; writes to every other key
// (including the read-only method/path/params fields) are silently
// ignored, per spec's §4.5 __newindex contract.
func (b *Bridge) ctxNewIndex(L *lua.LState) int {
	ex := L.CheckUserData(1).Value.(*exchange.Exchange)
	switch L.CheckString(2) {
	case "status":
		ex.Status = int(L.CheckNumber(3))
	case "body":
		ex.SetResponseBody([]byte(L.CheckString(3)))
	}
	return 0
}

func (b *Bridge) paramsIndex(L *lua.LState) int {
	ex := L.CheckUserData(1).Value.(*exchange.Exchange)
	name := L.CheckString(2)
	if ex.Params == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, ok := ex.Params.Get(name)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func (b *Bridge) headersIndex(L *lua.LState) int {
	ex := L.CheckUserData(1).Value.(*exchange.Exchange)
	v, ok := ex.HeaderValue(L.CheckString(2))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func (b *Bridge) headersNewIndex(L *lua.LState) int {
	ex := L.CheckUserData(1).Value.(*exchange.Exchange)
	ex.AppendResponseHeader(L.CheckString(2), L.CheckString(3))
	return 0
}

// ErrHandlerNotCallable is returned by Invoke when ref does not name a
// registered handler. The connection state machine treats this
// differently from a script runtime error: it closes the connection
// after responding 500, per spec's failure-semantics table, instead of
// keeping it alive.
var ErrHandlerNotCallable = errors.New("script: handler ref is not callable")

// Invoke runs the handler registered under ref against one request's
// spans. It performs steps (i)-(iii) of spec's §4.5 per-request sequence:
// bind the exchange, reset it to defaults, then call the handler under
// Lua's protected-call mechanism. Step (iv) (copying response_body into
// the arena) already happened inside ctxNewIndex the moment script wrote
// ctx.body, per Open Question (b); step (v) (send) is the connection's
// job, not the bridge's.
//
// A script error or a handler ref that is not callable returns a non-nil
// error; the caller is expected to respond 500. After a script error the
// connection stays alive; after ErrHandlerNotCallable it closes, per
// spec's failure semantics. A handler that leaves ctx.status outside
// 100..599 is likewise reported as an error, and the connection stays
// alive.
func (b *Bridge) Invoke(
	ref router.HandlerRef,
	method, path, body []byte,
	headers []httpshim.Header,
	params exchange.ParamGetter,
	copyFn exchange.CopyFunc,
) (*exchange.Exchange, error) {
	if int(ref) < 0 || int(ref) >= len(b.handlers) {
		return nil, fmt.Errorf("%w: ref %d", ErrHandlerNotCallable, ref)
	}
	fn := b.handlers[ref]

	b.ex.Bind(method, path, body, headers, params, copyFn)
	b.ex.Reset()

	err := b.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, b.ctxUD)
	if err != nil {
		return b.ex, fmt.Errorf("script: handler error: %w", err)
	}

	if b.ex.Status < 100 || b.ex.Status > 599 {
		return b.ex, fmt.Errorf("script: handler set invalid status %d", b.ex.Status)
	}
	return b.ex, nil
}
