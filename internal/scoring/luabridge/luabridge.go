// Package luabridge adapts a user-supplied Lua script to the
// scoring.Scorer interface (spec §6.7), letting operators override the
// default EMA algorithm without recompiling moproxy.
package luabridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/moproxy-go/moproxy/internal/scoring"
)

// defaultCallTimeout bounds a single calc_score invocation (spec §9
// "Scripted scoring sandbox").
const defaultCallTimeout = 50 * time.Millisecond

// Scorer calls a Lua function named calc_score(proxy, delay_seconds) for
// every probe outcome, falling back to a wrapped scoring.Default on
// script error, timeout, or a malformed return value.
type Scorer struct {
	mu      sync.Mutex
	state   *lua.LState
	fn      lua.LValue
	fallback *scoring.Default

	callTimeout time.Duration
}

// Load compiles and runs scriptPath once (to register calc_score and any
// globals it sets up), returning a ready-to-use Scorer. The returned
// Scorer owns a single *lua.LState; Score calls are serialized by a mutex
// (the monitor calls Score sequentially within a round, so one state is
// enough rather than pooling states).
func Load(scriptPath string) (*Scorer, error) {
	L := lua.NewState()
	if err := L.DoFile(scriptPath); err != nil {
		L.Close()
		return nil, fmt.Errorf("load scoring script %s: %w", scriptPath, err)
	}
	fn := L.GetGlobal("calc_score")
	if fn == lua.LNil {
		L.Close()
		return nil, fmt.Errorf("scoring script %s does not define calc_score", scriptPath)
	}
	return &Scorer{
		state:       L,
		fn:          fn,
		fallback:    scoring.NewDefault(),
		callTimeout: defaultCallTimeout,
	}, nil
}

// Close releases the underlying Lua state.
func (s *Scorer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Close()
}

// Score implements scoring.Scorer. It marshals p into a Lua table
// matching spec §6.7's field list, calls calc_score under a wall-clock
// deadline, and falls back to the default algorithm on any failure so a
// broken or slow script never takes the fleet offline.
func (s *Scorer) Score(p scoring.ProxyView, delay *time.Duration) *int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()
	s.state.SetContext(ctx)

	proxyTable := s.buildProxyTable(p)
	delayArg := lua.LNil
	if delay != nil {
		delayArg = lua.LNumber(delay.Seconds())
	}

	err := s.state.CallByParam(lua.P{
		Fn:      s.fn,
		NRet:    1,
		Protect: true,
	}, proxyTable, delayArg)
	if err != nil {
		return s.fallback.Score(p, delay)
	}

	ret := s.state.Get(-1)
	s.state.Pop(1)

	switch v := ret.(type) {
	case lua.LNumber:
		score := int32(v)
		return &score
	case *lua.LNilType:
		return nil
	default:
		return s.fallback.Score(p, delay)
	}
}

func (s *Scorer) buildProxyTable(p scoring.ProxyView) *lua.LTable {
	L := s.state

	config := L.NewTable()
	L.SetField(config, "test_dns", lua.LString(p.TestDNS()))
	L.SetField(config, "max_wait", lua.LNumber(p.MaxWait().Seconds()))
	L.SetField(config, "score_base", lua.LNumber(p.ScoreBase()))

	traffic := L.NewTable()
	L.SetField(traffic, "tx_bytes", lua.LNumber(p.TxBytes()))
	L.SetField(traffic, "rx_bytes", lua.LNumber(p.RxBytes()))

	status := L.NewTable()
	L.SetField(status, "conn_alive", lua.LNumber(p.ConnAlive()))
	L.SetField(status, "conn_total", lua.LNumber(p.ConnTotal()))
	L.SetField(status, "conn_error", lua.LNumber(p.ConnError()))
	L.SetField(status, "close_history", lua.LNumber(p.CloseHistory()))
	if delaySec, ok := p.DelaySeconds(); ok {
		L.SetField(status, "delay", lua.LNumber(delaySec))
	} else {
		L.SetField(status, "delay", lua.LNil)
	}
	if score, ok := p.ScoreValue(); ok {
		L.SetField(status, "score", lua.LNumber(score))
	} else {
		L.SetField(status, "score", lua.LNil)
	}

	proxy := L.NewTable()
	L.SetField(proxy, "addr", lua.LString(p.Addr()))
	L.SetField(proxy, "proto", lua.LString(p.Proto()))
	L.SetField(proxy, "tag", lua.LString(p.Tag()))
	L.SetField(proxy, "config", config)
	L.SetField(proxy, "traffic", traffic)
	L.SetField(proxy, "status", status)
	return proxy
}
