package checker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/flarebyte/diffgate/internal/config"
	"github.com/flarebyte/diffgate/internal/hooks"
	lua "github.com/yuin/gopher-lua"
)

const (
	sandboxTimeoutViolation     = "sandbox timeout"
	sandboxInstructionViolation = "sandbox instruction limit"
	sandboxMemoryViolation      = "sandbox memory limit"
)

// luaHook evaluates an inline script once per file. The script sees the
// globals `path`, `content` and `args`, and returns true (or nothing) to
// accept the file, false to reject it, a string to reject it with a message,
// or a list of strings for several findings.
type luaHook struct {
	base
	code string
	args []string
	cfg  config.LuaSandbox
}

func luaFactory(def hooks.HookDefinition, opts Options) (Checker, error) {
	b, err := newBase(def, opts.Root, nil)
	if err != nil {
		return nil, err
	}
	code, err := compileEntry(def.Entry)
	if err != nil {
		return nil, err
	}
	return luaHook{base: b, code: code, args: def.Args, cfg: opts.Lua}, nil
}

// compileEntry accepts an entry written as an expression or as a chunk of
// statements. The expression form wins when both compile.
func compileEntry(entry string) (string, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	expr := "return (" + entry + "\n)"
	if _, err := L.LoadString(expr); err == nil {
		return expr, nil
	}
	if _, err := L.LoadString(entry); err != nil {
		return "", fmt.Errorf("invalid lua entry: %w", err)
	}
	return entry, nil
}

func (h luaHook) Run(ctx context.Context, req Request) (Result, error) {
	var res Result
	for _, rel := range req.Files {
		if err := ctx.Err(); err != nil {
			res.TimedOut = errors.Is(err, context.DeadlineExceeded)
			res.ExitCode = 1
			return res, err
		}
		data, err := os.ReadFile(filepath.Join(req.Root, filepath.FromSlash(rel)))
		if err != nil {
			return res, fmt.Errorf("%s: %w", h.name, err)
		}
		findings, err := h.evalFile(ctx, rel, data)
		if err != nil {
			return res, fmt.Errorf("%s: %s: %w", h.name, rel, err)
		}
		res.Findings = append(res.Findings, findings...)
	}
	if len(res.Findings) > 0 {
		res.ExitCode = 1
	}
	return res, nil
}

func (h luaHook) evalFile(ctx context.Context, rel string, data []byte) ([]Finding, error) {
	if instructionLimitWouldTrip(h.code, h.cfg.InstructionLimit) {
		return []Finding{{Path: rel, Message: sandboxInstructionViolation}}, nil
	}
	if h.cfg.MemoryLimitBytes > 0 && len(data) > h.cfg.MemoryLimitBytes {
		return []Finding{{Path: rel, Message: sandboxMemoryViolation}}, nil
	}
	L := newSandboxLuaState(h.name, rel, h.cfg)
	defer L.Close()
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}
	L.SetContext(ctx)

	args := L.NewTable()
	for i, a := range h.args {
		args.RawSetInt(i+1, lua.LString(a))
	}
	L.SetGlobal("path", lua.LString(rel))
	L.SetGlobal("content", lua.LString(string(data)))
	L.SetGlobal("args", args)

	fn, err := L.LoadString(h.code)
	if err != nil {
		return nil, err
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		if isTimeoutError(err) {
			return []Finding{{Path: rel, Message: sandboxTimeoutViolation}}, nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "registry overflow") {
			return []Finding{{Path: rel, Message: sandboxMemoryViolation}}, nil
		}
		return nil, errors.New(singleLine(err.Error()))
	}
	ret := L.Get(-1)
	L.Pop(1)
	return luaFindings(rel, ret), nil
}

func luaFindings(rel string, v lua.LValue) []Finding {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		if bool(x) {
			return nil
		}
		return []Finding{{Path: rel, Message: "rejected by lua hook"}}
	case lua.LString:
		return []Finding{{Path: rel, Message: string(x)}}
	case *lua.LTable:
		var out []Finding
		x.ForEach(func(_, item lua.LValue) {
			out = append(out, Finding{Path: rel, Message: item.String()})
		})
		return out
	default:
		return []Finding{{Path: rel, Message: "lua hook returned " + v.Type().String()}}
	}
}

func newSandboxLuaState(hook, rel string, cfg config.LuaSandbox) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:     true,
		RegistrySize:     256,
		RegistryMaxSize:  registryMaxFromMemory(cfg.MemoryLimitBytes),
		RegistryGrowStep: 0,
	})
	openLib := func(name string, f lua.LGFunction) {
		L.Push(L.NewFunction(f))
		L.Push(lua.LString(name))
		L.Call(1, 0)
	}
	if cfg.Libs.Base {
		openLib("base", lua.OpenBase)
	}
	if cfg.Libs.String {
		openLib("string", lua.OpenString)
	}
	if cfg.Libs.Table {
		openLib("table", lua.OpenTable)
	}
	if cfg.Libs.Math {
		openLib("math", lua.OpenMath)
		if cfg.DeterministicRandom {
			installDeterministicRandom(L, deterministicSeed(hook, rel))
		}
	}
	return L
}

func registryMaxFromMemory(memoryLimitBytes int) int {
	if memoryLimitBytes <= 0 {
		return 256
	}
	n := memoryLimitBytes / 64
	if n < 128 {
		n = 128
	}
	if n > 4096 {
		n = 4096
	}
	return n
}

func deterministicSeed(hook, rel string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(hook))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(rel))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func installDeterministicRandom(L *lua.LState, seed int64) {
	mathTbl, ok := L.GetGlobal("math").(*lua.LTable)
	if !ok || mathTbl == nil {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	mathTbl.RawSetString("random", L.NewFunction(func(L *lua.LState) int {
		switch L.GetTop() {
		case 0:
			L.Push(lua.LNumber(rng.Float64()))
			return 1
		case 1:
			max := L.CheckInt(1)
			if max < 1 {
				L.ArgError(1, "interval is empty")
				return 0
			}
			L.Push(lua.LNumber(rng.Intn(max) + 1))
			return 1
		default:
			min := L.CheckInt(1)
			max := L.CheckInt(2)
			if max < min {
				L.ArgError(2, "interval is empty")
				return 0
			}
			L.Push(lua.LNumber(rng.Intn(max-min+1) + min))
			return 1
		}
	}))
	mathTbl.RawSetString("randomseed", L.NewFunction(func(L *lua.LState) int { return 0 }))
}

// instructionLimitWouldTrip is a static estimate: gopher-lua has no
// instruction hook, so script size and unconditional loops stand in for it.
func instructionLimitWouldTrip(code string, limit int) bool {
	if limit <= 0 {
		return false
	}
	cost := len(code) * 10
	lower := strings.ToLower(code)
	if strings.Contains(lower, "while true") || strings.Contains(lower, "until false") {
		cost += limit + 1
	}
	return cost > limit
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadline") || strings.Contains(msg, "context canceled")
}

func init() { RegisterLanguage("lua", luaFactory) }
