package config

import "time"

// LuaSandbox bounds the interpreter used by `language: lua` hooks.
type LuaSandbox struct {
	Timeout             time.Duration
	InstructionLimit    int
	MemoryLimitBytes    int
	DeterministicRandom bool
	Libs                LuaLibs
}

// LuaLibs selects which standard Lua libraries are opened.
type LuaLibs struct {
	Base   bool
	Table  bool
	String bool
	Math   bool
}

func defaultLuaSandbox() LuaSandbox {
	return LuaSandbox{
		Timeout:             2 * time.Second,
		InstructionLimit:    1000000,
		MemoryLimitBytes:    8 * 1024 * 1024,
		DeterministicRandom: true,
		Libs:                LuaLibs{Base: true, Table: true, String: true, Math: true},
	}
}

// parseLuaSandboxSection extracts optional lua sandbox settings.
func parseLuaSandboxSection(root section, s *LuaSandbox) error {
	lv, ok, err := root.sub("lua")
	if err != nil || !ok {
		return err
	}
	if err := firstErr(
		ignore(lv.duration("timeout", &s.Timeout)),
		ignore(lv.integer("instructionLimit", &s.InstructionLimit)),
		ignore(lv.integer("memoryLimitBytes", &s.MemoryLimitBytes)),
		ignore(lv.boolean("deterministicRandom", &s.DeterministicRandom)),
	); err != nil {
		return err
	}
	libs, ok, err := lv.sub("libs")
	if err != nil || !ok {
		return err
	}
	return firstErr(
		ignore(libs.boolean("base", &s.Libs.Base)),
		ignore(libs.boolean("table", &s.Libs.Table)),
		ignore(libs.boolean("string", &s.Libs.String)),
		ignore(libs.boolean("math", &s.Libs.Math)),
	)
}
