package config

// parseChangesSection extracts optional changes.* fields.
func parseChangesSection(root section, c *Changes) error {
	s, ok, err := root.sub("changes")
	if err != nil || !ok {
		return err
	}
	return firstErr(
		ignore(s.boolean("mergeBase", &c.MergeBase)),
		ignore(s.boolean("includeUntracked", &c.IncludeUntracked)),
	)
}

// parseLintSection extracts optional lint.* fields.
func parseLintSection(root section, l *Lint) error {
	s, ok, err := root.sub("lint")
	if err != nil || !ok {
		return err
	}
	return firstErr(
		ignore(s.boolean("enabled", &l.Enabled)),
		ignore(s.duration("timeout", &l.Timeout)),
		ignore(s.integer("workers", &l.Workers)),
	)
}

// parseTypecheckSection extracts optional typecheck.* fields.
func parseTypecheckSection(root section, t *Typecheck) error {
	s, ok, err := root.sub("typecheck")
	if err != nil || !ok {
		return err
	}
	return firstErr(
		ignore(s.boolean("enabled", &t.Enabled)),
		ignore(s.duration("timeout", &t.Timeout)),
		ignore(s.str("program", &t.Program)),
		ignore(s.stringList("args", &t.Args)),
		ignore(s.boolean("gateTests", &t.GateTests)),
	)
}
