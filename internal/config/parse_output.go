package config

// parseOutputSection extracts optional output.*, history.*, cache.* and log.* fields.
func parseOutputSection(root section, cfg *Pipeline) error {
	if s, ok, err := root.sub("output"); err != nil {
		return err
	} else if ok {
		if err := firstErr(
			ignore(s.str("format", &cfg.Output.Format)),
			ignore(s.str("report", &cfg.Output.Report)),
		); err != nil {
			return err
		}
	}
	if s, ok, err := root.sub("history"); err != nil {
		return err
	} else if ok {
		if _, err := s.str("dsn", &cfg.History.DSN); err != nil {
			return err
		}
	}
	if s, ok, err := root.sub("cache"); err != nil {
		return err
	} else if ok {
		if _, err := s.str("dir", &cfg.Cache.Dir); err != nil {
			return err
		}
	}
	if s, ok, err := root.sub("log"); err != nil {
		return err
	} else if ok {
		return firstErr(
			ignore(s.str("level", &cfg.Log.Level)),
			ignore(s.str("format", &cfg.Log.Format)),
		)
	}
	return nil
}
