package config

import (
	"strconv"

	"cuelang.org/go/cue"
)

// parseTestSection extracts optional test.* fields. A present section enables
// the stage unless test.enabled says otherwise.
func parseTestSection(root section, t *Test) error {
	s, ok, err := root.sub("test")
	if err != nil || !ok {
		return err
	}
	t.Enabled = true
	if err := firstErr(
		ignore(s.boolean("enabled", &t.Enabled)),
		ignore(s.duration("timeout", &t.Timeout)),
		ignore(s.str("runtime", &t.Runtime)),
		ignore(s.str("image", &t.Image)),
		ignore(s.str("cacheImage", &t.CacheImage)),
		ignore(s.str("dockerfile", &t.Dockerfile)),
		ignore(s.str("context", &t.Context)),
		ignore(s.str("network", &t.Network)),
		ignore(s.str("workdir", &t.Workdir)),
		ignore(s.stringList("command", &t.Command)),
		ignore(s.stringMap("env", &t.Env)),
		ignore(s.stringMap("mounts", &t.Mounts)),
		parseServices(s, &t.Services),
		parseCoverageSection(s, &t.Coverage),
	); err != nil {
		return err
	}
	return nil
}

func parseServices(s section, dst *[]Service) error {
	f, ok := s.field("services")
	if !ok {
		return nil
	}
	if f.Kind() != cue.ListKind {
		return s.typeErr("services", "list")
	}
	it, err := f.List()
	if err != nil {
		return s.typeErr("services", "list")
	}
	var out []Service
	for i := 0; it.Next(); i++ {
		el := it.Value()
		if el.Kind() != cue.StructKind {
			return s.typeErr("services", "list of structs")
		}
		es := section{path: s.path, prefix: s.name("services") + "[" + strconv.Itoa(i) + "]", v: el}
		var svc Service
		if err := firstErr(
			ignore(es.str("name", &svc.Name)),
			ignore(es.str("image", &svc.Image)),
			ignore(es.stringMap("env", &svc.Env)),
		); err != nil {
			return err
		}
		out = append(out, svc)
	}
	*dst = out
	return nil
}

func parseCoverageSection(s section, c *Coverage) error {
	cs, ok, err := s.sub("coverage")
	if err != nil || !ok {
		return err
	}
	if _, err := cs.str("path", &c.Path); err != nil {
		return err
	}
	us, ok, err := cs.sub("upload")
	if err != nil || !ok {
		return err
	}
	u := &c.Upload
	return firstErr(
		ignore(us.str("kind", &u.Kind)),
		ignore(us.str("url", &u.URL)),
		ignore(us.str("tokenEnv", &u.TokenEnv)),
		ignore(us.str("endpoint", &u.Endpoint)),
		ignore(us.str("bucket", &u.Bucket)),
		ignore(us.str("region", &u.Region)),
		ignore(us.str("prefix", &u.Prefix)),
		ignore(us.str("accessKeyEnv", &u.AccessKeyEnv)),
		ignore(us.str("secretKeyEnv", &u.SecretKeyEnv)),
		ignore(us.boolean("useSSL", &u.UseSSL)),
	)
}
