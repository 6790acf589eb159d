// Package cache holds the explicit, run-external caches: warmed container
// images and per-hook working directories. Nothing here feeds the ChangeSet.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flarebyte/diffgate/internal/container"
	"gopkg.in/yaml.v3"
)

// DefaultDir returns the user cache directory for diffgate.
func DefaultDir() string {
	if d, err := os.UserCacheDir(); err == nil {
		return filepath.Join(d, "diffgate")
	}
	return filepath.Join(os.TempDir(), "diffgate-cache")
}

// WarmResult reports whether the previous image was available.
type WarmResult struct {
	Ref  string `json:"ref" yaml:"ref"`
	Hit  bool   `json:"hit" yaml:"hit"`
	Miss string `json:"miss,omitempty" yaml:"miss,omitempty"`
}

// ImageCache warms the layer cache from a previously published image.
type ImageCache struct {
	runtime container.Runtime
	ref     string
}

// NewImageCache returns a cache backed by ref. An empty ref disables warming.
func NewImageCache(rt container.Runtime, ref string) *ImageCache {
	return &ImageCache{runtime: rt, ref: ref}
}

// Warm pulls the cache image. A miss is recorded on the result and never
// returned as an error; only context cancellation is.
func (c *ImageCache) Warm(ctx context.Context) (WarmResult, error) {
	if c.ref == "" {
		return WarmResult{Miss: "no cache image configured"}, nil
	}
	res := WarmResult{Ref: c.ref}
	if err := c.runtime.Pull(ctx, c.ref); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		res.Miss = strings.Join(strings.Fields(err.Error()), " ")
		return res, nil
	}
	res.Hit = true
	return res, nil
}

// CacheFrom lists the images a build may reuse layers from after w.
func (c *ImageCache) CacheFrom(w WarmResult) []string {
	if w.Hit {
		return []string{w.Ref}
	}
	return nil
}

// keyInputs are the build inputs whose content decides the image key, besides
// the Dockerfile itself.
var keyInputs = []string{
	"requirements.txt",
	"requirements-test.txt",
	"requirements-build.txt",
	"setup.py",
	"setup.cfg",
	"pyproject.toml",
	"Makefile",
}

// ContextKey hashes the Dockerfile and dependency manifests in dir. Two builds
// with the same key produce interchangeable images.
func ContextKey(dir, dockerfile string) (string, error) {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	files := append([]string{dockerfile}, keyInputs...)
	sort.Strings(files[1:])
	h := sha256.New()
	for _, name := range files {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, name)
		}
		f, err := os.Open(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && name != dockerfile {
				continue
			}
			return "", fmt.Errorf("hash %s: %w", name, err)
		}
		_, _ = io.WriteString(h, filepath.Base(name)+"\x00")
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", name, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// HookCache hands out one content-addressed directory per (source, rev).
type HookCache struct {
	Root string
}

type hookCacheMeta struct {
	Source   string `yaml:"source"`
	Revision string `yaml:"revision"`
}

const hookMetaFile = ".diffgate-hook.yaml"

// Dir returns the directory for source at rev, creating it on first use.
func (c HookCache) Dir(source, rev string) (string, error) {
	if c.Root == "" {
		return "", nil
	}
	sum := sha256.Sum256([]byte(source + "@" + rev))
	dir := filepath.Join(c.Root, "hooks", hex.EncodeToString(sum[:])[:16])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("hook cache: %w", err)
	}
	metaPath := filepath.Join(dir, hookMetaFile)
	if _, err := os.Stat(metaPath); err == nil {
		return dir, nil
	}
	b, err := yaml.Marshal(hookCacheMeta{Source: source, Revision: rev})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		return "", fmt.Errorf("hook cache: %w", err)
	}
	return dir, nil
}

// Entries lists the cached (source, rev) pairs.
func (c HookCache) Entries() ([]string, error) {
	if c.Root == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(c.Root, "hooks", "*", hookMetaFile))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var meta hookCacheMeta
		if err := yaml.Unmarshal(b, &meta); err != nil {
			continue
		}
		out = append(out, meta.Source+"@"+meta.Revision)
	}
	sort.Strings(out)
	return out, nil
}
