package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/junbin-yang/coapd/pkg/coaperr"
	"github.com/junbin-yang/coapd/pkg/codec"
)

// mountEntry is one sub-router mounted under a path prefix.
type mountEntry struct {
	prefix string
	sub    *Router
}

// Composite dispatches across mounted sub-routers by longest-prefix match
// on the mount path. It is the single source of truth for an
// application's resource tree; a "base" global router, if any, is just a
// Composite with one mount at "/".
type Composite struct {
	mu     sync.RWMutex
	mounts []mountEntry // kept sorted longest-prefix-first
}

func NewComposite() *Composite {
	return &Composite{}
}

func normalizeMount(prefix string) (string, error) {
	if prefix == "" {
		return "", coaperr.ErrMissingMountPath
	}
	if prefix[0] != '/' {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 && strings.HasSuffix(prefix, "/") {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix, nil
}

// Mount attaches sub under prefix. Nested mounts (a Composite mounted
// inside another) must be flattened by the caller via MountComposite,
// which also detects cycles.
func (c *Composite) Mount(prefix string, sub *Router) error {
	norm, err := normalizeMount(prefix)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.mounts {
		if m.prefix == norm {
			return fmt.Errorf("router: mount %s already registered: %w", norm, coaperr.ErrDuplicateRoute)
		}
	}
	c.mounts = append(c.mounts, mountEntry{prefix: norm, sub: sub})
	sort.SliceStable(c.mounts, func(i, j int) bool {
		return len(c.mounts[i].prefix) > len(c.mounts[j].prefix)
	})
	return nil
}

// MountComposite flattens a child Composite's mounts into this one,
// concatenating parentPrefix with each child mount path, and rejects
// cyclic nesting (a child that (transitively) already contains this
// Composite)
func (c *Composite) MountComposite(parentPrefix string, child *Composite) error {
	if child == c {
		return coaperr.ErrCyclicNesting
	}
	base, err := normalizeMount(parentPrefix)
	if err != nil {
		return err
	}
	child.mu.RLock()
	childMounts := append([]mountEntry(nil), child.mounts...)
	child.mu.RUnlock()

	for _, m := range childMounts {
		full := base
		if m.prefix != "/" {
			full = base + m.prefix
		}
		if err := c.Mount(full, m.sub); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch strips the longest matching mount prefix and resolves within
// that sub-router.
func (c *Composite) Dispatch(method codec.Code, path string) (h Handler, params map[string]string, pathExistsOtherMethod bool) {
	c.mu.RLock()
	mounts := c.mounts
	c.mu.RUnlock()

	norm := normalizePattern(path)
	for _, m := range mounts {
		stripped, ok := stripPrefix(norm, m.prefix)
		if !ok {
			continue
		}
		h, params, existsOther := m.sub.Match(method, stripped)
		if h != nil {
			return h, params, false
		}
		if existsOther {
			pathExistsOtherMethod = true
		}
		// Longest prefix already matched first; if nothing matched within
		// it, don't fall through to a shorter mount for the same resource.
		return nil, nil, pathExistsOtherMethod
	}
	return nil, nil, false
}

func stripPrefix(path, prefix string) (string, bool) {
	if prefix == "/" {
		return path, true
	}
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}
	return "", false
}

// AllRoutes walks every mount for CoRE Link Format emission, returning
// full (mount-prefixed) paths.
func (c *Composite) AllRoutes() []RouteInfo {
	c.mu.RLock()
	mounts := append([]mountEntry(nil), c.mounts...)
	c.mu.RUnlock()

	var out []RouteInfo
	for _, m := range mounts {
		for _, ri := range m.sub.Routes() {
			full := m.prefix
			if ri.Path != "/" {
				if full == "/" {
					full = ri.Path
				} else {
					full = m.prefix + ri.Path
				}
			}
			out = append(out, RouteInfo{Method: ri.Method, Path: full, Meta: ri.Meta})
		}
	}
	return out
}
