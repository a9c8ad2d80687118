// cache.go holds the process-wide namespace snapshot cache: three write-once
// slots, one per namespace kind.
package mountns

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/doughall/rootbridge/internal/rootimpl"
)

// Kind identifies which cached namespace handle is being requested.
type Kind int

const (
	// KindClean is the target's namespace with every provider mount
	// reverted: the view an excluded process should get.
	KindClean Kind = iota
	// KindRoot is the provider's native namespace, captured as-is.
	KindRoot
	// KindModule is the namespace with only module-overlay mounts reverted,
	// provider infrastructure left in place.
	KindModule

	kindCount = 3
)

// String returns the lowercase kind name used in logs and worker argv.
func (k Kind) String() string {
	switch k {
	case KindClean:
		return "clean"
	case KindRoot:
		return "root"
	case KindModule:
		return "module"
	default:
		return "invalid"
	}
}

// ErrUnknownKind is returned by ParseKind for unrecognized names.
var ErrUnknownKind = errors.New("unknown namespace kind")

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "clean":
		return KindClean, nil
	case "root":
		return KindRoot, nil
	case "module":
		return KindModule, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Cache lazily captures and permanently retains one namespace handle per
// kind. Slots are write-once: a populated handle is returned as-is for the
// daemon's remaining lifetime and is never closed, because the open
// descriptor is what keeps the kernel namespace alive. A failed capture
// leaves its slot empty, so a later call may retry; no partial state is
// ever committed.
type Cache struct {
	capturer Capturer
	registry *rootimpl.Registry
	log      *slog.Logger

	slots [kindCount]slot
}

// slot serializes first-access per kind. The mutex is held across the whole
// capture so concurrent first requests for one kind cannot spawn two workers
// or produce two divergent namespaces; requests for different kinds proceed
// in parallel.
type slot struct {
	mu sync.Mutex
	ns *os.File
}

// NewCache creates an empty snapshot cache.
func NewCache(capturer Capturer, registry *rootimpl.Registry, logger *slog.Logger) *Cache {
	return &Cache{
		capturer: capturer,
		registry: registry,
		log:      logger.With(slog.String("component", "nscache")),
	}
}

// Get returns the cached handle for kind, capturing it from the target pid's
// namespace on first request. Later calls return the same handle regardless
// of pid: a namespace kept alive by an open descriptor is stable, and the
// cache models exactly that guarantee.
func (c *Cache) Get(kind Kind, pid int) (*os.File, error) {
	if kind < 0 || kind >= kindCount {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	s := &c.slots[kind]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ns != nil {
		return s.ns, nil
	}

	impl := c.registry.Impl()
	if impl == rootimpl.ImplNone && kind != KindRoot {
		// Reverting without a provider is an internal-consistency violation;
		// refuse before spawning a worker that would hit the same wall.
		return nil, ErrNoProvider
	}

	ns, err := c.capturer.Capture(kind, impl, pid)
	if err != nil {
		return nil, err
	}

	s.ns = ns
	c.log.Info("namespace snapshot cached",
		slog.String("kind", kind.String()),
		slog.Int("source_pid", pid),
		slog.Uint64("fd", uint64(ns.Fd())),
	)
	return ns, nil
}
