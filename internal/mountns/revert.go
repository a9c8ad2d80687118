// revert.go computes and performs the provider-specific mount detachments
// that remove injected module mounts from the current namespace.
package mountns

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/doughall/rootbridge/internal/rootimpl"
)

// Paths and source tags the classification rules match against. These are
// fixed by the providers' injection layouts, not by this daemon.
const (
	debugRamdiskPath = "/debug_ramdisk"
	modulesMountRoot = "/adb/modules"
	modulesStorePath = "/data/adb/modules"
	systemBinPath    = "/system/bin"

	apatchSourceTag   = "APatch"
	kernelsuSourceTag = "KSU"
	magiskSourceTag   = "magisk"
)

// ErrNoProvider is returned when the revert engine is invoked without a
// detected root provider. That call path must not exist: without a provider
// there is nothing that could have injected mounts, and guessing at a
// detachment set could hide the wrong mounts.
var ErrNoProvider = errors.New("mount revert invoked without a root provider")

// Targets classifies the given mount table and returns the mount points to
// detach, in detachment order: the reverse of table enumeration order, so
// that nested mounts (listed after their parents) are detached first.
//
// With modulesOnly set, only the module-overlay mounts are selected, leaving
// the provider's own infrastructure mounts in place.
func Targets(records []Record, impl rootimpl.Impl, modulesOnly bool) ([]string, error) {
	var targets []string
	for _, r := range records {
		selected := false
		switch impl {
		case rootimpl.ImplAPatch:
			selected = kernelProviderMount(r, apatchSourceTag, modulesOnly)
		case rootimpl.ImplKernelSU:
			selected = kernelProviderMount(r, kernelsuSourceTag, modulesOnly)
		case rootimpl.ImplMagisk:
			if modulesOnly {
				selected = strings.HasPrefix(r.Point, debugRamdiskPath) ||
					(r.Source == magiskSourceTag && strings.HasPrefix(r.Point, systemBinPath))
			} else {
				selected = r.Source == magiskSourceTag ||
					strings.HasPrefix(r.Root, modulesMountRoot)
			}
		default:
			return nil, ErrNoProvider
		}
		if selected {
			targets = append(targets, r.Point)
		}
	}
	for i, j := 0, len(targets)-1; i < j; i, j = i+1, j-1 {
		targets[i], targets[j] = targets[j], targets[i]
	}
	return targets, nil
}

// kernelProviderMount is the shared classification for the two kernel-level
// providers, which differ only in their mount source tag.
func kernelProviderMount(r Record, tag string, modulesOnly bool) bool {
	if modulesOnly {
		return strings.HasPrefix(r.Point, debugRamdiskPath)
	}
	return r.Source == tag ||
		strings.HasPrefix(r.Root, modulesMountRoot) ||
		strings.HasPrefix(r.Point, modulesStorePath)
}

// detachMount lazily detaches one mount point. MNT_DETACH removes the mount
// from this namespace's view immediately without requiring it to be idle.
// Swapped out in tests.
var detachMount = func(path string) error {
	return unix.Unmount(path, unix.MNT_DETACH)
}

// Revert detaches every mount the classification selects from the current
// namespace. A detachment failure aborts the remaining sequence: partial
// unmounts stay visible, but the caller is told something is wrong rather
// than being handed a namespace that silently still leaks module mounts.
func Revert(impl rootimpl.Impl, modulesOnly bool, log *slog.Logger) error {
	records, err := currentMounts()
	if err != nil {
		return err
	}
	return revertRecords(records, impl, modulesOnly, log)
}

func revertRecords(records []Record, impl rootimpl.Impl, modulesOnly bool, log *slog.Logger) error {
	targets, err := Targets(records, impl, modulesOnly)
	if err != nil {
		return err
	}
	for _, path := range targets {
		if err := detachMount(path); err != nil {
			log.Error("failed to detach mount", slog.String("path", path), slog.String("error", err.Error()))
			return fmt.Errorf("failed to detach %s: %w", path, err)
		}
		log.Debug("detached mount", slog.String("path", path))
	}
	return nil
}
