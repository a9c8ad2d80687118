// Package mountns is the mount-namespace isolation engine. It captures
// per-kind snapshots of a target process's mount namespace (clean, root,
// module-reverted) by re-executing the daemon binary as a short-lived worker
// child, and it computes and performs the provider-specific mount detachments
// that hide injected module mounts.
//
// A captured namespace stays alive for as long as its /proc/<pid>/ns/mnt file
// descriptor stays open, even after every process inside it has exited
// (namespaces(7)). The whole design leans on that guarantee: handles are held
// open for the daemon's entire lifetime and never closed.
package mountns

import (
	"fmt"

	"github.com/moby/sys/mountinfo"
)

// Record is one row derived from the live mount table: just the fields the
// revert classification needs. Valid only for the duration of a single revert
// computation; never persisted.
type Record struct {
	// Point is the mount point path.
	Point string

	// Source is the mount source/tag ("APatch", "KSU", "magisk", a device,
	// or "none").
	Source string

	// Root is the pathname of the mount root within its source filesystem.
	Root string
}

// currentMounts reads the calling process's mount table in enumeration order.
// Workers call this after switching namespaces, so "calling process" is
// always the namespace being reverted.
func currentMounts() ([]Record, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	records := make([]Record, 0, len(infos))
	for _, info := range infos {
		records = append(records, Record{
			Point:  info.Mountpoint,
			Source: info.Source,
			Root:   info.Root,
		})
	}
	return records, nil
}
