// Package selinux wraps the small set of SELinux operations the daemon needs:
// relabeling its socket, reading its own domain, and steering the label of
// sockets it is about to create. Everything goes through procfs or the chcon
// binary; no libselinux linkage.
package selinux

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/doughall/rootbridge/internal/hostcmd"
)

const (
	currentAttrPath    = "/proc/self/attr/current"
	sockCreateAttrPath = "/proc/thread-self/attr/sockcreate"
)

// Labeler applies SELinux contexts via the host's chcon binary.
type Labeler struct {
	runner *hostcmd.Runner
	helper string
}

// NewLabeler creates a Labeler using the default chcon binary.
func NewLabeler() *Labeler {
	return &Labeler{runner: hostcmd.New(), helper: "chcon"}
}

// Chcon relabels path with the given context.
func (l *Labeler) Chcon(ctx context.Context, path, secontext string) error {
	result, err := l.runner.Run(ctx, l.helper, secontext, path)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", l.helper, err)
	}
	if !result.Ok() {
		return fmt.Errorf("%s %s %s failed: %s", l.helper, secontext, path, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// Current returns the calling process's SELinux domain. On kernels without
// SELinux the attribute file is absent and an error is returned.
func Current() (string, error) {
	data, err := os.ReadFile(currentAttrPath)
	if err != nil {
		return "", fmt.Errorf("failed to read SELinux domain: %w", err)
	}
	// The attribute is NUL-terminated.
	return strings.TrimRight(string(data), "\x00\n"), nil
}

// SetSockCreate steers the label applied to sockets created by the calling
// thread. An empty context resets to the default. The caller must keep the
// goroutine locked to its OS thread for the attribute to cover the socket it
// is about to create; sockcreate is per-thread state.
func SetSockCreate(secontext string) error {
	payload := []byte(secontext)
	if err := os.WriteFile(sockCreateAttrPath, payload, 0o644); err == nil {
		return nil
	}
	// Older kernels lack /proc/thread-self; address the tid directly.
	tidPath := fmt.Sprintf("/proc/self/task/%d/attr/sockcreate", unix.Gettid())
	if err := os.WriteFile(tidPath, payload, 0o644); err != nil {
		return fmt.Errorf("failed to set socket creation context: %w", err)
	}
	return nil
}
