// Package sysprop reads and writes Android system properties through the
// getprop/setprop binaries. Spawning the helpers avoids linking against the
// platform property library and works from any mount namespace that can see
// /system/bin.
package sysprop

import (
	"context"
	"fmt"
	"strings"

	"github.com/doughall/rootbridge/internal/hostcmd"
)

// Props accesses system properties via helper binaries.
type Props struct {
	runner  *hostcmd.Runner
	getprop string
	setprop string
}

// New creates a Props using the default helper binaries.
func New() *Props {
	return &Props{runner: hostcmd.New(), getprop: "getprop", setprop: "setprop"}
}

// Get returns the property value, or the empty string when the property is
// unset. getprop prints an empty line for unknown names rather than failing.
func (p *Props) Get(ctx context.Context, name string) (string, error) {
	out, err := p.runner.Output(ctx, p.getprop, name)
	if err != nil {
		return "", fmt.Errorf("failed to read property %s: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}

// Set writes the property value. Property writes are restricted by the
// platform's SELinux policy; a denial surfaces as a non-zero setprop exit.
func (p *Props) Set(ctx context.Context, name, value string) error {
	result, err := p.runner.Run(ctx, p.setprop, name, value)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", p.setprop, err)
	}
	if !result.Ok() {
		return fmt.Errorf("setprop %s failed: %s", name, strings.TrimSpace(result.Stderr))
	}
	return nil
}
