// Package rootimpl abstracts over the mutually-incompatible root-granting
// subsystems a device may have installed: APatch, KernelSU, or Magisk.
//
// Each provider keeps its own bookkeeping (a CSV table, a kernel prctl
// interface, a sqlite database), so the package exposes a small capability
// interface and detects exactly once per process which provider is active.
// All authorization queries degrade to deny: a provider that cannot be read
// never grants anything by accident.
package rootimpl

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
)

// Impl identifies the active root implementation. The set is closed: adding
// a provider means teaching the revert engine its mount-detachment rules too.
type Impl int

const (
	// ImplNone means no supported root provider was found.
	ImplNone Impl = iota
	// ImplAPatch is the APatch kernel-patch provider.
	ImplAPatch
	// ImplKernelSU is the KernelSU kernel-module provider.
	ImplKernelSU
	// ImplMagisk is the Magisk overlay provider.
	ImplMagisk
)

// String returns the lowercase provider name used in logs and worker argv.
func (i Impl) String() string {
	switch i {
	case ImplAPatch:
		return "apatch"
	case ImplKernelSU:
		return "kernelsu"
	case ImplMagisk:
		return "magisk"
	default:
		return "none"
	}
}

// ErrUnknownImpl is returned by ParseImpl for unrecognized names.
var ErrUnknownImpl = errors.New("unknown root implementation")

// ParseImpl is the inverse of Impl.String. The namespace worker child receives
// the parent's detection result as an argv string and parses it back.
func ParseImpl(s string) (Impl, error) {
	switch s {
	case "apatch":
		return ImplAPatch, nil
	case "kernelsu":
		return ImplKernelSU, nil
	case "magisk":
		return ImplMagisk, nil
	case "none":
		return ImplNone, nil
	default:
		return ImplNone, fmt.Errorf("%w: %q", ErrUnknownImpl, s)
	}
}

// Support is the result of probing a provider's version.
type Support int

const (
	// Unsupported means the provider is absent or unreadable.
	Unsupported Support = iota
	// TooOld means the provider is present but below the minimum version.
	TooOld
	// Supported means the provider is present and usable.
	Supported
)

// String returns a log-friendly name for the support state.
func (s Support) String() string {
	switch s {
	case Supported:
		return "supported"
	case TooOld:
		return "too_old"
	default:
		return "unsupported"
	}
}

// Provider is the per-implementation capability interface. All four queries
// are pure: no side effects beyond transient subprocess spawns or file reads,
// and no caching, since the backing data may change between queries.
type Provider interface {
	// Impl returns the implementation tag this provider serves.
	Impl() Impl

	// Probe checks whether the provider is installed and recent enough.
	Probe() Support

	// UIDGrantedRoot reports whether uid may assume elevated privileges.
	UIDGrantedRoot(uid int32) bool

	// UIDShouldUmount reports whether uid's view of the filesystem must
	// exclude module-injected mounts.
	UIDShouldUmount(uid int32) bool

	// UIDIsManager reports whether uid belongs to the provider's manager app.
	UIDIsManager(uid int32) bool
}

// Registry owns the one-time provider detection for the process. Detection is
// deliberately never re-evaluated: switching root providers requires a daemon
// restart. A fresh Registry per test run keeps the machinery testable.
type Registry struct {
	log        *slog.Logger
	candidates []Provider
	forced     *Impl

	once   sync.Once
	impl   Impl
	active Provider
}

// NewRegistry creates a Registry probing the default providers in order:
// KernelSU, APatch, Magisk. The first one reporting Supported wins.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		log: logger.With(slog.String("component", "rootimpl")),
		candidates: []Provider{
			NewKernelSU(logger),
			NewAPatch(logger),
			NewMagisk(logger),
		},
	}
}

// NewRegistryWithProviders creates a Registry with an explicit candidate list.
// Used by tests and by forced configuration.
func NewRegistryWithProviders(logger *slog.Logger, providers ...Provider) *Registry {
	return &Registry{
		log:        logger.With(slog.String("component", "rootimpl")),
		candidates: providers,
	}
}

// Force pins the detection result to the given implementation, skipping
// probing. The matching candidate still serves queries; forcing an
// implementation with no candidate (or ImplNone) disables authorization.
// Must be called before the first query; it has no effect afterwards.
func (r *Registry) Force(impl Impl) {
	r.forced = &impl
}

// detect runs the one-time detection pass.
func (r *Registry) detect() {
	if r.forced != nil {
		r.impl = *r.forced
		for _, p := range r.candidates {
			if p.Impl() == r.impl {
				r.active = p
				break
			}
		}
		r.log.Info("root provider forced by configuration",
			slog.String("impl", r.impl.String()),
		)
		return
	}

	for _, p := range r.candidates {
		support := p.Probe()
		r.log.Debug("probed root provider",
			slog.String("impl", p.Impl().String()),
			slog.String("support", support.String()),
		)
		switch support {
		case Supported:
			r.impl = p.Impl()
			r.active = p
			r.log.Info("root provider detected",
				slog.String("impl", r.impl.String()),
			)
			return
		case TooOld:
			// Present but unusable. Treated like absence for authorization
			// purposes, but worth a loud log since the fix is a provider
			// update, not a daemon bug.
			r.log.Warn("root provider version too old",
				slog.String("impl", p.Impl().String()),
			)
		}
	}

	r.impl = ImplNone
	r.log.Warn("no supported root provider detected, all queries will deny")
}

// Impl returns the detected implementation, probing on first use.
func (r *Registry) Impl() Impl {
	r.once.Do(r.detect)
	return r.impl
}

// Provider returns the active provider, or nil when none is detected.
func (r *Registry) Provider() Provider {
	r.once.Do(r.detect)
	return r.active
}

// UIDGrantedRoot answers via the active provider; denies when there is none.
func (r *Registry) UIDGrantedRoot(uid int32) bool {
	if p := r.Provider(); p != nil {
		return p.UIDGrantedRoot(uid)
	}
	return false
}

// UIDShouldUmount answers via the active provider; false when there is none.
func (r *Registry) UIDShouldUmount(uid int32) bool {
	if p := r.Provider(); p != nil {
		return p.UIDShouldUmount(uid)
	}
	return false
}

// UIDIsManager answers via the active provider; false when there is none.
func (r *Registry) UIDIsManager(uid int32) bool {
	if p := r.Provider(); p != nil {
		return p.UIDIsManager(uid)
	}
	return false
}

// pathOwnedBy reports whether path exists and is owned by uid.
// Any stat failure means "not the owner": the manager probe must never
// grant on uncertainty.
func pathOwnedBy(path string, uid int32) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return st.Uid == uint32(uid)
}
