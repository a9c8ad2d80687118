// kernelsu.go implements the KernelSU provider.
//
// KernelSU lives in the kernel and is queried through a reserved prctl(2)
// option. The kernel signals that it handled a call by writing the option
// value back through the reply pointer; on a kernel without KernelSU the
// prctl falls through unhandled and the reply stays zero.
package rootimpl

import (
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// ksuOption is the reserved prctl option KernelSU hooks.
	ksuOption = 0xdeadbeef

	ksuCmdGetVersion      = 2
	ksuCmdUIDGrantedRoot  = 12
	ksuCmdUIDShouldUmount = 13

	// Version window this daemon understands. Kernels beyond the upper
	// bound use an incompatible ABI and are treated as absent.
	minKsuVersion = 10940
	maxKsuVersion = 20000

	ksuManagerDataDir = "/data/user_de/0/me.weishu.kernelsu"
)

// ksuTransport issues KernelSU prctl commands. The second return value
// reports whether the kernel acknowledged the call at all; false means the
// kernel has no KernelSU. Faked in tests, since a kernel cannot be.
type ksuTransport interface {
	// version returns the KernelSU version code.
	version() (int32, bool)
	// uidFlag queries a per-uid boolean (granted root, should umount).
	uidFlag(cmd uintptr, uid int32) (bool, bool)
}

// prctlTransport is the real prctl-based transport.
//
// The prctl itself "fails" with EINVAL on every kernel, patched or not; the
// reply magic written through the fifth argument is the only trustworthy
// success signal, so syscall errors are ignored throughout.
type prctlTransport struct{}

func (prctlTransport) version() (int32, bool) {
	var version int32
	var reply uint32
	unix.Syscall6(unix.SYS_PRCTL,
		uintptr(ksuOption), uintptr(ksuCmdGetVersion),
		uintptr(unsafe.Pointer(&version)), 0,
		uintptr(unsafe.Pointer(&reply)), 0)
	return version, reply == ksuOption
}

func (prctlTransport) uidFlag(cmd uintptr, uid int32) (bool, bool) {
	var flag int32
	var reply uint32
	unix.Syscall6(unix.SYS_PRCTL,
		uintptr(ksuOption), cmd,
		uintptr(uid), uintptr(unsafe.Pointer(&flag)),
		uintptr(unsafe.Pointer(&reply)), 0)
	return flag != 0, reply == ksuOption
}

// KernelSU answers authorization queries through the in-kernel allow list.
type KernelSU struct {
	// ManagerDataDir is the manager app's data directory; its owner uid
	// identifies the manager.
	ManagerDataDir string

	// MinVersion and MaxVersion bound the supported kernel ABI window.
	MinVersion int32
	MaxVersion int32

	transport ksuTransport
	log       *slog.Logger
}

// NewKernelSU creates a KernelSU provider using the real prctl transport.
func NewKernelSU(logger *slog.Logger) *KernelSU {
	return &KernelSU{
		ManagerDataDir: ksuManagerDataDir,
		MinVersion:     minKsuVersion,
		MaxVersion:     maxKsuVersion,
		transport:      prctlTransport{},
		log:            logger.With(slog.String("component", "kernelsu")),
	}
}

// Impl returns ImplKernelSU.
func (k *KernelSU) Impl() Impl { return ImplKernelSU }

// Probe asks the kernel for its KernelSU version. No acknowledgement means
// no KernelSU in this kernel: Unsupported, never an error.
func (k *KernelSU) Probe() Support {
	version, ok := k.transport.version()
	if !ok {
		return Unsupported
	}
	switch {
	case version >= k.MinVersion && version < k.MaxVersion:
		return Supported
	case version > 0 && version < k.MinVersion:
		return TooOld
	default:
		return Unsupported
	}
}

// UIDGrantedRoot asks the kernel whether uid is on the allow list.
func (k *KernelSU) UIDGrantedRoot(uid int32) bool {
	granted, ok := k.transport.uidFlag(ksuCmdUIDGrantedRoot, uid)
	return ok && granted
}

// UIDShouldUmount asks the kernel whether uid's mounts must be reverted.
func (k *KernelSU) UIDShouldUmount(uid int32) bool {
	umount, ok := k.transport.uidFlag(ksuCmdUIDShouldUmount, uid)
	return ok && umount
}

// UIDIsManager reports whether uid owns the manager app's data directory.
func (k *KernelSU) UIDIsManager(uid int32) bool {
	return pathOwnedBy(k.ManagerDataDir, uid)
}
