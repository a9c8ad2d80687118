// worker.go is the child side of the namespace capture protocol: the body of
// the hidden "ns-worker" mode the daemon binary re-executes itself into.
package mountns

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/doughall/rootbridge/internal/rootimpl"
)

// Inherited handshake pipe descriptors, matching ExtraFiles order in Capture.
const (
	workerPipeReadFD  = 3
	workerPipeWriteFD = 4
)

// pollInterval is the pause between the worker's ready pings. Long enough to
// avoid spinning, short enough that capture latency stays invisible.
const pollInterval = 50 * time.Millisecond

// RunWorker prepares a mount namespace and holds it open for the parent.
// It returns the worker's exit code.
//
// Steps: join the target pid's mount namespace; for non-root kinds, unshare
// a private copy and detach the provider's module mounts; then ping the
// parent over the inherited pipe until the parent acknowledges with this
// process's pid. The poll loop deliberately has no upper bound: the worker's
// only job is to stay alive until the parent has opened /proc/<pid>/ns/mnt,
// and the parent is the daemon itself.
func RunWorker(args []string) int {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(
		slog.String("component", "ns-worker"),
		slog.Int("pid", os.Getpid()),
	)

	fs := flag.NewFlagSet(WorkerCommand, flag.ContinueOnError)
	targetPID := fs.Int("pid", 0, "pid whose mount namespace to join")
	kindName := fs.String("kind", "", "namespace kind to prepare (clean, root, module)")
	implName := fs.String("impl", "", "detected root implementation")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	kind, err := ParseKind(*kindName)
	if err != nil {
		log.Error("invalid worker arguments", slog.String("error", err.Error()))
		return 2
	}
	impl, err := rootimpl.ParseImpl(*implName)
	if err != nil {
		log.Error("invalid worker arguments", slog.String("error", err.Error()))
		return 2
	}
	if *targetPID <= 0 {
		log.Error("invalid worker arguments", slog.Int("target_pid", *targetPID))
		return 2
	}

	reader := os.NewFile(workerPipeReadFD, "handshake-read")
	writer := os.NewFile(workerPipeWriteFD, "handshake-write")
	if reader == nil || writer == nil {
		log.Error("handshake pipe descriptors not inherited")
		return 2
	}

	if err := prepareNamespace(*targetPID, kind, impl, log); err != nil {
		log.Error("failed to prepare mount namespace", slog.String("error", err.Error()))
		// The parent holds the pipe's write end and would never see EOF;
		// a non-zero ping tells it setup failed before readiness.
		_ = writePipeInt(writer, 1)
		return 1
	}

	// Ready. Stay alive until the parent has opened our namespace file:
	// ping, pause, and check whether the value echoed back is our own pid.
	// The parent's read and ours race on the shared pipe; consuming our own
	// ping is harmless, the next iteration sends another.
	self := int32(os.Getpid())
	for {
		if err := writePipeInt(writer, 0); err != nil {
			log.Error("handshake write failed", slog.String("error", err.Error()))
			return 1
		}
		time.Sleep(pollInterval)
		value, err := readPipeInt(reader)
		if err != nil {
			log.Error("handshake read failed", slog.String("error", err.Error()))
			return 1
		}
		if value == self {
			return 0
		}
	}
}

// prepareNamespace switches the calling thread into the target's mount
// namespace and, for non-root kinds, detaches module mounts in a private
// copy so the target's own namespace is never disturbed.
func prepareNamespace(targetPID int, kind Kind, impl rootimpl.Impl, log *slog.Logger) error {
	// The thread executing the namespace switch must not wander.
	runtime.LockOSThread()

	// setns(CLONE_NEWNS) refuses callers sharing filesystem state across
	// threads, which every Go process does; unsharing CLONE_FS first gives
	// this thread its own.
	if err := unix.Unshare(unix.CLONE_FS); err != nil {
		return fmt.Errorf("failed to unshare filesystem state: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to read working directory: %w", err)
	}

	nsFile, err := os.Open(fmt.Sprintf("/proc/%d/ns/mnt", targetPID))
	if err != nil {
		return fmt.Errorf("failed to open target namespace: %w", err)
	}
	defer nsFile.Close()

	if err := unix.Setns(int(nsFile.Fd()), unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("failed to join mount namespace of pid %d: %w", targetPID, err)
	}

	// Namespace switches reset the working directory; restore it.
	if err := os.Chdir(cwd); err != nil {
		return fmt.Errorf("failed to restore working directory: %w", err)
	}

	if kind == KindRoot {
		return nil
	}

	// Detach into a private copy before reverting, so the detachments are
	// visible only to this worker and to holders of the captured handle.
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("failed to unshare mount namespace: %w", err)
	}
	return Revert(impl, kind == KindModule, log)
}
