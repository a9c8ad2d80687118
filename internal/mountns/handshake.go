// handshake.go is the parent side of the namespace capture protocol.
//
// Go cannot fork, so "duplicate the calling process" is modelled as a
// re-exec of the daemon's own binary in a hidden worker mode. Parent and
// child share a single anonymous pipe, both ends inherited by the child, and
// run a two-message protocol over it:
//
//	child:  write ready ping (4-byte LE zero), sleep 50ms, read 4 bytes,
//	        repeat until the value read equals its own pid
//	parent: read one ping, open /proc/<child>/ns/mnt, write the child's pid
//
// The child's poll loop is what keeps the child - and therefore its
// /proc/<pid>/ns/mnt entry - alive until the parent's open has happened; a
// single blocking signal cannot close that race, so the child polls instead.
package mountns

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/doughall/rootbridge/internal/rootimpl"
)

// WorkerCommand is the hidden argv[1] that switches the daemon binary into
// namespace-worker mode. Dispatched in main before flag parsing.
const WorkerCommand = "ns-worker"

// Capturer produces a durable handle to a mount namespace derived from the
// target pid's namespace. Implemented by ExecCapturer; faked in cache tests.
type Capturer interface {
	// Capture returns an open /proc/<pid>/ns/mnt handle. The caller owns the
	// handle and is expected to keep it open for the process lifetime.
	// There is no partial success: either a valid handle or an error.
	Capture(kind Kind, impl rootimpl.Impl, pid int) (*os.File, error)
}

// ExecCapturer captures namespaces by re-executing the daemon binary as a
// worker child and running the pipe handshake against it.
type ExecCapturer struct {
	exe string
	log *slog.Logger
}

// NewExecCapturer resolves the daemon's own binary path for re-execution.
func NewExecCapturer(logger *slog.Logger) (*ExecCapturer, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own executable: %w", err)
	}
	return &ExecCapturer{
		exe: exe,
		log: logger.With(slog.String("component", "capturer")),
	}, nil
}

// Capture spawns the worker child and runs the handshake.
//
// The child switches into pid's mount namespace, optionally unshares and
// reverts module mounts (kind != KindRoot), then pings readiness over the
// pipe until the parent acknowledges with the child's pid. In between the
// first ping and the acknowledgement the parent opens the child's namespace
// file; the resulting descriptor outlives the child and is the returned
// handle.
func (c *ExecCapturer) Capture(kind Kind, impl rootimpl.Impl, pid int) (*os.File, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake pipe: %w", err)
	}
	defer reader.Close()
	defer writer.Close()

	cmd := exec.Command(c.exe, WorkerCommand,
		"-pid", strconv.Itoa(pid),
		"-kind", kind.String(),
		"-impl", impl.String(),
	)
	// The child gets both pipe ends, fds 3 and 4, exactly like a forked
	// process would inherit them.
	cmd.ExtraFiles = []*os.File{reader, writer}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn namespace worker: %w", err)
	}
	child := cmd.Process.Pid
	c.log.Debug("waiting for worker to prepare mount namespace",
		slog.Int("worker_pid", child),
		slog.String("kind", kind.String()),
	)

	// A blocking read here cannot rely on EOF to detect a dead child: the
	// parent itself holds the pipe's write end. The worker therefore sends a
	// non-zero ping before exiting when its namespace setup fails.
	ready, err := readPipeInt(reader)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("worker handshake failed before readiness: %w", err)
	}
	if ready != 0 {
		_ = cmd.Wait()
		return nil, fmt.Errorf("namespace worker failed during setup (code %d)", ready)
	}

	// The child is alive and looping: its namespace entry is now safe to
	// open. This descriptor is what keeps the namespace alive after the
	// child exits.
	ns, openErr := os.OpenFile(fmt.Sprintf("/proc/%d/ns/mnt", child), os.O_RDONLY, 0)

	// Release the child regardless: it must not be left polling.
	if err := writePipeInt(writer, int32(child)); err != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	if openErr != nil {
		return nil, fmt.Errorf("failed to open worker namespace: %w", openErr)
	}
	if waitErr != nil {
		ns.Close()
		return nil, fmt.Errorf("namespace worker failed: %w", waitErr)
	}

	c.log.Debug("captured mount namespace",
		slog.Int("worker_pid", child),
		slog.String("kind", kind.String()),
		slog.Uint64("fd", uint64(ns.Fd())),
	)
	return ns, nil
}

// writePipeInt writes one 4-byte little-endian protocol message.
func writePipeInt(w io.Writer, value int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(value))
	_, err := w.Write(buf[:])
	return err
}

// readPipeInt reads one 4-byte little-endian protocol message.
func readPipeInt(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}
