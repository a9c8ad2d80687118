package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doughall/rootbridge/internal/mountns"
	"github.com/doughall/rootbridge/internal/rootimpl"
	"github.com/doughall/rootbridge/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider answers authorization queries from fixed uid sets.
type stubProvider struct {
	impl     rootimpl.Impl
	granted  map[int32]bool
	umount   map[int32]bool
	managers map[int32]bool
}

func (s *stubProvider) Impl() rootimpl.Impl            { return s.impl }
func (s *stubProvider) Probe() rootimpl.Support        { return rootimpl.Supported }
func (s *stubProvider) UIDGrantedRoot(uid int32) bool  { return s.granted[uid] }
func (s *stubProvider) UIDShouldUmount(uid int32) bool { return s.umount[uid] }
func (s *stubProvider) UIDIsManager(uid int32) bool    { return s.managers[uid] }

// fakeCapturer returns /dev/null handles without spawning workers.
type fakeCapturer struct{}

func (fakeCapturer) Capture(kind mountns.Kind, impl rootimpl.Impl, pid int) (*os.File, error) {
	return os.Open(os.DevNull)
}

// startServer runs a Server over a temp socket and returns a dialed client.
func startServer(t *testing.T, provider rootimpl.Provider) *wire.Conn {
	t.Helper()

	registry := rootimpl.NewRegistryWithProviders(testLogger(), provider)
	cache := mountns.NewCache(fakeCapturer{}, registry, testLogger())
	srv := New(filepath.Join(t.TempDir(), "daemon.sock"), registry, cache, testLogger())

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: srv.SocketPath(), Net: "unix"})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn := wire.NewConn(uc)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGetImpl(t *testing.T) {
	conn := startServer(t, &stubProvider{impl: rootimpl.ImplKernelSU})

	if err := conn.WriteU8(OpGetImpl); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	got, err := conn.ReadU8()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if rootimpl.Impl(got) != rootimpl.ImplKernelSU {
		t.Errorf("impl = %d, want %d", got, rootimpl.ImplKernelSU)
	}
}

func TestGetFlags(t *testing.T) {
	provider := &stubProvider{
		impl:     rootimpl.ImplAPatch,
		granted:  map[int32]bool{10091: true},
		umount:   map[int32]bool{10092: true},
		managers: map[int32]bool{10091: true},
	}
	conn := startServer(t, provider)

	cases := []struct {
		uid  int32
		want uint8
	}{
		{10091, FlagGrantedRoot | FlagManager},
		{10092, FlagShouldUmount},
		{10093, 0},
	}
	for _, tc := range cases {
		if err := conn.WriteU8(OpGetFlags); err != nil {
			t.Fatalf("write opcode: %v", err)
		}
		if err := conn.WriteI32(tc.uid); err != nil {
			t.Fatalf("write uid: %v", err)
		}
		got, err := conn.ReadU8()
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		if got != tc.want {
			t.Errorf("flags(%d) = %#x, want %#x", tc.uid, got, tc.want)
		}
	}
}

func TestGetNamespace(t *testing.T) {
	conn := startServer(t, &stubProvider{impl: rootimpl.ImplAPatch})

	if err := conn.WriteU8(OpGetNamespace); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := conn.WriteU8(uint8(mountns.KindRoot)); err != nil {
		t.Fatalf("write kind: %v", err)
	}
	if err := conn.WriteI32(int32(os.Getpid())); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	status, err := conn.ReadU8()
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != StatusOK {
		t.Fatalf("status = %d, want %d", status, StatusOK)
	}
	fd, err := conn.RecvFile()
	if err != nil {
		t.Fatalf("RecvFile failed: %v", err)
	}
	os.NewFile(uintptr(fd), "received").Close()
}

func TestGetNamespace_DeadPid(t *testing.T) {
	conn := startServer(t, &stubProvider{impl: rootimpl.ImplAPatch})

	if err := conn.WriteU8(OpGetNamespace); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := conn.WriteU8(uint8(mountns.KindRoot)); err != nil {
		t.Fatalf("write kind: %v", err)
	}
	// pid_max on Linux tops out below 2^22; this pid cannot be running.
	if err := conn.WriteI32(1 << 24); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	status, err := conn.ReadU8()
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != StatusFailed {
		t.Errorf("status = %d, want %d", status, StatusFailed)
	}
}

func TestUnknownOpcodeClosesConnection(t *testing.T) {
	conn := startServer(t, &stubProvider{impl: rootimpl.ImplAPatch})

	if err := conn.WriteU8(0xff); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if _, err := conn.ReadU8(); err == nil {
		t.Error("expected connection to close on unknown opcode")
	}
}
