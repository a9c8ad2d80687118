// apatch_test.go tests the APatch version probe and package_config parsing.
// Probes run against stub helper scripts; table queries against temp files.
package rootimpl

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/doughall/rootbridge/internal/hostcmd"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+content+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// writeTable writes a package_config fixture and returns its path.
func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "package_config")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write table: %v", err)
	}
	return path
}

func newTestAPatch(t *testing.T) *APatch {
	t.Helper()
	a := NewAPatch(testLogger())
	a.runner = hostcmd.New()
	return a
}

func TestAPatchProbe_Supported(t *testing.T) {
	a := newTestAPatch(t)
	a.Helper = writeScript(t, `echo "apd 12"`)
	a.MinVersion = 10

	if got := a.Probe(); got != Supported {
		t.Errorf("Probe() = %v, want Supported", got)
	}
}

func TestAPatchProbe_TooOld(t *testing.T) {
	a := newTestAPatch(t)
	a.Helper = writeScript(t, `echo "apd 5"`)
	a.MinVersion = 10

	if got := a.Probe(); got != TooOld {
		t.Errorf("Probe() = %v, want TooOld", got)
	}
}

func TestAPatchProbe_HelperAbsent(t *testing.T) {
	a := newTestAPatch(t)
	a.Helper = filepath.Join(t.TempDir(), "no-such-helper")

	if got := a.Probe(); got != Unsupported {
		t.Errorf("Probe() = %v, want Unsupported", got)
	}
}

func TestAPatchProbe_HelperFails(t *testing.T) {
	a := newTestAPatch(t)
	a.Helper = writeScript(t, `echo "apd 12"; exit 1`)

	if got := a.Probe(); got != Unsupported {
		t.Errorf("Probe() = %v, want Unsupported", got)
	}
}

func TestAPatchProbe_MalformedOutput(t *testing.T) {
	outputs := map[string]string{
		"one token":    `echo "apd"`,
		"three tokens": `echo "apd 12 extra"`,
		"non-integer":  `echo "apd twelve"`,
		"empty":        `true`,
	}
	for name, script := range outputs {
		t.Run(name, func(t *testing.T) {
			a := newTestAPatch(t)
			a.Helper = writeScript(t, script)
			if got := a.Probe(); got != Unsupported {
				t.Errorf("Probe() = %v, want Unsupported", got)
			}
		})
	}
}

func TestParsePackageConfig_Valid(t *testing.T) {
	path := writeTable(t, "pkg,exclude,allow,uid,to_uid,sctx\n"+
		"com.example.one,1,0,10001,10001,u:r:untrusted_app:s0\n"+
		"com.example.two,0,1,10002,0,u:r:su:s0\n")

	entries, err := parsePackageConfig(path)
	if err != nil {
		t.Fatalf("parsePackageConfig failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first.pkg != "com.example.one" || !first.exclude || first.allow ||
		first.uid != 10001 || first.toUID != 10001 || first.sctx != "u:r:untrusted_app:s0" {
		t.Errorf("unexpected first entry: %+v", first)
	}
	second := entries[1]
	if second.pkg != "com.example.two" || second.exclude || !second.allow ||
		second.uid != 10002 || second.toUID != 0 {
		t.Errorf("unexpected second entry: %+v", second)
	}
}

func TestParsePackageConfig_HeaderOnly(t *testing.T) {
	path := writeTable(t, "pkg,exclude,allow,uid,to_uid,sctx\n")

	entries, err := parsePackageConfig(path)
	if err != nil {
		t.Fatalf("parsePackageConfig failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}

// A malformed table must surface as a parse error, not as an empty result:
// callers need to distinguish "uid not listed" from "table unreadable".
func TestParsePackageConfig_MissingField(t *testing.T) {
	path := writeTable(t, "pkg,exclude,allow,uid,to_uid,sctx\n"+
		"com.example.one,1,0,10001,10001\n")

	if _, err := parsePackageConfig(path); err == nil {
		t.Fatal("expected parse error for five-field line")
	}
}

func TestParsePackageConfig_NonIntegerUID(t *testing.T) {
	path := writeTable(t, "pkg,exclude,allow,uid,to_uid,sctx\n"+
		"com.example.one,1,0,abc,10001,u:r:untrusted_app:s0\n")

	if _, err := parsePackageConfig(path); err == nil {
		t.Fatal("expected parse error for non-integer uid")
	}
}

func TestParsePackageConfig_NoPartialResults(t *testing.T) {
	// A bad line after good ones still aborts the whole read.
	path := writeTable(t, "pkg,exclude,allow,uid,to_uid,sctx\n"+
		"com.example.one,0,1,10001,10001,u:r:su:s0\n"+
		"broken line\n")

	if _, err := parsePackageConfig(path); err == nil {
		t.Fatal("expected parse error, got partial results")
	}
}

func TestAPatchUIDGrantedRoot(t *testing.T) {
	a := newTestAPatch(t)
	a.ConfigFile = writeTable(t, "pkg,exclude,allow,uid,to_uid,sctx\n"+
		"app.evil,0,1,10091,10091,u:r:untrusted:s0\n")

	if !a.UIDGrantedRoot(10091) {
		t.Error("UIDGrantedRoot(10091) = false, want true")
	}
	if a.UIDGrantedRoot(10092) {
		t.Error("UIDGrantedRoot(10092) = true, want false")
	}
}

func TestAPatchUIDGrantedRoot_FirstMatchWins(t *testing.T) {
	a := newTestAPatch(t)
	a.ConfigFile = writeTable(t, "pkg,exclude,allow,uid,to_uid,sctx\n"+
		"com.example.first,0,0,10005,10005,u:r:untrusted_app:s0\n"+
		"com.example.dupe,0,1,10005,10005,u:r:untrusted_app:s0\n")

	if a.UIDGrantedRoot(10005) {
		t.Error("expected the first matching row's allow flag (false)")
	}
}

func TestAPatchUIDShouldUmount(t *testing.T) {
	a := newTestAPatch(t)
	a.ConfigFile = writeTable(t, "pkg,exclude,allow,uid,to_uid,sctx\n"+
		"com.example.bank,1,0,10010,10010,u:r:untrusted_app:s0\n"+
		"com.example.other,0,0,10011,10011,u:r:untrusted_app:s0\n")

	if !a.UIDShouldUmount(10010) {
		t.Error("UIDShouldUmount(10010) = false, want true")
	}
	if a.UIDShouldUmount(10011) {
		t.Error("UIDShouldUmount(10011) = true, want false")
	}
}

func TestAPatchQueries_DenyOnParseError(t *testing.T) {
	a := newTestAPatch(t)
	a.ConfigFile = writeTable(t, "pkg,exclude,allow,uid,to_uid,sctx\n"+
		"garbage\n")

	if a.UIDGrantedRoot(10091) {
		t.Error("UIDGrantedRoot must deny on parse error")
	}
	if a.UIDShouldUmount(10091) {
		t.Error("UIDShouldUmount must deny on parse error")
	}
}

func TestAPatchQueries_DenyOnMissingTable(t *testing.T) {
	a := newTestAPatch(t)
	a.ConfigFile = filepath.Join(t.TempDir(), "no-such-table")

	if a.UIDGrantedRoot(10091) {
		t.Error("UIDGrantedRoot must deny when the table is missing")
	}
}

func TestAPatchUIDIsManager(t *testing.T) {
	a := newTestAPatch(t)
	a.ManagerDataDir = t.TempDir()

	if !a.UIDIsManager(int32(os.Getuid())) {
		t.Error("UIDIsManager(own uid) = false, want true for owned dir")
	}
	if a.UIDIsManager(int32(os.Getuid()) + 1) {
		t.Error("UIDIsManager(other uid) = true, want false")
	}

	a.ManagerDataDir = filepath.Join(t.TempDir(), "missing")
	if a.UIDIsManager(int32(os.Getuid())) {
		t.Error("UIDIsManager must be false when the manager dir is absent")
	}
}
