package sysprop

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/doughall/rootbridge/internal/hostcmd"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestGet(t *testing.T) {
	props := &Props{
		runner:  hostcmd.New(),
		getprop: writeScript(t, `echo "13"`),
	}
	got, err := props.Get(context.Background(), "ro.build.version.release")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "13" {
		t.Errorf("Get = %q, want %q", got, "13")
	}
}

func TestGet_UnsetProperty(t *testing.T) {
	props := &Props{
		runner:  hostcmd.New(),
		getprop: writeScript(t, "echo"),
	}
	got, err := props.Get(context.Background(), "does.not.exist")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "" {
		t.Errorf("Get = %q, want empty", got)
	}
}

func TestGet_MissingHelper(t *testing.T) {
	props := &Props{
		runner:  hostcmd.New(),
		getprop: filepath.Join(t.TempDir(), "no-such-getprop"),
	}
	if _, err := props.Get(context.Background(), "ro.anything"); err == nil {
		t.Error("expected error for missing helper binary")
	}
}

func TestSet(t *testing.T) {
	dir := t.TempDir()
	sink := filepath.Join(dir, "sink")
	props := &Props{
		runner:  hostcmd.New(),
		setprop: writeScript(t, `echo "$1=$2" > `+sink),
	}
	if err := props.Set(context.Background(), "ctl.restart", "zygote"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	data, err := os.ReadFile(sink)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	if string(data) != "ctl.restart=zygote\n" {
		t.Errorf("helper saw %q", data)
	}
}

func TestSet_DeniedWrite(t *testing.T) {
	props := &Props{
		runner:  hostcmd.New(),
		setprop: writeScript(t, `echo "failed to set property" >&2; exit 1`),
	}
	if err := props.Set(context.Background(), "ro.locked", "x"); err == nil {
		t.Error("expected error for denied property write")
	}
}
