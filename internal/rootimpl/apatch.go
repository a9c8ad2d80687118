// apatch.go implements the APatch provider.
//
// APatch keeps its per-package authorization state in a CSV table written by
// the manager app. The table feeds root-grant decisions, so parsing is strict:
// a single malformed line aborts the whole read and the query denies. The
// table is re-read on every query because the manager may rewrite it at any
// time; a cached copy could keep granting root to a revoked package.
package rootimpl

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/doughall/rootbridge/internal/hostcmd"
)

// APatch system locations and version gate. The helper and table paths are
// part of APatch's installed layout, not ours.
const (
	apatchHelper         = "apd"
	apatchConfigFile     = "/data/adb/ap/package_config"
	apatchManagerDataDir = "/data/user_de/0/me.bmax.apatch"

	// minAPatchVersion is the oldest apd version whose package_config
	// format and semantics match what this daemon expects.
	minAPatchVersion = 10655
)

// APatch answers authorization queries from the APatch package_config table.
type APatch struct {
	// Helper is the apd binary invoked for the version probe.
	Helper string

	// ConfigFile is the package authorization table.
	ConfigFile string

	// ManagerDataDir is the manager app's data directory; its owner uid
	// identifies the manager.
	ManagerDataDir string

	// MinVersion gates Supported vs TooOld in Probe.
	MinVersion int

	runner *hostcmd.Runner
	log    *slog.Logger
}

// NewAPatch creates an APatch provider with the standard system paths.
func NewAPatch(logger *slog.Logger) *APatch {
	return &APatch{
		Helper:         apatchHelper,
		ConfigFile:     apatchConfigFile,
		ManagerDataDir: apatchManagerDataDir,
		MinVersion:     minAPatchVersion,
		runner:         hostcmd.New(),
		log:            logger.With(slog.String("component", "apatch")),
	}
}

// Impl returns ImplAPatch.
func (a *APatch) Impl() Impl { return ImplAPatch }

// Probe runs `apd -V` and parses its output, expected to be exactly two
// whitespace-separated tokens with an integer version second ("apd 10872").
// A missing helper, non-zero exit, or unparseable output all mean the
// provider is not usable here: Unsupported, never an error.
func (a *APatch) Probe() Support {
	result, err := a.runner.Run(context.Background(), a.Helper, "-V")
	if err != nil || !result.Ok() {
		return Unsupported
	}
	fields := strings.Fields(result.Stdout)
	if len(fields) != 2 {
		return Unsupported
	}
	version, err := strconv.Atoi(fields[1])
	if err != nil {
		return Unsupported
	}
	if version >= a.MinVersion {
		return Supported
	}
	return TooOld
}

// packageEntry is one row of the package_config table.
type packageEntry struct {
	pkg     string
	exclude bool
	allow   bool
	uid     int32
	toUID   int32
	sctx    string
}

// parsePackageConfig reads the authorization table. The first line is a
// header and is discarded. Every following line must have exactly six
// comma-separated fields: package,exclude,allow,uid,to_uid,sctx. Any
// structural deviation is a hard error with no partial results; this file
// decides who gets root, so tolerance here would be a security hole.
func parsePackageConfig(path string) ([]packageEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		// Header-only or empty file: no entries.
		return nil, scanner.Err()
	}

	var entries []packageEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("invalid line format: %s", line)
		}
		uid, err := strconv.ParseInt(fields[3], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid field uid %s: %w", fields[3], err)
		}
		toUID, err := strconv.ParseInt(fields[4], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid field to_uid %s: %w", fields[4], err)
		}
		entries = append(entries, packageEntry{
			pkg:     fields[0],
			exclude: fields[1] == "1",
			allow:   fields[2] == "1",
			uid:     int32(uid),
			toUID:   int32(toUID),
			sctx:    fields[5],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return entries, nil
}

// UIDGrantedRoot returns the allow flag of the first table row matching uid.
// No match, or a table that cannot be parsed, denies.
func (a *APatch) UIDGrantedRoot(uid int32) bool {
	entries, err := parsePackageConfig(a.ConfigFile)
	if err != nil {
		a.log.Debug("failed to parse package config", slog.String("error", err.Error()))
		return false
	}
	for _, e := range entries {
		if e.uid == uid {
			return e.allow
		}
	}
	return false
}

// UIDShouldUmount returns the exclude flag of the first table row matching
// uid. No match, or a table that cannot be parsed, means no exclusion.
func (a *APatch) UIDShouldUmount(uid int32) bool {
	entries, err := parsePackageConfig(a.ConfigFile)
	if err != nil {
		a.log.Debug("failed to parse package config", slog.String("error", err.Error()))
		return false
	}
	for _, e := range entries {
		if e.uid == uid {
			return e.exclude
		}
	}
	return false
}

// UIDIsManager reports whether uid owns the manager app's data directory.
func (a *APatch) UIDIsManager(uid int32) bool {
	return pathOwnedBy(a.ManagerDataDir, uid)
}
