// magisk.go implements the Magisk provider.
//
// Magisk keeps authorization state in a sqlite database that only the magisk
// binary itself can safely read, exposed via `magisk --sqlite <query>`. Query
// results come back one row per line as pipe-separated key=value pairs, e.g.
//
//	uid=10158|policy=2
//
// Queries run fresh every time for the same reason the APatch table does:
// the user can revoke a grant from the manager app at any moment.
package rootimpl

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/doughall/rootbridge/internal/hostcmd"
)

const (
	magiskHelper = "magisk"

	// minMagiskVersion is the oldest Magisk build whose database schema and
	// --sqlite output format match what this daemon expects.
	minMagiskVersion = 26402

	// magiskDefaultManager is the manager package when the database does not
	// record a repackaged ("hidden") manager.
	magiskDefaultManager = "com.topjohnwu.magisk"

	// appDataDir is where per-app data directories live; directory ownership
	// maps a package name back to its uid.
	appDataDir = "/data/user_de/0"

	// magiskPolicyAllow is the policies.policy value meaning "grant root".
	magiskPolicyAllow = "2"
)

// Magisk answers authorization queries via the magisk binary's sqlite access.
type Magisk struct {
	// Helper is the magisk binary.
	Helper string

	// AppDataDir is the per-app data root used to resolve package names to
	// uids by directory ownership.
	AppDataDir string

	// MinVersion gates Supported vs TooOld in Probe.
	MinVersion int

	runner *hostcmd.Runner
	log    *slog.Logger
}

// NewMagisk creates a Magisk provider with the standard system paths.
func NewMagisk(logger *slog.Logger) *Magisk {
	return &Magisk{
		Helper:     magiskHelper,
		AppDataDir: appDataDir,
		MinVersion: minMagiskVersion,
		runner:     hostcmd.New(),
		log:        logger.With(slog.String("component", "magisk")),
	}
}

// Impl returns ImplMagisk.
func (m *Magisk) Impl() Impl { return ImplMagisk }

// Probe runs `magisk -V`, which prints a single integer version code.
// A missing binary, non-zero exit, or unparseable output yields Unsupported.
func (m *Magisk) Probe() Support {
	out, err := m.runner.Output(context.Background(), m.Helper, "-V")
	if err != nil {
		return Unsupported
	}
	fields := strings.Fields(out)
	if len(fields) != 1 {
		return Unsupported
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil {
		return Unsupported
	}
	if version >= m.MinVersion {
		return Supported
	}
	return TooOld
}

// sqlite runs a query through `magisk --sqlite` and parses the row output.
func (m *Magisk) sqlite(query string) ([]map[string]string, error) {
	out, err := m.runner.Output(context.Background(), m.Helper, "--sqlite", query)
	if err != nil {
		return nil, err
	}
	return parseSqliteRows(out), nil
}

// parseSqliteRows parses `magisk --sqlite` output: one row per line, fields
// separated by '|', each field "key=value". Fields without '=' are skipped;
// the binary's output format is not under our control and a best-effort read
// here only feeds deny-by-default decisions.
func parseSqliteRows(out string) []map[string]string {
	var rows []map[string]string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		row := make(map[string]string)
		for _, field := range strings.Split(line, "|") {
			key, value, found := strings.Cut(field, "=")
			if !found {
				continue
			}
			row[key] = value
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

// UIDGrantedRoot reports whether the first policies row matching uid grants
// root. No match or a failed query denies.
func (m *Magisk) UIDGrantedRoot(uid int32) bool {
	rows, err := m.sqlite("SELECT uid, policy FROM policies")
	if err != nil {
		m.log.Debug("failed to query policies", slog.String("error", err.Error()))
		return false
	}
	want := strconv.FormatInt(int64(uid), 10)
	for _, row := range rows {
		if row["uid"] == want {
			return row["policy"] == magiskPolicyAllow
		}
	}
	return false
}

// UIDShouldUmount reports whether uid belongs to a package on the denylist.
// The denylist stores package names, not uids; ownership of the package's
// data directory maps it back.
func (m *Magisk) UIDShouldUmount(uid int32) bool {
	rows, err := m.sqlite("SELECT DISTINCT package_name FROM denylist")
	if err != nil {
		m.log.Debug("failed to query denylist", slog.String("error", err.Error()))
		return false
	}
	for _, row := range rows {
		pkg := row["package_name"]
		if pkg == "" {
			continue
		}
		if pathOwnedBy(filepath.Join(m.AppDataDir, pkg), uid) {
			return true
		}
	}
	return false
}

// UIDIsManager reports whether uid owns the manager app's data directory.
// A repackaged manager records its package name under the "requester" key.
func (m *Magisk) UIDIsManager(uid int32) bool {
	pkg := magiskDefaultManager
	rows, err := m.sqlite("SELECT value FROM strings WHERE key='requester'")
	if err != nil {
		m.log.Debug("failed to query manager package", slog.String("error", err.Error()))
	} else if len(rows) > 0 && rows[0]["value"] != "" {
		pkg = rows[0]["value"]
	}
	return pathOwnedBy(filepath.Join(m.AppDataDir, pkg), uid)
}
