// Package snapshot manages the lifecycle of snapshot directories inside
// a backup destination root: creation, resumption of an interrupted run,
// link-forwarding from the previous snapshot, finalization, and pruning.
//
// A destination root holds either loose parts directly (snapshotting
// disabled) or snapshot subdirectories: at most one with the reserved
// in-progress name, plus zero or more finalized, timestamp-named
// directories that sort chronologically by name. The presence of the
// reserved name is the leadership marker; concurrent runs against the
// same root are not supported.
package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/logging"
	"github.com/thoreinstein/partbak/internal/part"
)

// InProgressName is the reserved directory name of the single snapshot
// currently being written.
const InProgressName = "snapshot-inprogress"

// finalNameFormat is the time layout for finalized snapshot names.
const finalNameFormat = "snapshot-2006-01-02-150405"

// finalNameRe matches finalized snapshot directory names, including the
// disambiguating suffix appended on same-second collisions.
var finalNameRe = regexp.MustCompile(`^snapshot-\d{4}-\d{2}-\d{2}-\d{6}(-\d+)?$`)

// LinkStyle selects how parts of the previous snapshot are attached to a
// new one.
type LinkStyle string

const (
	// LinkHard attaches previous parts as hard links (default).
	LinkHard LinkStyle = "hard"
	// LinkSoft attaches previous parts as symbolic links.
	LinkSoft LinkStyle = "soft"
)

// Manager owns the snapshot directories under one destination root.
type Manager struct {
	root      string
	retention int
	linkStyle LinkStyle
	logger    *slog.Logger

	now func() time.Time // test hook
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetention sets how many finalized snapshots to retain; 0 disables
// snapshotting entirely (parts land directly in the root).
func WithRetention(n int) Option {
	return func(m *Manager) {
		m.retention = n
	}
}

// WithLinkStyle selects hard or symbolic links for incremental snapshots.
func WithLinkStyle(style LinkStyle) Option {
	return func(m *Manager) {
		if style != "" {
			m.linkStyle = style
		}
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager for the given destination root.
func NewManager(root string, opts ...Option) *Manager {
	m := &Manager{
		root:      root,
		retention: 0,
		linkStyle: LinkHard,
		logger:    logging.NewDiscard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the destination root.
func (m *Manager) Root() string {
	return m.root
}

// IsSnapshotName reports whether name is a snapshot directory name,
// in-progress or finalized.
func IsSnapshotName(name string) bool {
	return name == InProgressName || finalNameRe.MatchString(name)
}

// IsFinalName reports whether name is a finalized snapshot name.
func IsFinalName(name string) bool {
	return finalNameRe.MatchString(name)
}

// List returns the paths of all snapshot directories under the root in
// ascending name order. Finalized names sort chronologically; the
// reserved in-progress name sorts after every finalized name ("i" >
// any digit), so the newest entry is always last.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading destination root")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && IsSnapshotName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(m.root, n)
	}
	return paths, nil
}

// ListFinal returns the paths of finalized snapshots in ascending
// chronological order.
func (m *Manager) ListFinal() ([]string, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var finals []string
	for _, p := range all {
		if IsFinalName(filepath.Base(p)) {
			finals = append(finals, p)
		}
	}
	return finals, nil
}

// Setup prepares and returns the destination directory for a backup run.
//
// With retention 0 it returns the root itself (flat backup). Otherwise
// it evaluates the root's state:
//
//   - an in-progress snapshot exists: resume it as-is, no relinking;
//   - finalized snapshots exist and link is true: create a new
//     in-progress snapshot pre-seeded with links to every part of the
//     most recent finalized snapshot;
//   - otherwise: create a bare in-progress snapshot.
//
// link must be false for encrypted or obfuscated runs, which cannot be
// deduplicated against prior content.
func (m *Manager) Setup(link bool) (dir string, resumed bool, err error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", false, errors.Wrap(err, "creating destination root")
	}

	if m.retention <= 0 {
		return m.root, false, nil
	}

	inProgress := filepath.Join(m.root, InProgressName)
	if _, err := os.Stat(inProgress); err == nil {
		m.logger.Info("previous snapshot is incomplete, finishing it", "dir", inProgress)
		return inProgress, true, nil
	} else if !os.IsNotExist(err) {
		return "", false, errors.Wrap(err, "stat in-progress snapshot")
	}

	finals, err := m.ListFinal()
	if err != nil {
		return "", false, err
	}

	if err := os.Mkdir(inProgress, 0o755); err != nil {
		return "", false, errors.Wrap(err, "creating snapshot directory")
	}

	if link && len(finals) > 0 {
		last := finals[len(finals)-1]
		m.logger.Info("setting up new snapshot", "linkedFrom", filepath.Base(last))
		if err := m.linkParts(last, inProgress); err != nil {
			return "", false, err
		}
	}

	return inProgress, false, nil
}

// linkParts attaches every committed part of src to dst by link, so only
// parts whose content changes need new storage.
//
// Symbolic links use a sibling-relative target (../<snapshot>/<part>)
// rather than the manager's root path, which may be relative to some
// working directory. A sibling target resolves from the link's own
// location, so it stays valid no matter where the root is addressed
// from and survives the in-progress directory being renamed at
// finalize.
func (m *Manager) linkParts(src, dst string) error {
	parts, err := part.List(src, part.Plain)
	if err != nil {
		return err
	}

	for _, p := range parts {
		newPath := filepath.Join(dst, p.Name)

		var linkErr error
		if m.linkStyle == LinkSoft {
			target := filepath.Join("..", filepath.Base(src), p.Name)
			linkErr = os.Symlink(target, newPath)
		} else {
			linkErr = os.Link(filepath.Join(src, p.Name), newPath)
		}
		if linkErr != nil {
			return errors.Wrapf(linkErr, "linking part %s", p.Name)
		}
	}
	return nil
}

// Finalize renames the in-progress snapshot to its timestamp-derived
// final name and returns the new path. When a snapshot was already
// finalized within the same second, a numeric suffix disambiguates
// rather than colliding.
func (m *Manager) Finalize(dir string) (string, error) {
	if filepath.Base(dir) != InProgressName {
		// Flat backup: nothing to finalize.
		return dir, nil
	}

	base := m.now().Format(finalNameFormat)
	name := base
	for suffix := 1; ; suffix++ {
		target := filepath.Join(filepath.Dir(dir), name)
		if _, err := os.Stat(target); os.IsNotExist(err) {
			if err := os.Rename(dir, target); err != nil {
				return "", errors.Wrap(err, "finalizing snapshot")
			}
			return target, nil
		}
		name = fmt.Sprintf("%s-%d", base, suffix)
	}
}

// Prune removes the oldest finalized snapshots beyond the retention
// count: every part file, the advisory manifest, then the directory
// itself.
func (m *Manager) Prune() error {
	if m.retention <= 0 {
		return nil
	}

	finals, err := m.ListFinal()
	if err != nil {
		return err
	}
	if len(finals) <= m.retention {
		return nil
	}

	m.logger.Info("removing old snapshots", "count", len(finals)-m.retention)

	for _, old := range finals[:len(finals)-m.retention] {
		if err := m.removeSnapshot(old); err != nil {
			return err
		}
	}
	return nil
}

// removeSnapshot deletes every part of every variant in dir, the
// manifest if present, and finally the directory. Parts are matched by
// name rather than listed through part.List: a soft-linked part whose
// source snapshot is already pruned dangles, and removal must not
// depend on the link target still existing.
func (m *Manager) removeSnapshot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "reading snapshot directory")
	}
	for _, e := range entries {
		for _, v := range []part.Variant{part.Plain, part.Encrypted, part.Obfuscated} {
			if _, ok := part.ParseName(e.Name(), v); !ok {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return errors.Wrapf(err, "removing part %s", e.Name())
			}
			break
		}
	}

	if err := os.Remove(filepath.Join(dir, ManifestName)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing manifest")
	}

	removeEmptyDir(dir)
	return nil
}

// removeEmptyDir removes a directory that should be empty, tolerating a
// stray .DS_Store some filesystems leave behind. After clearing it the
// removal is retried once; a second failure is deliberately ignored,
// since the snapshot's data is already gone and a leftover empty
// directory is harmless.
func removeEmptyDir(dir string) {
	if err := os.Remove(dir); err == nil {
		return
	}

	stray := filepath.Join(dir, ".DS_Store")
	if _, err := os.Stat(stray); err == nil {
		if err := os.Remove(stray); err == nil {
			_ = os.Remove(dir)
		}
	}
}
