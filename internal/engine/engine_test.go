package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/part"
	"github.com/thoreinstein/partbak/internal/recast"
	"github.com/thoreinstein/partbak/internal/restore"
	"github.com/thoreinstein/partbak/internal/snapshot"
)

const (
	testBlockSize = 256
	testPartSize  = 1024
)

// writeSource creates a source file with the given content and returns
// its path.
func writeSource(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.img")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// pattern returns size bytes of deterministic non-zero content seeded
// by tag.
func pattern(tag byte, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = tag ^ byte(i*7+1)
	}
	return data
}

func run(t *testing.T, e *Engine) Result {
	t.Helper()
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	return res
}

func TestNew_RejectsBadSizes(t *testing.T) {
	mgr := snapshot.NewManager(t.TempDir())

	if _, err := New("src", mgr, 0, testPartSize); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Fatalf("zero block size: want ErrInvalidConfig, got %v", err)
	}
	if _, err := New("src", mgr, testBlockSize, 0); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Fatalf("zero part size: want ErrInvalidConfig, got %v", err)
	}
	if _, err := New("src", mgr, testBlockSize, testPartSize+1); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Fatalf("unaligned part size: want ErrInvalidConfig, got %v", err)
	}
}

func TestRun_CarvesSourceIntoParts(t *testing.T) {
	// 2.5 parts of source: two full parts and one half part.
	content := append(append(pattern(0x01, testPartSize), pattern(0x02, testPartSize)...),
		pattern(0x03, testPartSize/2)...)
	source := writeSource(t, content)

	root := t.TempDir()
	e, err := New(source, snapshot.NewManager(root), testBlockSize, testPartSize)
	if err != nil {
		t.Fatal(err)
	}
	res := run(t, e)

	if res.Parts != 3 {
		t.Fatalf("Parts = %d, want 3", res.Parts)
	}
	if res.Changed != 3 {
		t.Fatalf("Changed = %d, want 3", res.Changed)
	}
	if res.Bytes != int64(len(content)) {
		t.Fatalf("Bytes = %d, want %d", res.Bytes, len(content))
	}
	// Flat run: parts land directly in the root.
	if res.Dir != root {
		t.Fatalf("Dir = %q, want root %q", res.Dir, root)
	}

	parts, err := part.List(root, part.Plain)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 3 {
		t.Fatalf("found %d parts, want 3", len(parts))
	}
	wantSizes := []int64{testPartSize, testPartSize, testPartSize / 2}
	for i, p := range parts {
		if p.Size != wantSizes[i] {
			t.Errorf("part %d size = %d, want %d", i, p.Size, wantSizes[i])
		}
	}
}

func TestRun_ExactPartBoundary(t *testing.T) {
	source := writeSource(t, pattern(0x04, 2*testPartSize))

	root := t.TempDir()
	e, err := New(source, snapshot.NewManager(root), testBlockSize, testPartSize)
	if err != nil {
		t.Fatal(err)
	}
	res := run(t, e)

	if res.Parts != 2 {
		t.Fatalf("Parts = %d, want 2", res.Parts)
	}
	// No leftover staging file from probing past the end.
	if _, err := os.Stat(part.StagingPath(root, 2)); !os.IsNotExist(err) {
		t.Fatal("staging file for the probe past the end must be removed")
	}
}

func TestRun_ZeroSentinelAndRestore(t *testing.T) {
	content := append(append(pattern(0x05, testPartSize), make([]byte, testPartSize)...),
		pattern(0x06, 100)...)
	source := writeSource(t, content)

	root := t.TempDir()
	e, err := New(source, snapshot.NewManager(root), testBlockSize, testPartSize)
	if err != nil {
		t.Fatal(err)
	}
	run(t, e)

	info, err := os.Stat(part.Path(root, 1, part.Plain))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("all-zero part size = %d, want 0 (zero-sentinel)", info.Size())
	}

	dest := filepath.Join(t.TempDir(), "restored.img")
	if err := restore.NewEngine(testBlockSize).Restore(context.Background(), root, dest); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("restored stream differs from source")
	}
}

func TestRun_KeepNullParts(t *testing.T) {
	content := append(make([]byte, testPartSize), pattern(0x07, 10)...)
	source := writeSource(t, content)

	root := t.TempDir()
	e, err := New(source, snapshot.NewManager(root), testBlockSize, testPartSize,
		WithKeepNullParts(true))
	if err != nil {
		t.Fatal(err)
	}
	run(t, e)

	info, err := os.Stat(part.Path(root, 0, part.Plain))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != testPartSize {
		t.Fatalf("all-zero part size = %d, want full %d", info.Size(), testPartSize)
	}
}

func TestRun_UnchangedSourceDeduplicates(t *testing.T) {
	content := append(pattern(0x08, 2*testPartSize), pattern(0x09, 50)...)
	source := writeSource(t, content)
	root := t.TempDir()
	mgr := snapshot.NewManager(root, snapshot.WithRetention(4))

	e, err := New(source, mgr, testBlockSize, testPartSize)
	if err != nil {
		t.Fatal(err)
	}

	first := run(t, e)
	if first.Changed != 3 {
		t.Fatalf("first run Changed = %d, want 3", first.Changed)
	}
	if filepath.Base(first.Dir) == snapshot.InProgressName {
		t.Fatal("first run must finalize its snapshot")
	}

	second := run(t, e)
	if second.Changed != 0 {
		t.Fatalf("second run Changed = %d, want 0", second.Changed)
	}
	if second.Dir == first.Dir {
		t.Fatal("second run must finalize under a distinct name")
	}

	// Unchanged parts are hard links sharing storage with the first
	// snapshot.
	for i := 0; i < 3; i++ {
		fi1, err := os.Stat(part.Path(first.Dir, i, part.Plain))
		if err != nil {
			t.Fatal(err)
		}
		fi2, err := os.Stat(part.Path(second.Dir, i, part.Plain))
		if err != nil {
			t.Fatal(err)
		}
		if !os.SameFile(fi1, fi2) {
			t.Errorf("part %d must share storage across snapshots", i)
		}
	}
}

func TestRun_SoftLinkedSnapshotRestores(t *testing.T) {
	// A full part, an all-zero part, and a short tail: the second run
	// soft-links all three forward, and the linked snapshot must restore
	// the exact source, including the zero-sentinel behind a symlink.
	content := append(append(pattern(0x13, testPartSize), make([]byte, testPartSize)...),
		pattern(0x14, 80)...)
	source := writeSource(t, content)
	root := t.TempDir()
	mgr := snapshot.NewManager(root, snapshot.WithRetention(4),
		snapshot.WithLinkStyle(snapshot.LinkSoft))

	e, err := New(source, mgr, testBlockSize, testPartSize)
	if err != nil {
		t.Fatal(err)
	}
	run(t, e)
	second := run(t, e)

	if second.Changed != 0 {
		t.Fatalf("second run Changed = %d, want 0", second.Changed)
	}
	for i := 0; i < 3; i++ {
		info, err := os.Lstat(part.Path(second.Dir, i, part.Plain))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			t.Errorf("part %d must be a symbolic link", i)
		}
	}

	// Part sizes are read through the links: the sentinel reports 0 and
	// the full parts report their target size, never the link's own.
	parts, err := part.List(second.Dir, part.Plain)
	if err != nil {
		t.Fatal(err)
	}
	if parts[0].Size != testPartSize || parts[1].Size != 0 || parts[2].Size != 80 {
		t.Fatalf("linked part sizes = [%d %d %d], want [%d 0 80]",
			parts[0].Size, parts[1].Size, parts[2].Size, testPartSize)
	}

	dest := filepath.Join(t.TempDir(), "restored.img")
	if err := restore.NewEngine(testBlockSize).Restore(context.Background(), second.Dir, dest); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("soft-linked snapshot did not restore the original stream")
	}
}

func TestRun_ChangedPartBreaksLink(t *testing.T) {
	content := append(pattern(0x0A, testPartSize), pattern(0x0B, testPartSize)...)
	source := writeSource(t, content)
	root := t.TempDir()
	mgr := snapshot.NewManager(root, snapshot.WithRetention(4))

	e, err := New(source, mgr, testBlockSize, testPartSize)
	if err != nil {
		t.Fatal(err)
	}
	first := run(t, e)

	// Mutate part 1's region only.
	changed := append(pattern(0x0A, testPartSize), pattern(0xFF, testPartSize)...)
	if err := os.WriteFile(source, changed, 0600); err != nil {
		t.Fatal(err)
	}
	second := run(t, e)

	if second.Changed != 1 {
		t.Fatalf("Changed = %d, want 1", second.Changed)
	}

	fi1, _ := os.Stat(part.Path(first.Dir, 0, part.Plain))
	fi2, _ := os.Stat(part.Path(second.Dir, 0, part.Plain))
	if !os.SameFile(fi1, fi2) {
		t.Error("unchanged part 0 must stay linked")
	}

	// The first snapshot still holds the original content.
	old, err := os.ReadFile(part.Path(first.Dir, 1, part.Plain))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(old, pattern(0x0B, testPartSize)) {
		t.Error("rewriting a part must not disturb the previous snapshot")
	}
}

func TestRun_ShrunkSourceRemovesTrailingParts(t *testing.T) {
	source := writeSource(t, pattern(0x0C, 3*testPartSize))
	root := t.TempDir()

	e, err := New(source, snapshot.NewManager(root), testBlockSize, testPartSize)
	if err != nil {
		t.Fatal(err)
	}
	run(t, e)

	if err := os.WriteFile(source, pattern(0x0C, testPartSize+10), 0600); err != nil {
		t.Fatal(err)
	}
	res := run(t, e)

	if res.Parts != 2 {
		t.Fatalf("Parts = %d, want 2", res.Parts)
	}
	if res.Deleted != 1 {
		t.Fatalf("Deleted = %d, want 1", res.Deleted)
	}
	parts, err := part.List(root, part.Plain)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("found %d parts after shrink, want 2", len(parts))
	}
}

func TestRun_WritesManifest(t *testing.T) {
	source := writeSource(t, pattern(0x0D, testPartSize+1))
	root := t.TempDir()

	e, err := New(source, snapshot.NewManager(root), testBlockSize, testPartSize)
	if err != nil {
		t.Fatal(err)
	}
	res := run(t, e)

	man, ok, err := snapshot.ReadManifest(res.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("manifest must be written at the end of a run")
	}
	if man.PartCount != 2 || man.PartSize != testPartSize || man.BlockSize != testBlockSize {
		t.Fatalf("manifest = %+v", man)
	}
	if man.Variant != string(part.Plain) {
		t.Fatalf("manifest variant = %q, want %q", man.Variant, part.Plain)
	}
}

func TestRun_ObfuscatedRoundTrip(t *testing.T) {
	content := append(pattern(0x0E, 2*testPartSize), pattern(0x0F, 64)...)
	source := writeSource(t, content)
	root := t.TempDir()

	r, err := recast.New("hunter2", recast.StrengthSHA1)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(source, snapshot.NewManager(root), testBlockSize, testPartSize,
		WithObfuscate(r))
	if err != nil {
		t.Fatal(err)
	}
	run(t, e)

	parts, err := part.List(root, part.Obfuscated)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 3 {
		t.Fatalf("found %d obfuscated parts, want 3", len(parts))
	}
	// No zero-sentinels and no size change under obfuscation.
	for i, p := range parts {
		raw, err := os.ReadFile(filepath.Join(root, p.Name))
		if err != nil {
			t.Fatal(err)
		}
		from := i * testPartSize
		to := from + len(raw)
		if bytes.Equal(raw, content[from:to]) {
			t.Errorf("part %d stored in the clear", i)
		}
	}

	rev, err := recast.New("hunter2", recast.StrengthSHA1)
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "restored.img")
	if err := restore.NewEngine(testBlockSize, restore.WithClarify(rev)).Restore(context.Background(), root, dest); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("obfuscate/clarify round trip failed")
	}
}

func TestRun_EncryptedRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("PBKDF2 at full iteration count is slow")
	}

	content := append(pattern(0x10, testPartSize), pattern(0x11, 32)...)
	source := writeSource(t, content)
	root := t.TempDir()

	r, err := recast.New("correct horse", recast.StrengthSHA1)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(source, snapshot.NewManager(root), testBlockSize, testPartSize,
		WithEncrypt(r))
	if err != nil {
		t.Fatal(err)
	}
	run(t, e)

	dec, err := recast.New("correct horse", recast.StrengthSHA1)
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "restored.img")
	if err := restore.NewEngine(testBlockSize, restore.WithDecrypt(dec)).Restore(context.Background(), root, dest); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("encrypt/decrypt round trip failed")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	source := writeSource(t, pattern(0x12, testPartSize))
	e, err := New(source, snapshot.NewManager(t.TempDir()), testBlockSize, testPartSize)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Run(ctx); err == nil {
		t.Fatal("cancelled context must abort the run")
	}
}
