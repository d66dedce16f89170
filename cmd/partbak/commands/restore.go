package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/ktr0731/go-fuzzyfinder"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/logging"
	"github.com/thoreinstein/partbak/internal/recast"
	"github.com/thoreinstein/partbak/internal/restore"
	"github.com/thoreinstein/partbak/internal/sizeparse"
	"github.com/thoreinstein/partbak/internal/snapshot"
)

var (
	restoreBlockSize string
	restoreStart     int
	restoreDecrypt   bool
	restoreClarify   bool
	restoreChainHash string
	restoreUUID      bool
)

func init() {
	f := restoreCmd.Flags()
	f.StringVar(&restoreBlockSize, "block-size", "", "copy block size in dd notation (default from config: 1m)")
	f.IntVar(&restoreStart, "start", 0, "resume the restore from this part index")
	f.BoolVar(&restoreDecrypt, "decrypt", false, "reverse authenticated encryption (asks for a passphrase)")
	f.BoolVar(&restoreClarify, "clarify", false, "reverse chained obfuscation (asks for a passphrase)")
	f.StringVar(&restoreChainHash, "chain-hash", "", "obfuscation chain hash: sha1, sha256 (default from config: sha1)")
	f.BoolVar(&restoreUUID, "uuid", false, "treat DESTINATION as a filesystem UUID and resolve it to a device")
	rootCmd.AddCommand(restoreCmd)
}

var restoreCmd = &cobra.Command{
	Use:   "restore BACKUP DESTINATION",
	Short: "Write a backup back onto a byte stream",
	Long: `Restore the parts stored under BACKUP onto DESTINATION (a block device
or file).

BACKUP is either a single snapshot directory or a backup destination
root. For a root with multiple snapshots, an interactive picker is shown
on a terminal; otherwise the most recent snapshot is used.

--decrypt and --clarify reverse the transform applied at backup time and
are mutually exclusive. Restoring obfuscated parts without --clarify
writes them byte-for-byte as stored, which is how an obfuscated backup
is laid back onto the partition it came from.

--start resumes an interrupted restore at a part index. With --clarify
the skipped parts are still read once to rebuild the keystream chain,
but nothing before the start index is written.`,
	Example: `  # Restore the latest snapshot
  partbak restore /backup/root /dev/sdb3

  # Restore a specific snapshot, resuming at part 42
  partbak restore /backup/root/snapshot-2026-08-20-031500 --start 42 /dev/sdb3

  # Restore an encrypted backup
  partbak restore --decrypt /backup/root disk.img

  See Also: partbak backup, partbak snapshot list`,
	Args: cobra.ExactArgs(2),
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	if restoreDecrypt && restoreClarify {
		return errors.NewUserError(nil, "--decrypt and --clarify are mutually exclusive")
	}
	if restoreStart < 0 {
		return errors.NewUserError(nil, "--start must not be negative")
	}

	conf := activeConfig()
	if restoreBlockSize == "" {
		restoreBlockSize = conf.BlockSize
	}
	if restoreChainHash == "" {
		restoreChainHash = conf.ChainHash
	}

	blockSize, err := sizeparse.Parse(restoreBlockSize)
	if err != nil {
		return errors.NewUserError(err, "Use dd notation for --block-size, e.g. 1m or 4k")
	}

	dir, err := selectSnapshotDir(args[0])
	if err != nil {
		return err
	}

	dest, err := resolveStream(args[1], restoreUUID)
	if err != nil {
		return err
	}

	logger := logging.FromContext(cmd.Context())

	opts := []restore.Option{
		restore.WithStartIndex(restoreStart),
		restore.WithLogger(logger),
	}

	if restoreDecrypt || restoreClarify {
		strength, err := recast.ParseStrength(restoreChainHash)
		if err != nil {
			return errors.NewUserError(err, "Use sha1 or sha256 for --chain-hash")
		}
		pw, err := readPassphrase(cmd, false)
		if err != nil {
			return err
		}
		r, err := recast.New(pw, strength)
		if err != nil {
			return err
		}
		if restoreDecrypt {
			opts = append(opts, restore.WithDecrypt(r))
		} else {
			opts = append(opts, restore.WithClarify(r))
		}
	}

	if err := restore.NewEngine(blockSize, opts...).Restore(cmd.Context(), dir, dest); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s onto %s\n",
		color.GreenString("Restored"), filepath.Base(dir), dest)
	return nil
}

// selectSnapshotDir turns the BACKUP argument into a concrete snapshot
// directory. A path that is itself a snapshot directory (or holds loose
// parts) is used as-is; a destination root with finalized snapshots goes
// through an interactive picker on a terminal and falls back to the most
// recent snapshot otherwise.
func selectSnapshotDir(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", errors.NewUserError(err, "Check the backup path")
	}

	if snapshot.IsSnapshotName(filepath.Base(path)) {
		return path, nil
	}

	finals, err := snapshot.NewManager(path).ListFinal()
	if err != nil {
		return "", err
	}
	if len(finals) == 0 {
		// Flat backup: the root holds the parts directly.
		return path, nil
	}
	if len(finals) == 1 || !term.IsTerminal(int(os.Stdin.Fd())) {
		return finals[len(finals)-1], nil
	}

	idx, err := fuzzyfinder.Find(finals,
		func(i int) string {
			return filepath.Base(finals[i])
		},
		fuzzyfinder.WithPreviewWindow(func(i, width, height int) string {
			if i < 0 {
				return ""
			}
			return describeSnapshot(finals[i])
		}),
	)
	if err != nil {
		if errors.Is(err, fuzzyfinder.ErrAbort) {
			return "", errors.NewUserError(nil, "restore aborted")
		}
		return "", errors.Wrap(err, "picking snapshot")
	}
	return finals[idx], nil
}

// describeSnapshot renders the preview pane for the snapshot picker.
func describeSnapshot(dir string) string {
	man, ok, err := snapshot.ReadManifest(dir)
	if err != nil || !ok {
		return filepath.Base(dir)
	}
	return fmt.Sprintf("%s\n\nsource:  %s\nvariant: %s\nparts:   %d\npart:    %s\nblock:   %s\ncreated: %s",
		filepath.Base(dir),
		man.Source,
		man.Variant,
		man.PartCount,
		sizeparse.Human(man.PartSize),
		sizeparse.Human(man.BlockSize),
		man.CreatedAt.Format("2006-01-02 15:04:05 MST"))
}
