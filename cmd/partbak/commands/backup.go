package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/partbak/internal/engine"
	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/logging"
	"github.com/thoreinstein/partbak/internal/recast"
	"github.com/thoreinstein/partbak/internal/sizeparse"
	"github.com/thoreinstein/partbak/internal/snapshot"
)

var (
	backupBlockSize     string
	backupPartSize      string
	backupSnapshots     int
	backupLink          string
	backupKeepNullParts bool
	backupUUID          bool
	backupEncrypt       bool
	backupObfuscate     bool
	backupChainHash     string
)

func init() {
	f := backupCmd.Flags()
	f.StringVar(&backupBlockSize, "block-size", "", "copy block size in dd notation (default from config: 1m)")
	f.StringVar(&backupPartSize, "part-size", "", "part size in dd notation (default from config: 100m)")
	f.IntVar(&backupSnapshots, "snapshots", -1, "number of snapshots to retain, 0 disables snapshotting (default from config: 4)")
	f.StringVar(&backupLink, "link", "", "link style for unchanged parts: hard, soft (default from config: hard)")
	f.BoolVar(&backupKeepNullParts, "keep-null-parts", false, "store all-zero parts at full size instead of collapsing them")
	f.BoolVar(&backupUUID, "uuid", false, "treat SOURCE as a filesystem UUID and resolve it to a device")
	f.BoolVar(&backupEncrypt, "encrypt", false, "seal each part with authenticated encryption (asks for a passphrase)")
	f.BoolVar(&backupObfuscate, "obfuscate", false, "disguise each part with a chained keystream (asks for a passphrase)")
	f.StringVar(&backupChainHash, "chain-hash", "", "obfuscation chain hash: sha1, sha256 (default from config: sha1)")
	rootCmd.AddCommand(backupCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup SOURCE DESTINATION",
	Short: "Back up a byte stream into part files",
	Long: `Back up SOURCE (a block device or file) into DESTINATION, carving it
into fixed-size parts.

With snapshotting enabled (the default), each run produces a timestamped
snapshot directory under DESTINATION; parts unchanged since the previous
snapshot are linked forward instead of stored again, and all-zero parts
collapse to empty marker files. An interrupted run leaves a
snapshot-inprogress directory behind and is resumed by running the same
command again.

--encrypt and --obfuscate are mutually exclusive. Both disable
deduplication: every part is rewritten on every run. The passphrase is
read from the terminal, or from the PARTBAK_PASSPHRASE environment
variable for unattended runs.`,
	Example: `  # Back up a partition by UUID
  partbak backup --uuid 1c42e044-eb87-4884-a2e9-a42b1e389bb7 /backup/root

  # Flat backup without snapshots
  partbak backup --snapshots 0 /dev/sda3 /backup/root

  # Encrypted backup
  partbak backup --encrypt /dev/sda3 /backup/root

  See Also: partbak restore, partbak snapshot list`,
	Args: cobra.ExactArgs(2),
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	if backupEncrypt && backupObfuscate {
		return errors.NewUserError(nil, "--encrypt and --obfuscate are mutually exclusive")
	}

	conf := activeConfig()
	if backupBlockSize == "" {
		backupBlockSize = conf.BlockSize
	}
	if backupPartSize == "" {
		backupPartSize = conf.PartSize
	}
	if backupSnapshots < 0 {
		backupSnapshots = conf.Snapshots
	}
	if backupLink == "" {
		backupLink = conf.Link
	}
	if backupChainHash == "" {
		backupChainHash = conf.ChainHash
	}
	if !cmd.Flags().Changed("keep-null-parts") {
		backupKeepNullParts = conf.KeepNullParts
	}

	blockSize, err := sizeparse.Parse(backupBlockSize)
	if err != nil {
		return errors.NewUserError(err, "Use dd notation for --block-size, e.g. 1m or 4k")
	}
	partSize, err := sizeparse.Parse(backupPartSize)
	if err != nil {
		return errors.NewUserError(err, "Use dd notation for --part-size, e.g. 100m")
	}

	source, err := resolveStream(args[0], backupUUID)
	if err != nil {
		return err
	}

	logger := logging.FromContext(cmd.Context())

	mgr := snapshot.NewManager(args[1],
		snapshot.WithRetention(backupSnapshots),
		snapshot.WithLinkStyle(snapshot.LinkStyle(backupLink)),
		snapshot.WithLogger(logger))

	opts := []engine.Option{
		engine.WithKeepNullParts(backupKeepNullParts),
		engine.WithLogger(logger),
	}

	if backupEncrypt || backupObfuscate {
		strength, err := recast.ParseStrength(backupChainHash)
		if err != nil {
			return errors.NewUserError(err, "Use sha1 or sha256 for --chain-hash")
		}
		pw, err := readPassphrase(cmd, true)
		if err != nil {
			return err
		}
		r, err := recast.New(pw, strength)
		if err != nil {
			return err
		}
		if backupEncrypt {
			opts = append(opts, engine.WithEncrypt(r))
		} else {
			opts = append(opts, engine.WithObfuscate(r))
		}
	}

	e, err := engine.New(source, mgr, blockSize, partSize, opts...)
	if err != nil {
		return err
	}

	res, err := e.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d parts, %d changed, %d removed, %s read\n",
		color.GreenString("Backed up"), source,
		res.Parts, res.Changed, res.Deleted, sizeparse.Human(res.Bytes))
	return nil
}
