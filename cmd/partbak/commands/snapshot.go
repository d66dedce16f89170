package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/logging"
	"github.com/thoreinstein/partbak/internal/part"
	"github.com/thoreinstein/partbak/internal/sizeparse"
	"github.com/thoreinstein/partbak/internal/snapshot"
)

var (
	snapshotListJSON  bool
	snapshotPruneKeep int
)

func init() {
	snapshotListCmd.Flags().BoolVar(&snapshotListJSON, "json", false, "output in JSON format")
	snapshotPruneCmd.Flags().IntVar(&snapshotPruneKeep, "keep", -1, "number of snapshots to keep (default from config: 4)")
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	rootCmd.AddCommand(snapshotCmd)
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and manage snapshots in a backup destination",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list DESTINATION",
	Short: "List snapshots in a backup destination",
	Long: `List the snapshots stored under DESTINATION, oldest first, with the
metadata recorded at backup time.

An unfinished snapshot-inprogress directory, if present, is listed last.

Examples:
  # List snapshots
  partbak snapshot list /backup/root

  # JSON output for scripting
  partbak snapshot list --json /backup/root`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotList,
}

// snapshotInfo is one row of snapshot list output.
type snapshotInfo struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	Variant    string    `json:"variant,omitempty"`
	Parts      int       `json:"parts"`
	Bytes      int64     `json:"bytes"`
	InProgress bool      `json:"in_progress,omitempty"`
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	dirs, err := snapshot.NewManager(args[0]).List()
	if err != nil {
		return err
	}

	infos := make([]snapshotInfo, 0, len(dirs))
	for _, dir := range dirs {
		info, err := collectSnapshotInfo(dir)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	if snapshotListJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	return printSnapshotTable(cmd.OutOrStdout(), infos)
}

// collectSnapshotInfo gathers one snapshot's listing row from its parts
// and, when present, its manifest.
func collectSnapshotInfo(dir string) (snapshotInfo, error) {
	info := snapshotInfo{
		Name:       filepath.Base(dir),
		InProgress: filepath.Base(dir) == snapshot.InProgressName,
	}

	variant, err := part.DetectVariant(dir)
	if err != nil {
		return info, err
	}
	info.Variant = string(variant)

	parts, err := part.List(dir, variant)
	if err != nil {
		return info, err
	}
	info.Parts = len(parts)
	for _, p := range parts {
		info.Bytes += p.Size
	}

	if man, ok, err := snapshot.ReadManifest(dir); err == nil && ok {
		info.CreatedAt = man.CreatedAt
		if man.Variant != "" {
			info.Variant = man.Variant
		}
	}

	return info, nil
}

func printSnapshotTable(w io.Writer, infos []snapshotInfo) error {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No snapshots found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCREATED\tVARIANT\tPARTS\tSIZE")
	for _, info := range infos {
		created := "-"
		if !info.CreatedAt.IsZero() {
			created = info.CreatedAt.Local().Format("2006-01-02 15:04:05")
		}
		name := info.Name
		if info.InProgress {
			name = color.YellowString(name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			name, created, info.Variant, info.Parts, sizeparse.Human(info.Bytes))
	}
	return tw.Flush()
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune DESTINATION",
	Short: "Remove old snapshots beyond the retention count",
	Long: `Remove the oldest snapshots under DESTINATION until at most --keep
remain. The same pruning runs automatically at the end of every backup;
this command applies it without backing up, e.g. after lowering the
retention count.

Examples:
  # Keep only the two newest snapshots
  partbak snapshot prune --keep 2 /backup/root`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotPrune,
}

func runSnapshotPrune(cmd *cobra.Command, args []string) error {
	keep := snapshotPruneKeep
	if keep < 0 {
		keep = activeConfig().Snapshots
	}
	if keep <= 0 {
		return errors.NewUserError(nil, "--keep must be at least 1; removing every snapshot is not supported")
	}

	mgr := snapshot.NewManager(args[0],
		snapshot.WithRetention(keep),
		snapshot.WithLogger(logging.FromContext(cmd.Context())))

	before, err := mgr.ListFinal()
	if err != nil {
		return err
	}
	if err := mgr.Prune(); err != nil {
		return err
	}
	after, err := mgr.ListFinal()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %d snapshot(s), %d kept\n",
		color.GreenString("Removed"), len(before)-len(after), len(after))
	return nil
}
