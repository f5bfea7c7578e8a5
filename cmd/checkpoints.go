package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/store"
	"github.com/spf13/cobra"
)

var (
	checkpointDataDir string
	keepLast          int
	olderThanDays     int
	forceClean        bool
	dryRunClean       bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage registration checkpoints",
	Long: `List, inspect and prune saved displacement fields. Checkpoints are written by
"run --checkpoint", by "resume" and by the server; each one can be continued
with "resume <session-id>".`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available checkpoints",
	RunE:  runListCheckpoints,
}

var showCheckpointCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one checkpoint with its field statistics and trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowCheckpoint,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete checkpoints by age or count",
	Long: `Delete checkpoints older than --older-than days and/or all but the newest
--keep-last. The whole session directory is removed, including its trace
and rendered buffers.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCheckpointsCmd, showCheckpointCmd, cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointDataDir, "data-dir", "./data", "Base directory for checkpoint storage")

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N checkpoints (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
	cleanCheckpointsCmd.Flags().BoolVar(&dryRunClean, "dry-run", false, "Only print what would be deleted")
}

func openCheckpointStore(cmd *cobra.Command) (*store.FSStore, string, error) {
	dir := dataDir(cmd, checkpointDataDir)
	fsStore, err := store.NewFSStore(dir)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	return fsStore, dir, nil
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	fsStore, dir, err := openCheckpointStore(cmd)
	if err != nil {
		return err
	}
	infos, err := fsStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	writeCheckpointTable(os.Stdout, dir, infos)
	return nil
}

// writeCheckpointTable prints infos newest first with their on-disk size.
func writeCheckpointTable(out io.Writer, dir string, infos []store.CheckpointInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return
	}

	sorted := newestFirst(infos)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSAVED\tITERATION\tCOST\tIMAGE\tSIZE")
	for _, info := range sorted {
		size := "unknown"
		if n, err := getDirSize(store.SessionDir(dir, info.SessionID)); err == nil {
			size = formatBytes(n)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.6f\t%dx%d\t%s\n",
			shortID(info.SessionID),
			info.Timestamp.Format(time.DateTime),
			info.Iteration,
			info.Cost,
			info.Width, info.Height,
			size,
		)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d checkpoint(s) in %s\n", len(infos), dir)
}

func runShowCheckpoint(cmd *cobra.Command, args []string) error {
	fsStore, dir, err := openCheckpointStore(cmd)
	if err != nil {
		return err
	}
	checkpoint, err := fsStore.LoadCheckpoint(args[0])
	if err != nil {
		return err
	}
	return describeCheckpoint(os.Stdout, dir, checkpoint)
}

// describeCheckpoint prints the session configuration, field statistics and,
// when present, a summary of the cost trace.
func describeCheckpoint(out io.Writer, dir string, checkpoint *store.Checkpoint) error {
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint %s is invalid: %w", checkpoint.SessionID, err)
	}
	field, err := checkpoint.Field()
	if err != nil {
		return err
	}
	maxLen, meanLen := demons.DisplacementStats(field, nil)
	session := checkpoint.Config

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Session:\t%s\n", checkpoint.SessionID)
	fmt.Fprintf(w, "Saved:\t%s\n", checkpoint.Timestamp.Format(time.DateTime))
	fmt.Fprintf(w, "Fixed:\t%s\n", session.FixedPath)
	fmt.Fprintf(w, "Moving:\t%s\n", session.MovingPath)
	fmt.Fprintf(w, "Image:\t%dx%d\n", session.Width, session.Height)
	fmt.Fprintf(w, "Iteration:\t%d\n", checkpoint.Iteration)
	fmt.Fprintf(w, "Cost:\t%.6f (initial %.6f)\n", checkpoint.Cost, checkpoint.InitialCost)
	fmt.Fprintf(w, "Displacement:\tmax %.4f, mean %.4f\n", maxLen, meanLen)
	fmt.Fprintf(w, "Params:\tdrSigma=%g rSigma=%g scale=%g imageSigma=%g gradientSigma=%g\n",
		session.Params.DrSigma, session.Params.RSigma, session.Params.Scale,
		session.Params.ImageSigma, session.Params.GradientSigma)

	entries, err := readTrace(dir, checkpoint.SessionID)
	switch {
	case err != nil:
		fmt.Fprintf(w, "Trace:\tunreadable (%v)\n", err)
	case len(entries) == 0:
		fmt.Fprintf(w, "Trace:\tnone\n")
	default:
		first, last := entries[0], entries[len(entries)-1]
		fmt.Fprintf(w, "Trace:\t%d entries, iterations %d-%d, cost %.6f -> %.6f\n",
			len(entries), first.Iteration, last.Iteration, first.Cost, last.Cost)
	}
	return w.Flush()
}

// readTrace returns the trace entries of a session; a missing trace is empty.
func readTrace(dir, sessionID string) ([]store.TraceEntry, error) {
	reader, err := store.NewTraceReader(dir, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return reader.ReadAll()
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	fsStore, _, err := openCheckpointStore(cmd)
	if err != nil {
		return err
	}
	infos, err := fsStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays)
	if len(toDelete) == 0 {
		fmt.Println("No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Printf("%d of %d checkpoint(s) selected:\n", len(toDelete), len(infos))
	for _, info := range toDelete {
		fmt.Printf("  %s  iteration %d  saved %s\n",
			shortID(info.SessionID), info.Iteration, info.Timestamp.Format(time.DateTime))
	}

	if dryRunClean {
		return nil
	}
	if !forceClean && !confirm(os.Stdin, "\nDelete them? [y/N]: ") {
		fmt.Println("Aborted.")
		return nil
	}

	deleted, failed := deleteCheckpoints(fsStore, toDelete)
	fmt.Printf("\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	if failed > 0 {
		return fmt.Errorf("%d checkpoint(s) could not be deleted", failed)
	}
	return nil
}

func confirm(in io.Reader, prompt string) bool {
	fmt.Print(prompt)
	var response string
	fmt.Fscanln(in, &response)
	return response == "y" || response == "Y"
}

// deleteCheckpoints removes every selected session and counts the outcomes.
func deleteCheckpoints(checkpointStore store.Store, infos []store.CheckpointInfo) (deleted, failed int) {
	for _, info := range infos {
		if err := checkpointStore.DeleteCheckpoint(info.SessionID); err != nil {
			slog.Error("Failed to delete checkpoint", "session_id", info.SessionID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "session_id", info.SessionID)
		deleted++
	}
	return deleted, failed
}

// selectCheckpointsForDeletion applies the retention policy: checkpoints
// older than olderThanDays, plus everything but the newest keepLast. Each
// checkpoint is selected at most once.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast int, olderThanDays int) []store.CheckpointInfo {
	var toDelete []store.CheckpointInfo
	selected := make(map[string]bool)
	pick := func(info store.CheckpointInfo) {
		if !selected[info.SessionID] {
			selected[info.SessionID] = true
			toDelete = append(toDelete, info)
		}
	}

	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				pick(info)
			}
		}
	}
	if keepLast > 0 && len(infos) > keepLast {
		for _, info := range newestFirst(infos)[keepLast:] {
			pick(info)
		}
	}
	return toDelete
}

func newestFirst(infos []store.CheckpointInfo) []store.CheckpointInfo {
	sorted := append([]store.CheckpointInfo(nil), infos...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	return sorted
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize sums the sizes of all regular files below path.
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func formatBytes(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}
