package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/avsg/internal/export"
	"github.com/banshee-data/avsg/internal/fsutil"
	"github.com/banshee-data/avsg/internal/npz"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <export-dir>",
		Short: "Verify an export directory and list its arrays",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	dir := args[0]
	info, err := export.ReadInfo(fsutil.OSFileSystem{}, filepath.Join(dir, export.InfoFile))
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	arrays, err := npz.ReadAll(fsutil.OSFileSystem{}, filepath.Join(dir, export.DataFile))
	if err != nil {
		return fmt.Errorf("read arrays: %w", err)
	}

	out := cmd.OutOrStdout()
	props := info.DatasetProps
	fmt.Fprintf(out, "Run:          %s\n", info.RunID)
	fmt.Fprintf(out, "Created:      %s\n", info.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Git version:  %s\n", info.GitVersion)
	if info.ConfigName != "" {
		fmt.Fprintf(out, "Source:       %s / %s\n", info.ConfigName, info.SourceName)
	}
	fmt.Fprintf(out, "Valid scenes: %d of %d\n", props.NScenes, props.NScenesSubmitted)
	if len(props.AgentsPerScene) > 0 {
		fmt.Fprintf(out, "Agents/scene: %.2f mean\n", props.AgentsPerSceneMean)
	}
	if len(props.Skipped) > 0 {
		reasons := make([]string, 0, len(props.Skipped))
		for r, n := range props.Skipped {
			reasons = append(reasons, fmt.Sprintf("%s=%d", r, n))
		}
		sort.Strings(reasons)
		fmt.Fprintf(out, "Skipped:      %s\n", strings.Join(reasons, " "))
	}
	fmt.Fprintln(out)

	names := make([]string, 0, len(info.SavedMatsInfo))
	for name := range info.SavedMatsInfo {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDTYPE\tSHAPE\tENTITY")
	for _, name := range names {
		mi := info.SavedMatsInfo[name]
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", name, mi.DType, mi.Shape, mi.Entity)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if err := export.Verify(info, arrays); err != nil {
		return fmt.Errorf("%s is inconsistent:\n%w", dir, err)
	}
	fmt.Fprintf(out, "\n%d arrays match their metadata\n", len(arrays))
	return nil
}
