package main

import (
	"github.com/spf13/cobra"

	"github.com/banshee-data/avsg/internal/config"
	"github.com/banshee-data/avsg/internal/export"
	"github.com/banshee-data/avsg/internal/extract"
	"github.com/banshee-data/avsg/internal/monitoring"
	"github.com/banshee-data/avsg/internal/version"
)

type rootFlags struct {
	verbose   int
	logFormat string
}

type exportFlags struct {
	configFileName string
	sourceName     string
	datasetDirFile string
	workDir        string
	onExists       string
	plot           bool
	thresholds     extract.Thresholds
}

// newRootCmd builds the command tree. Running the root command with no
// subcommand performs an export.
func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	ef := &exportFlags{}

	root := &cobra.Command{
		Use:   "avsg",
		Short: "Export driving scenes as fixed-shape agent and map tensors",
		Long: "avsg loads a scene store, vectorizes the sampled frame of every scene,\n" +
			"filters and pads agents and map elements to fixed-size tensors and writes\n" +
			"them to AVSG_Data/l5kit_data_<config>_<source>/{data.npz,info.gob}.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return monitoring.Init(rf.verbose != 0, rf.logFormat)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, rf, ef)
		},
	}
	pf := root.PersistentFlags()
	pf.IntVar(&rf.verbose, "verbose", 0, "Verbosity (0 or 1), forwarded to scene processing")
	pf.StringVar(&rf.logFormat, "log_format", "console", "Log encoding: console or json")

	addExportFlags(root, ef)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export scenes (the default action)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, rf, ef)
		},
	}
	addExportFlags(exportCmd, ef)

	root.AddCommand(exportCmd)
	root.AddCommand(newInspectCmd())
	root.AddCommand(newSynthCmd())
	return root
}

func addExportFlags(cmd *cobra.Command, ef *exportFlags) {
	def := extract.DefaultThresholds()
	f := cmd.Flags()
	f.StringVar(&ef.configFileName, "config_file_name", "config_sample", "Config name under configs/ (without .yaml)")
	f.StringVar(&ef.sourceName, "source_name", "train_data_loader", "Source block in the config")
	f.StringVar(&ef.datasetDirFile, "dataset_dir_file", config.DefaultDatasetDirFile, "File holding the dataset root path")
	f.StringVar(&ef.workDir, "work_dir", ".", "Directory holding configs/ and AVSG_Data/")
	f.StringVar(&ef.onExists, "on_exists", string(export.OnExistsOverwrite), "When the output dir exists: overwrite, fail or version")
	f.BoolVar(&ef.plot, "plot", false, "Also write an agents-per-scene histogram")
	f.IntVar(&ef.thresholds.MinNAgents, "min_n_agents", def.MinNAgents, "Skip scenes with fewer valid agents")
	f.IntVar(&ef.thresholds.MaxNAgents, "max_n_agents", def.MaxNAgents, "Agents kept per scene")
	f.Float64Var(&ef.thresholds.MinExtentLength, "min_extent_length", def.MinExtentLength, "Minimum agent length [m]")
	f.Float64Var(&ef.thresholds.MinExtentWidth, "min_extent_width", def.MinExtentWidth, "Minimum agent width [m]")
	f.Float64Var(&ef.thresholds.MaxDistanceMap, "max_distance_map", def.MaxDistanceMap, "Map points kept within this distance of the ego [m]")
	f.Float64Var(&ef.thresholds.MaxDistanceAgent, "max_distance_agent", def.MaxDistanceAgent, "Agents kept within this distance of the ego [m]")
}
