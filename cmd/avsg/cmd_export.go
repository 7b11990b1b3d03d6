package main

import (
	"github.com/spf13/cobra"

	"github.com/banshee-data/avsg/internal/export"
	"github.com/banshee-data/avsg/internal/simulation"
	"github.com/banshee-data/avsg/internal/version"
)

// describeVersion stamps exports with the source revision.
var describeVersion export.VersionFunc = version.Describe

func runExport(cmd *cobra.Command, rf *rootFlags, ef *exportFlags) error {
	policy, err := export.ParseOnExists(ef.onExists)
	if err != nil {
		return err
	}
	if err := ef.thresholds.Validate(); err != nil {
		return err
	}

	_, err = export.Run(cmd.Context(), export.Options{
		WorkDir:        ef.workDir,
		ConfigName:     ef.configFileName,
		SourceName:     ef.sourceName,
		DatasetDirFile: ef.datasetDirFile,
		Verbose:        rf.verbose != 0,
		OnExists:       policy,
		Thresholds:     ef.thresholds,
		SimCfg:         simulation.DefaultConfig(),
		Plot:           ef.plot,
		Version:        describeVersion,
		Out:            cmd.OutOrStdout(),
	})
	return err
}
