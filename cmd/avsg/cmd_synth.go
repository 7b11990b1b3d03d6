package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/banshee-data/avsg/internal/config"
	"github.com/banshee-data/avsg/internal/fsutil"
	"github.com/banshee-data/avsg/internal/scenestore"
)

type synthFlags struct {
	root           string
	datasetDirFile string
	opts           scenestore.SynthOptions
}

func newSynthCmd() *cobra.Command {
	sf := &synthFlags{}
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Write a synthetic scene store and semantic map",
		Long: "synth generates a deterministic straight-road dataset (three lanes,\n" +
			"crosswalks, vehicles and pedestrians) under the dataset root, for smoke\n" +
			"tests and demos. Existing stores at the target keys are replaced.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSynth(cmd, sf)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sf.root, "root", "", "Dataset root (default: read from --dataset_dir_file)")
	f.StringVar(&sf.datasetDirFile, "dataset_dir_file", config.DefaultDatasetDirFile, "File holding the dataset root path")
	f.StringVar(&sf.opts.SceneKey, "scene_key", scenestore.DefaultSceneKey, "Scene store key under the root")
	f.StringVar(&sf.opts.MapKey, "map_key", scenestore.DefaultMapKey, "Semantic map key under the root")
	f.IntVar(&sf.opts.NumScenes, "scenes", 16, "Number of scenes")
	f.IntVar(&sf.opts.FramesPerScene, "frames", 20, "Frames per scene")
	f.IntVar(&sf.opts.MaxAgents, "max_agents", 12, "Maximum agents per scene")
	f.Uint64Var(&sf.opts.Seed, "seed", 1, "Random seed")
	return cmd
}

func runSynth(cmd *cobra.Command, sf *synthFlags) error {
	root := sf.root
	if root == "" {
		var err error
		root, err = config.ReadDatasetRoot(fsutil.OSFileSystem{}, sf.datasetDirFile)
		if err != nil {
			return err
		}
	}
	if sf.opts.NumScenes < 1 || sf.opts.FramesPerScene < 1 || sf.opts.MaxAgents < 0 {
		return fmt.Errorf("scenes and frames must be positive, max_agents non-negative")
	}

	opts := sf.opts
	opts.Root = root
	if err := scenestore.Synthesize(cmd.Context(), opts); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d scenes to %s and the semantic map to %s\n",
		opts.NumScenes, filepath.Join(root, opts.SceneKey), filepath.Join(root, opts.MapKey))
	return nil
}
