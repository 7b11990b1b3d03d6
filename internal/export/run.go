// Package export drives a scene export run: it resolves inputs, opens the
// scene store, hands the scenes to a ProcessFunc and persists the returned
// arrays with their metadata.
//
// Concurrent runs writing the same output directory are not coordinated;
// the last writer wins file by file.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/avsg/internal/config"
	"github.com/banshee-data/avsg/internal/dataset"
	"github.com/banshee-data/avsg/internal/extract"
	"github.com/banshee-data/avsg/internal/fsutil"
	"github.com/banshee-data/avsg/internal/monitoring"
	"github.com/banshee-data/avsg/internal/npz"
	"github.com/banshee-data/avsg/internal/report"
	"github.com/banshee-data/avsg/internal/scenestore"
	"github.com/banshee-data/avsg/internal/simulation"
	"github.com/banshee-data/avsg/internal/timeutil"
	"github.com/banshee-data/avsg/internal/vectorize"
	"github.com/banshee-data/avsg/internal/version"
)

// VersionFunc returns the source-control revision for dir.
type VersionFunc func(ctx context.Context, dir string) (string, error)

// Options configures Run. Zero values select the defaults noted per field.
type Options struct {
	WorkDir        string // default "."
	ConfigName     string
	SourceName     string
	DatasetDirFile string // default config.DefaultDatasetDirFile, relative to WorkDir
	Verbose        bool
	OnExists       OnExists // default OnExistsOverwrite
	Thresholds     extract.Thresholds
	SimCfg         simulation.Config
	Plot           bool

	FS      fsutil.FileSystem   // default fsutil.OSFileSystem
	Process extract.ProcessFunc // default extract.ProcessScenes
	Version VersionFunc         // default version.Describe
	Clock   timeutil.Clock      // default timeutil.RealClock
	Out     io.Writer           // console output; default io.Discard
}

func (o *Options) setDefaults() {
	if o.WorkDir == "" {
		o.WorkDir = "."
	}
	if o.DatasetDirFile == "" {
		o.DatasetDirFile = config.DefaultDatasetDirFile
	}
	if o.OnExists == "" {
		o.OnExists = OnExistsOverwrite
	}
	if o.FS == nil {
		o.FS = fsutil.OSFileSystem{}
	}
	if o.Process == nil {
		o.Process = extract.ProcessScenes
	}
	if o.Version == nil {
		o.Version = version.Describe
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.Out == nil {
		o.Out = io.Discard
	}
}

// Result reports where a run wrote its output.
type Result struct {
	OutputDir    string // full path
	DisplayDir   string // OutputDir relative to WorkDir
	NScenes      int
	NScenesTotal int
	Info         *Info
}

// Run performs one export. Inputs are resolved before anything is written:
// a missing dataset root file, config file or source block aborts the run
// with no output directory created.
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts.setDefaults()

	outDir, err := OutputDir(opts.WorkDir, opts.ConfigName, opts.SourceName)
	if err != nil {
		return nil, err
	}

	datasetDirFile := opts.DatasetDirFile
	if !filepath.IsAbs(datasetDirFile) {
		datasetDirFile = filepath.Join(opts.WorkDir, datasetDirFile)
	}
	root, err := config.ReadDatasetRoot(opts.FS, datasetDirFile)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadFile(opts.FS, config.Path(opts.WorkDir, opts.ConfigName))
	if err != nil {
		return nil, err
	}
	src, err := cfg.Source(opts.SourceName)
	if err != nil {
		return nil, err
	}

	gitVersion, err := opts.Version(ctx, opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("git version: %w", err)
	}

	outDir, err = PrepareOutputDir(opts.FS, outDir, opts.OnExists)
	if err != nil {
		return nil, err
	}
	displayDir, err := filepath.Rel(opts.WorkDir, outDir)
	if err != nil {
		displayDir = outDir
	}

	dm := scenestore.NewLocalDataManager(root)
	storePath, err := dm.Require(src.Key)
	if err != nil {
		return nil, err
	}
	store, err := scenestore.Open(ctx, storePath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	vec, err := vectorize.Build(ctx, cfg, dm)
	if err != nil {
		return nil, err
	}
	ds, err := dataset.NewEgoDatasetVectorized(ctx, cfg, store, vec)
	if err != nil {
		return nil, err
	}

	nScenes := ds.NumScenes()
	fmt.Fprintln(opts.Out, ds)
	fmt.Fprintf(opts.Out, "Dataset source: %s, number of scenes total: %d\n", src.Key, nScenes)

	sceneIndices := make([]int, nScenes)
	for i := range sceneIndices {
		sceneIndices[i] = i
	}

	start := opts.Clock.Now()
	mats, props, err := opts.Process(ctx, extract.Request{
		SceneIndices: sceneIndices,
		Dataset:      ds,
		Store:        store,
		DataManager:  dm,
		SimCfg:       opts.SimCfg,
		Config:       cfg,
		Thresholds:   opts.Thresholds,
		Verbose:      opts.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("process scenes: %w", err)
	}
	if props.NScenes > nScenes {
		return nil, fmt.Errorf("process scenes: %d valid scenes reported out of %d submitted", props.NScenes, nScenes)
	}
	monitoring.Debugf("processed %d scenes in %s", nScenes, opts.Clock.Since(start).Round(time.Millisecond))

	if err := npz.WriteFile(opts.FS, filepath.Join(outDir, DataFile), mats); err != nil {
		return nil, err
	}

	info := &Info{
		DatasetProps:  props,
		SavedMatsInfo: BuildMatsInfo(mats),
		GitVersion:    gitVersion,
		RunID:         uuid.New(),
		CreatedAt:     opts.Clock.Now().UTC(),
		ConfigName:    opts.ConfigName,
		SourceName:    opts.SourceName,
	}
	if err := WriteInfo(opts.FS, filepath.Join(outDir, InfoFile), info); err != nil {
		return nil, err
	}

	plotPath := filepath.Join(outDir, report.AgentsHistogramFile)
	plotted := false
	if opts.Plot {
		if err := writePlot(opts.FS, plotPath, props); err != nil {
			monitoring.Warnf("skipping %s: %v", report.AgentsHistogramFile, err)
		} else {
			plotted = true
		}
	}
	if !plotted {
		if err := opts.FS.Remove(plotPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale %s: %w", report.AgentsHistogramFile, err)
		}
	}

	fmt.Fprintf(opts.Out, "Saved data of %d valid scenes our of %d scenes at  %s\n", props.NScenes, nScenes, displayDir)
	return &Result{
		OutputDir:    outDir,
		DisplayDir:   displayDir,
		NScenes:      props.NScenes,
		NScenesTotal: nScenes,
		Info:         info,
	}, nil
}

func writePlot(fsys fsutil.FileSystem, path string, props extract.DatasetProps) (err error) {
	if len(props.AgentsPerScene) == 0 {
		return report.ErrNoData
	}
	f, err := fsys.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return report.WriteAgentsHistogram(f, props.AgentsPerScene, props.MaxNAgents)
}
