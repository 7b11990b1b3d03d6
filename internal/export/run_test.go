package export

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/avsg/internal/config"
	"github.com/banshee-data/avsg/internal/extract"
	"github.com/banshee-data/avsg/internal/fsutil"
	"github.com/banshee-data/avsg/internal/npz"
	"github.com/banshee-data/avsg/internal/report"
	"github.com/banshee-data/avsg/internal/scenestore"
	"github.com/banshee-data/avsg/internal/simulation"
	"github.com/banshee-data/avsg/internal/tensor"
	"github.com/banshee-data/avsg/internal/timeutil"
)

const workspaceConfig = `format_version: 7
raster_params:
  semantic_map_key: semantic_map/semantic_map.db
  filter_agents_threshold: 0.5
train_data_loader:
  key: scenes/sample.db
  batch_size: 12
`

const wantDisplayDir = "AVSG_Data/l5kit_data_config_sample_train_data_loader"

// newWorkspace lays out a working directory with a five-scene synthetic
// dataset, a dataset_dir.txt pointing at it and configs/config_sample.yaml.
func newWorkspace(t *testing.T) string {
	t.Helper()
	workDir := t.TempDir()
	dataRoot := filepath.Join(workDir, "dataset")
	require.NoError(t, scenestore.Synthesize(context.Background(), scenestore.SynthOptions{
		Root:           dataRoot,
		NumScenes:      5,
		FramesPerScene: 10,
		Seed:           3,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "dataset_dir.txt"), []byte(dataRoot+"\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, config.Dir), 0755))
	require.NoError(t, os.WriteFile(config.Path(workDir, "config_sample"), []byte(workspaceConfig), 0644))
	return workDir
}

func fakeVersion(context.Context, string) (string, error) { return "a1b2c3d", nil }

func baseOptions(workDir string, out *bytes.Buffer) Options {
	return Options{
		WorkDir:        workDir,
		ConfigName:     "config_sample",
		SourceName:     "train_data_loader",
		DatasetDirFile: "dataset_dir.txt",
		Thresholds:     extract.DefaultThresholds(),
		SimCfg:         simulation.DefaultConfig(),
		Version:        fakeVersion,
		Out:            out,
	}
}

func fixedProcess(nScenes int, mats extract.Mats, seen *extract.Request) extract.ProcessFunc {
	return func(_ context.Context, req extract.Request) (extract.Mats, extract.DatasetProps, error) {
		if seen != nil {
			*seen = req
		}
		return mats, extract.DatasetProps{NScenes: nScenes}, nil
	}
}

func threeSceneMats() extract.Mats {
	return extract.Mats{
		extract.AgentsFeat:            tensor.NewFloat32(3, 8, 7),
		extract.AgentsNum:             tensor.NewInt32(3),
		"map_elems_exists_lanes_left": tensor.NewBool(3, 30),
	}
}

func TestRun_ReportsValidScenes(t *testing.T) {
	workDir := newWorkspace(t)
	var out bytes.Buffer
	var req extract.Request

	created := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	opts := baseOptions(workDir, &out)
	opts.Process = fixedProcess(3, threeSceneMats(), &req)
	opts.Clock = timeutil.NewMockClock(created)
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Dataset source: scenes/sample.db, number of scenes total: 5\n")
	assert.Contains(t, out.String(), "Saved data of 3 valid scenes our of 5 scenes at  "+wantDisplayDir+"\n")
	assert.Equal(t, wantDisplayDir, res.DisplayDir)
	assert.Equal(t, 3, res.NScenes)
	assert.Equal(t, 5, res.NScenesTotal)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, req.SceneIndices)
	assert.Equal(t, 2, req.Thresholds.MinNAgents)
	assert.Equal(t, 8, req.Thresholds.MaxNAgents)
	assert.Equal(t, 5, req.Dataset.NumScenes())
	assert.NotNil(t, req.Store)
	assert.NotNil(t, req.DataManager)
	assert.True(t, req.SimCfg.DisableNewAgents)

	arrays, err := npz.ReadAll(fsutil.OSFileSystem{}, filepath.Join(res.OutputDir, DataFile))
	require.NoError(t, err)
	info, err := ReadInfo(fsutil.OSFileSystem{}, filepath.Join(res.OutputDir, InfoFile))
	require.NoError(t, err)
	assert.NoError(t, Verify(info, arrays))
	assert.Len(t, info.SavedMatsInfo, 3)
	assert.Equal(t, "a1b2c3d", info.GitVersion)
	assert.True(t, created.Equal(info.CreatedAt))
	assert.Equal(t, "train_data_loader", info.SourceName)
	assert.Equal(t, 3, info.DatasetProps.NScenes)
	assert.Equal(t, EntityAgents, info.SavedMatsInfo[extract.AgentsNum].Entity)
	assert.Equal(t, EntityMap, info.SavedMatsInfo["map_elems_exists_lanes_left"].Entity)
}

func TestRun_OverwriteReplacesPreviousOutput(t *testing.T) {
	workDir := newWorkspace(t)
	opts := baseOptions(workDir, &bytes.Buffer{})
	opts.Process = fixedProcess(3, threeSceneMats(), nil)
	first, err := Run(context.Background(), opts)
	require.NoError(t, err)

	opts.Process = fixedProcess(1, extract.Mats{extract.AgentsNum: tensor.NewInt32(1)}, nil)
	second, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, first.OutputDir, second.OutputDir)
	assert.NotEqual(t, first.Info.RunID, second.Info.RunID)

	arrays, err := npz.ReadAll(fsutil.OSFileSystem{}, filepath.Join(second.OutputDir, DataFile))
	require.NoError(t, err)
	assert.Len(t, arrays, 1)
	info, err := ReadInfo(fsutil.OSFileSystem{}, filepath.Join(second.OutputDir, InfoFile))
	require.NoError(t, err)
	assert.NoError(t, Verify(info, arrays))
	assert.Equal(t, 1, info.DatasetProps.NScenes)
}

func TestRun_OnExistsPolicies(t *testing.T) {
	workDir := newWorkspace(t)
	opts := baseOptions(workDir, &bytes.Buffer{})
	opts.Process = fixedProcess(3, threeSceneMats(), nil)
	_, err := Run(context.Background(), opts)
	require.NoError(t, err)

	opts.OnExists = OnExistsFail
	_, err = Run(context.Background(), opts)
	assert.True(t, errors.Is(err, ErrOutputExists))

	opts.OnExists = OnExistsVersion
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, wantDisplayDir+"_v2", res.DisplayDir)
}

func TestRun_MissingDatasetRootFile(t *testing.T) {
	workDir := newWorkspace(t)
	opts := baseOptions(workDir, &bytes.Buffer{})
	opts.DatasetDirFile = "missing_dataset_dir.txt"
	called := false
	opts.Process = func(context.Context, extract.Request) (extract.Mats, extract.DatasetProps, error) {
		called = true
		return nil, extract.DatasetProps{}, nil
	}

	_, err := Run(context.Background(), opts)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.False(t, called)
	assert.NoDirExists(t, filepath.Join(workDir, OutputRoot))
}

func TestRun_UnknownSource(t *testing.T) {
	workDir := newWorkspace(t)
	opts := baseOptions(workDir, &bytes.Buffer{})
	opts.SourceName = "test_data_loader"
	called := false
	opts.Process = func(context.Context, extract.Request) (extract.Mats, extract.DatasetProps, error) {
		called = true
		return nil, extract.DatasetProps{}, nil
	}

	_, err := Run(context.Background(), opts)
	assert.True(t, errors.Is(err, config.ErrSourceNotFound))
	assert.False(t, called)
	assert.NoDirExists(t, filepath.Join(workDir, OutputRoot))
}

func TestRun_VersionFailureIsFatal(t *testing.T) {
	workDir := newWorkspace(t)
	opts := baseOptions(workDir, &bytes.Buffer{})
	opts.Version = func(context.Context, string) (string, error) {
		return "", errors.New("fatal: not a git repository")
	}
	opts.Process = fixedProcess(3, threeSceneMats(), nil)

	_, err := Run(context.Background(), opts)
	assert.ErrorContains(t, err, "not a git repository")
	assert.NoDirExists(t, filepath.Join(workDir, OutputRoot))
}

func TestRun_RejectsImpossibleSceneCount(t *testing.T) {
	workDir := newWorkspace(t)
	opts := baseOptions(workDir, &bytes.Buffer{})
	opts.Process = fixedProcess(6, threeSceneMats(), nil)

	_, err := Run(context.Background(), opts)
	assert.ErrorContains(t, err, "6 valid scenes reported out of 5")
	assert.NoFileExists(t, filepath.Join(workDir, wantDisplayDir, DataFile))
}

func TestRun_DefaultProcessor(t *testing.T) {
	workDir := newWorkspace(t)
	var out bytes.Buffer
	opts := baseOptions(workDir, &out)
	opts.Plot = true

	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.LessOrEqual(t, res.NScenes, res.NScenesTotal)
	assert.Contains(t, out.String(), "Num Scenes")

	arrays, err := npz.ReadAll(fsutil.OSFileSystem{}, filepath.Join(res.OutputDir, DataFile))
	require.NoError(t, err)
	assert.NoError(t, Verify(res.Info, arrays))
	assert.Equal(t, []int{res.NScenes, 8, 7}, arrays[extract.AgentsFeat].Shape())

	plotPath := filepath.Join(res.OutputDir, report.AgentsHistogramFile)
	if res.NScenes > 0 {
		assert.FileExists(t, plotPath)
	} else {
		assert.NoFileExists(t, plotPath)
	}
}

func TestRun_RerunDropsStalePlot(t *testing.T) {
	workDir := newWorkspace(t)
	plotPath := filepath.Join(workDir, wantDisplayDir, report.AgentsHistogramFile)

	opts := baseOptions(workDir, &bytes.Buffer{})
	opts.Plot = true
	opts.Process = func(context.Context, extract.Request) (extract.Mats, extract.DatasetProps, error) {
		return threeSceneMats(), extract.DatasetProps{NScenes: 3, MaxNAgents: 8, AgentsPerScene: []int{2, 5, 8}}, nil
	}
	_, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.FileExists(t, plotPath)

	// Nothing to plot on the second run.
	opts.Process = fixedProcess(0, extract.Mats{}, nil)
	_, err = Run(context.Background(), opts)
	require.NoError(t, err)
	assert.NoFileExists(t, plotPath)

	opts.Process = func(context.Context, extract.Request) (extract.Mats, extract.DatasetProps, error) {
		return threeSceneMats(), extract.DatasetProps{NScenes: 3, MaxNAgents: 8, AgentsPerScene: []int{2, 5, 8}}, nil
	}
	_, err = Run(context.Background(), opts)
	require.NoError(t, err)
	require.FileExists(t, plotPath)

	// Plotting switched off.
	opts.Plot = false
	_, err = Run(context.Background(), opts)
	require.NoError(t, err)
	assert.NoFileExists(t, plotPath)
}

func TestRun_OverwriteRejectsFileAtOutputPath(t *testing.T) {
	workDir := newWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, OutputRoot), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, wantDisplayDir), []byte("x"), 0644))

	called := false
	opts := baseOptions(workDir, &bytes.Buffer{})
	opts.Process = func(context.Context, extract.Request) (extract.Mats, extract.DatasetProps, error) {
		called = true
		return nil, extract.DatasetProps{}, nil
	}
	_, err := Run(context.Background(), opts)
	assert.ErrorContains(t, err, "is not a directory")
	assert.False(t, called)
}
