package extract

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/avsg/internal/config"
	"github.com/banshee-data/avsg/internal/dataset"
	"github.com/banshee-data/avsg/internal/scenestore"
	"github.com/banshee-data/avsg/internal/simulation"
	"github.com/banshee-data/avsg/internal/tensor"
	"github.com/banshee-data/avsg/internal/vectorize"
)

const testConfig = `
format_version: 7
raster_params:
  filter_agents_threshold: 0.5
data_generation_params:
  other_agents_num: 10
  max_agents_distance: 50
  lane_params:
    max_num_lanes: 2
    max_points_per_lane: 3
    max_num_crosswalks: 1
    max_points_per_crosswalk: 4
    max_retrieval_distance_m: 50
`

func vehicle(track int64, x, y float64) scenestore.Agent {
	return scenestore.Agent{
		TrackID:          track,
		Centroid:         [2]float64{x, y},
		Extent:           [3]float64{4.5, 1.8, 1.5},
		Velocity:         [2]float64{3, 0},
		Label:            "PERCEPTION_LABEL_CAR",
		LabelProbability: 0.9,
	}
}

func pedestrian(track int64, x, y float64) scenestore.Agent {
	a := vehicle(track, x, y)
	a.Extent = [3]float64{0.6, 0.6, 1.7}
	a.Label = "PERCEPTION_LABEL_PEDESTRIAN"
	return a
}

func scene(n int, agents ...scenestore.Agent) []scenestore.FrameRecord {
	frames := make([]scenestore.FrameRecord, n)
	for i := range frames {
		frames[i] = scenestore.FrameRecord{
			TimestampNs:    int64(i) * 100_000_000,
			EgoTranslation: [3]float64{float64(i), 0, 0},
			Agents:         agents,
		}
	}
	return frames
}

func newRequest(t *testing.T, scenes ...[]scenestore.FrameRecord) Request {
	t.Helper()
	ctx := context.Background()

	store, err := scenestore.Create(ctx, filepath.Join(t.TempDir(), "scenes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, frames := range scenes {
		_, err := store.AppendScene(ctx, "h", frames)
		require.NoError(t, err)
	}

	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	v := vectorize.New(vectorize.ParamsFromConfig(cfg), []scenestore.MapElement{
		{ID: "a", Type: scenestore.Lane,
			Left:  []scenestore.Point{{X: -5, Y: 1}, {X: 0, Y: 1}, {X: 5, Y: 1}, {X: 10, Y: 1}, {X: 100, Y: 1}},
			Right: []scenestore.Point{{X: -5, Y: -1}, {X: 0, Y: -1}, {X: 5, Y: -1}, {X: 10, Y: -1}, {X: 100, Y: -1}}},
		{ID: "cw", Type: scenestore.Crosswalk,
			Outline: []scenestore.Point{{X: 8, Y: -2}, {X: 10, Y: -2}, {X: 10, Y: 2}, {X: 8, Y: 2}}},
	})
	ds, err := dataset.NewEgoDatasetVectorized(ctx, cfg, store, v)
	require.NoError(t, err)

	indices := make([]int, ds.NumScenes())
	for i := range indices {
		indices[i] = i
	}
	return Request{
		SceneIndices: indices,
		Dataset:      ds,
		Store:        store,
		DataManager:  scenestore.NewLocalDataManager(t.TempDir()),
		SimCfg:       simulation.DefaultConfig(),
		Config:       cfg,
		Thresholds:   DefaultThresholds(),
	}
}

func TestProcessScenes(t *testing.T) {
	req := newRequest(t,
		scene(5, vehicle(1, 12, 0), vehicle(2, 6, 3.5), pedestrian(3, 4, -5)),
		scene(2, vehicle(4, 10, 0)),
		scene(5, pedestrian(5, 3, 3)),
		scene(5, vehicle(6, 25, 0), vehicle(7, 80, 0)),
	)

	mats, props, err := ProcessScenes(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, props.NScenes)
	assert.Equal(t, 4, props.NScenesSubmitted)
	assert.Equal(t, map[string]int{SkipTooShort: 1, SkipFewAgents: 1}, props.Skipped)
	assert.Equal(t, []int{3, 2}, props.AgentsPerScene)
	assert.InDelta(t, 2.5, props.AgentsPerSceneMean, 1e-9)
	assert.Equal(t, AgentFeatNames, props.AgentFeatNames)
	assert.Equal(t, 2, props.MaxNumElems[string(vectorize.LanesMid)])
	assert.Equal(t, 4, props.MaxNumPoints[string(vectorize.Crosswalks)])

	require.Len(t, mats, 3+3*len(vectorize.MapElemTypes))
	feat := mats[AgentsFeat]
	assert.Equal(t, tensor.Float32, feat.DType())
	assert.Equal(t, []int{2, 8, 7}, feat.Shape())
	assert.Equal(t, []int32{3, 2}, mats[AgentsNum].Int32s())

	exists := mats[AgentsExists]
	assert.Equal(t, []int{2, 8}, exists.Shape())
	assert.True(t, exists.Bools()[exists.Offset(0, 2)])
	assert.False(t, exists.Bools()[exists.Offset(0, 3)])

	// ego row at the origin, then the nearest vehicle (6,3.5) seen from ego at x=2
	ego := feat.Float32s()[feat.Offset(0, 0):feat.Offset(0, 1)]
	assert.Equal(t, float32(0), ego[0])
	assert.Equal(t, float32(1), ego[2])
	assert.InDelta(t, 10.0, ego[6], 1e-4)
	first := feat.Float32s()[feat.Offset(0, 1):feat.Offset(0, 2)]
	assert.InDelta(t, 4.0, first[0], 1e-5)
	assert.InDelta(t, 3.5, first[1], 1e-5)
	assert.InDelta(t, 4.5, first[4], 1e-5)

	points := mats[MapPointsName(vectorize.LanesLeft)]
	assert.Equal(t, []int{2, 2, 3, 2}, points.Shape())
	nOrig := mats[MapNPointsOrigName(vectorize.LanesLeft)]
	// four boundary points within 40 m; three stored
	assert.Equal(t, int32(4), nOrig.Int32s()[nOrig.Offset(0, 0)])
	elems := mats[MapExistsName(vectorize.LanesLeft)]
	assert.True(t, elems.Bools()[elems.Offset(0, 0)])
	assert.False(t, elems.Bools()[elems.Offset(0, 1)])

	cw := mats[MapExistsName(vectorize.Crosswalks)]
	assert.Equal(t, []int{2, 1}, cw.Shape())
	assert.True(t, cw.Bools()[0])
}

func TestProcessScenes_AgentCap(t *testing.T) {
	var agents []scenestore.Agent
	for i := 0; i < 12; i++ {
		agents = append(agents, vehicle(int64(i+1), float64(5+i), 0))
	}
	req := newRequest(t, scene(4, agents...))
	req.Thresholds.MaxNAgents = 4

	mats, props, err := ProcessScenes(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, props.NScenes)
	assert.Equal(t, []int32{4}, mats[AgentsNum].Int32s())
	assert.Equal(t, []int{1, 4, 7}, mats[AgentsFeat].Shape())
}

func TestProcessScenes_NoValidScenes(t *testing.T) {
	req := newRequest(t, scene(1))
	mats, props, err := ProcessScenes(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, props.NScenes)
	assert.Equal(t, []int{0, 8, 7}, mats[AgentsFeat].Shape())
}

func TestProcessScenes_Cancelled(t *testing.T) {
	req := newRequest(t, scene(3, vehicle(1, 5, 0)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := ProcessScenes(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())

	tests := []struct {
		name   string
		mutate func(*Thresholds)
	}{
		{"zero max agents", func(th *Thresholds) { th.MaxNAgents = 0 }},
		{"min above max", func(th *Thresholds) { th.MinNAgents = 9 }},
		{"negative extent", func(th *Thresholds) { th.MinExtentWidth = -1 }},
		{"negative distance", func(th *Thresholds) { th.MaxDistanceMap = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)
			assert.Error(t, th.Validate())
		})
	}
}
