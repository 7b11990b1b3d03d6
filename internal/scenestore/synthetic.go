package scenestore

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
)

// Default keys written by Synthesize, relative to the dataset root.
const (
	DefaultSceneKey = "scenes/sample.db"
	DefaultMapKey   = "semantic_map/semantic_map.db"
)

// SynthOptions configures Synthesize.
type SynthOptions struct {
	Root           string
	SceneKey       string
	MapKey         string
	NumScenes      int
	FramesPerScene int
	MaxAgents      int
	Seed           uint64
}

func (o *SynthOptions) setDefaults() {
	if o.SceneKey == "" {
		o.SceneKey = DefaultSceneKey
	}
	if o.MapKey == "" {
		o.MapKey = DefaultMapKey
	}
	if o.NumScenes == 0 {
		o.NumScenes = 5
	}
	if o.FramesPerScene == 0 {
		o.FramesPerScene = 20
	}
	if o.MaxAgents == 0 {
		o.MaxAgents = 12
	}
}

// Synthetic road geometry: three eastbound lanes along the x axis, split
// into fixed-length segments, with crosswalks at regular intervals.
const (
	roadMinX        = -200.0
	roadMaxX        = 200.0
	laneWidth       = 3.5
	segmentLength   = 20.0
	pointSpacing    = 2.0
	crosswalkEvery  = 100.0
	crosswalkWidth  = 4.0
	frameStepNs     = int64(100_000_000)
	egoSpeed        = 10.0
	synthHostPrefix = "synth-host-"
)

var laneCenters = []float64{-laneWidth, 0, laneWidth}

// Synthesize writes a deterministic scene store and semantic map under
// opts.Root. Existing files at the target keys are replaced.
func Synthesize(ctx context.Context, opts SynthOptions) error {
	opts.setDefaults()
	if opts.Root == "" {
		return fmt.Errorf("synthesize: empty dataset root")
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	mapStore, err := createFresh(ctx, filepath.Join(opts.Root, opts.MapKey))
	if err != nil {
		return err
	}
	defer mapStore.Close()
	for _, e := range syntheticMap() {
		if err := mapStore.AddMapElement(ctx, e); err != nil {
			return err
		}
	}

	sceneStore, err := createFresh(ctx, filepath.Join(opts.Root, opts.SceneKey))
	if err != nil {
		return err
	}
	defer sceneStore.Close()

	var nextTrack int64 = 1
	for i := 0; i < opts.NumScenes; i++ {
		frames := syntheticScene(rng, opts.FramesPerScene, rng.IntN(opts.MaxAgents+1), &nextTrack)
		if _, err := sceneStore.AppendScene(ctx, fmt.Sprintf("%s%d", synthHostPrefix, i%3), frames); err != nil {
			return fmt.Errorf("append scene %d: %w", i, err)
		}
	}
	return nil
}

func createFresh(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return Create(ctx, path)
}

func syntheticMap() []MapElement {
	var out []MapElement
	for li, cy := range laneCenters {
		for x0 := roadMinX; x0 < roadMaxX; x0 += segmentLength {
			var left, right []Point
			for x := x0; x <= x0+segmentLength+1e-9; x += pointSpacing {
				left = append(left, Point{X: x, Y: cy + laneWidth/2})
				right = append(right, Point{X: x, Y: cy - laneWidth/2})
			}
			out = append(out, MapElement{
				ID:    fmt.Sprintf("lane_%d_%04d", li, int(x0-roadMinX)),
				Type:  Lane,
				Left:  left,
				Right: right,
			})
		}
	}

	halfRoad := laneWidth * float64(len(laneCenters)) / 2
	for x := roadMinX + crosswalkEvery; x < roadMaxX; x += crosswalkEvery {
		out = append(out, MapElement{
			ID:   fmt.Sprintf("crosswalk_%04d", int(x-roadMinX)),
			Type: Crosswalk,
			Outline: []Point{
				{X: x - crosswalkWidth/2, Y: -halfRoad},
				{X: x + crosswalkWidth/2, Y: -halfRoad},
				{X: x + crosswalkWidth/2, Y: halfRoad},
				{X: x - crosswalkWidth/2, Y: halfRoad},
			},
		})
	}
	return out
}

type synthTrack struct {
	id        int64
	pos       [2]float64
	vel       [2]float64
	yaw       float64
	extent    [3]float64
	label     string
	labelP    float64
	firstSeen int
}

func syntheticScene(rng *rand.Rand, numFrames, numAgents int, nextTrack *int64) []FrameRecord {
	egoX := roadMinX + 50 + rng.Float64()*(roadMaxX-roadMinX-150)
	egoY := laneCenters[rng.IntN(len(laneCenters))]

	tracks := make([]synthTrack, 0, numAgents)
	for i := 0; i < numAgents; i++ {
		t := synthTrack{id: *nextTrack}
		*nextTrack++
		switch r := rng.Float64(); {
		case r < 0.65:
			speed := 6 + rng.Float64()*8
			t.pos = [2]float64{egoX - 40 + rng.Float64()*80, laneCenters[rng.IntN(len(laneCenters))]}
			t.vel = [2]float64{speed, 0}
			t.extent = [3]float64{4.2 + rng.Float64(), 1.8 + rng.Float64()*0.3, 1.5}
			t.label = "PERCEPTION_LABEL_CAR"
			t.labelP = 0.8 + rng.Float64()*0.2
		case r < 0.85:
			t.pos = [2]float64{egoX - 30 + rng.Float64()*60, -6 - rng.Float64()*2}
			t.vel = [2]float64{0, 1.2}
			t.yaw = math.Pi / 2
			t.extent = [3]float64{0.6, 0.6, 1.7}
			t.label = "PERCEPTION_LABEL_PEDESTRIAN"
			t.labelP = 0.9
		default:
			t.pos = [2]float64{egoX - 40 + rng.Float64()*80, -12 + rng.Float64()*24}
			t.extent = [3]float64{1 + rng.Float64()*3, 0.5 + rng.Float64(), 1}
			t.label = "PERCEPTION_LABEL_UNKNOWN"
			t.labelP = 0.3
		}
		if t.vel[0] != 0 {
			t.yaw = math.Atan2(t.vel[1], t.vel[0])
		}
		t.firstSeen = rng.IntN(max(numFrames/4, 1))
		tracks = append(tracks, t)
	}

	frames := make([]FrameRecord, numFrames)
	for f := range frames {
		dt := float64(f) * float64(frameStepNs) / 1e9
		fr := FrameRecord{
			TimestampNs:    int64(f) * frameStepNs,
			EgoTranslation: [3]float64{egoX + egoSpeed*dt, egoY, 0},
		}
		for _, t := range tracks {
			if f < t.firstSeen {
				continue
			}
			fr.Agents = append(fr.Agents, Agent{
				TrackID:          t.id,
				Centroid:         [2]float64{t.pos[0] + t.vel[0]*dt, t.pos[1] + t.vel[1]*dt},
				Extent:           t.extent,
				Yaw:              t.yaw,
				Velocity:         t.vel,
				Label:            t.label,
				LabelProbability: t.labelP,
			})
		}
		frames[f] = fr
	}
	return frames
}
