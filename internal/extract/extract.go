// Package extract turns vectorized scenes into fixed-shape agent and map
// tensors. Each accepted scene contributes one row to every output array;
// agents and map elements are truncated to fixed caps and padded with
// zeros, with companion "exists" masks marking the real entries.
package extract

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/avsg/internal/config"
	"github.com/banshee-data/avsg/internal/dataset"
	"github.com/banshee-data/avsg/internal/monitoring"
	"github.com/banshee-data/avsg/internal/scenestore"
	"github.com/banshee-data/avsg/internal/simulation"
	"github.com/banshee-data/avsg/internal/tensor"
	"github.com/banshee-data/avsg/internal/vectorize"
)

// AgentFeatNames labels the last axis of agents_feat.
var AgentFeatNames = []string{
	"centroid_x",
	"centroid_y",
	"yaw_cos",
	"yaw_sin",
	"extent_length",
	"extent_width",
	"speed",
}

// Output array names.
const (
	AgentsFeat   = "agents_feat"
	AgentsNum    = "agents_num"
	AgentsExists = "agents_exists"

	mapPointsPrefix = "map_elems_points_"
	mapNOrigPrefix  = "map_elems_n_points_orig_"
	mapExistsPrefix = "map_elems_exists_"
)

// MapPointsName returns the points array name for a map element family.
func MapPointsName(t vectorize.MapElemType) string { return mapPointsPrefix + string(t) }

// MapNPointsOrigName returns the name of the per-element point count taken before truncation.
func MapNPointsOrigName(t vectorize.MapElemType) string { return mapNOrigPrefix + string(t) }

// MapExistsName returns the element mask array name.
func MapExistsName(t vectorize.MapElemType) string { return mapExistsPrefix + string(t) }

// Mats maps output array names to their data.
type Mats map[string]*tensor.Array

// DatasetProps summarises an extraction run.
type DatasetProps struct {
	NScenes            int // scenes that passed filtering
	NScenesSubmitted   int
	MaxNAgents         int
	AgentFeatNames     []string
	MapElemTypes       []string
	MaxNumElems        map[string]int
	MaxNumPoints       map[string]int
	AgentsPerScene     []int
	AgentsPerSceneMean float64
	Skipped            map[string]int // skip reason -> count
}

// Thresholds are the per-scene filters applied during extraction.
type Thresholds struct {
	MinNAgents       int
	MaxNAgents       int
	MinExtentLength  float64
	MinExtentWidth   float64
	MaxDistanceMap   float64
	MaxDistanceAgent float64
}

// DefaultThresholds returns the filters used for scenario export.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinNAgents:       2,
		MaxNAgents:       8,
		MinExtentLength:  3,
		MinExtentWidth:   1,
		MaxDistanceMap:   40,
		MaxDistanceAgent: 30,
	}
}

// Validate checks the thresholds are consistent.
func (t Thresholds) Validate() error {
	switch {
	case t.MaxNAgents < 1:
		return fmt.Errorf("max_n_agents must be at least 1, got %d", t.MaxNAgents)
	case t.MinNAgents < 0 || t.MinNAgents > t.MaxNAgents:
		return fmt.Errorf("min_n_agents must be in [0, %d], got %d", t.MaxNAgents, t.MinNAgents)
	case t.MinExtentLength < 0 || t.MinExtentWidth < 0:
		return errors.New("minimum extents must be non-negative")
	case t.MaxDistanceMap < 0 || t.MaxDistanceAgent < 0:
		return errors.New("maximum distances must be non-negative")
	}
	return nil
}

// Request is everything a scene processor needs.
type Request struct {
	SceneIndices []int
	Dataset      *dataset.EgoDatasetVectorized
	Store        *scenestore.Store
	DataManager  scenestore.DataManager
	SimCfg       simulation.Config
	Config       *config.Config
	Thresholds   Thresholds
	Verbose      bool
}

// ProcessFunc extracts tensors for the requested scenes.
type ProcessFunc func(ctx context.Context, req Request) (Mats, DatasetProps, error)

// Skip reasons recorded in DatasetProps.Skipped.
const (
	SkipTooShort  = "too_short"
	SkipFewAgents = "few_agents"
)

type sceneRecord struct {
	agents [][]float32
	elems  map[vectorize.MapElemType][]vectorize.Polyline
}

// ProcessScenes is the default ProcessFunc. For every scene it samples the
// frame at SimCfg.StartFrameIndex, keeps the ego plus the agents passing
// the extent and distance filters, and the map points within
// MaxDistanceMap. Scenes with fewer than MinNAgents agents are skipped.
func ProcessScenes(ctx context.Context, req Request) (Mats, DatasetProps, error) {
	if req.Dataset == nil {
		return nil, DatasetProps{}, errors.New("process scenes: nil dataset")
	}
	if err := req.Thresholds.Validate(); err != nil {
		return nil, DatasetProps{}, err
	}
	if err := req.SimCfg.Validate(); err != nil {
		return nil, DatasetProps{}, err
	}

	logf := monitoring.Debugf
	if req.Verbose {
		logf = monitoring.Logf
	}

	th := req.Thresholds
	params := req.Dataset.Vectorizer().Params()
	props := DatasetProps{
		NScenesSubmitted: len(req.SceneIndices),
		MaxNAgents:       th.MaxNAgents,
		AgentFeatNames:   append([]string(nil), AgentFeatNames...),
		MaxNumElems:      make(map[string]int),
		MaxNumPoints:     make(map[string]int),
		Skipped:          make(map[string]int),
	}
	for _, t := range vectorize.MapElemTypes {
		props.MapElemTypes = append(props.MapElemTypes, string(t))
		props.MaxNumElems[string(t)] = params.MaxElements(t)
		props.MaxNumPoints[string(t)] = params.MaxPoints(t)
	}

	var records []sceneRecord
	for _, idx := range req.SceneIndices {
		if err := ctx.Err(); err != nil {
			return nil, DatasetProps{}, err
		}

		sc, err := req.Dataset.Scene(idx)
		if err != nil {
			return nil, DatasetProps{}, err
		}
		if sc.NumFrames() <= req.SimCfg.StartFrameIndex {
			logf("scene %d: %d frames, need more than %d", idx, sc.NumFrames(), req.SimCfg.StartFrameIndex)
			props.Skipped[SkipTooShort]++
			continue
		}

		fr, err := req.Dataset.Frame(ctx, idx, req.SimCfg.StartFrameIndex, req.SimCfg.DistanceThFar)
		if err != nil {
			return nil, DatasetProps{}, fmt.Errorf("scene %d: %w", idx, err)
		}

		rec := sceneRecord{agents: selectAgents(fr, th), elems: selectMap(fr, th, params)}
		if len(rec.agents) < th.MinNAgents {
			logf("scene %d: %d valid agents, need at least %d", idx, len(rec.agents), th.MinNAgents)
			props.Skipped[SkipFewAgents]++
			continue
		}
		records = append(records, rec)
		props.AgentsPerScene = append(props.AgentsPerScene, len(rec.agents))
	}

	props.NScenes = len(records)
	if len(props.AgentsPerScene) > 0 {
		xs := make([]float64, len(props.AgentsPerScene))
		for i, n := range props.AgentsPerScene {
			xs[i] = float64(n)
		}
		props.AgentsPerSceneMean = stat.Mean(xs, nil)
	}
	monitoring.Debugf("extracted %d of %d scenes", props.NScenes, props.NScenesSubmitted)

	return pack(records, th, params), props, nil
}

// selectAgents returns the ego followed by the agents passing the filters,
// nearest first, truncated to MaxNAgents.
func selectAgents(fr vectorize.Frame, th Thresholds) [][]float32 {
	out := [][]float32{{
		0, 0, 1, 0,
		vectorize.EgoExtentLength,
		vectorize.EgoExtentWidth,
		float32(fr.Ego.Speed),
	}}
	for _, a := range fr.Agents {
		if len(out) >= th.MaxNAgents {
			break
		}
		if a.Length < th.MinExtentLength || a.Width < th.MinExtentWidth || a.Distance > th.MaxDistanceAgent {
			continue
		}
		out = append(out, []float32{
			float32(a.Centroid.X),
			float32(a.Centroid.Y),
			float32(math.Cos(a.Yaw)),
			float32(math.Sin(a.Yaw)),
			float32(a.Length),
			float32(a.Width),
			float32(a.Speed),
		})
	}
	return out
}

// selectMap drops points beyond MaxDistanceMap and elements left empty,
// then caps the element count per family.
func selectMap(fr vectorize.Frame, th Thresholds, params vectorize.Params) map[vectorize.MapElemType][]vectorize.Polyline {
	out := make(map[vectorize.MapElemType][]vectorize.Polyline, len(vectorize.MapElemTypes))
	for _, t := range vectorize.MapElemTypes {
		var kept []vectorize.Polyline
		for _, pl := range fr.Map[t] {
			if len(kept) >= params.MaxElements(t) {
				break
			}
			near := vectorize.Polyline{ID: pl.ID, Distance: pl.Distance}
			for _, p := range pl.Points {
				if math.Hypot(p.X, p.Y) <= th.MaxDistanceMap {
					near.Points = append(near.Points, p)
				}
			}
			if len(near.Points) > 0 {
				kept = append(kept, near)
			}
		}
		out[t] = kept
	}
	return out
}

func pack(records []sceneRecord, th Thresholds, params vectorize.Params) Mats {
	n := len(records)
	nFeat := len(AgentFeatNames)

	feat := tensor.NewFloat32(n, th.MaxNAgents, nFeat)
	num := tensor.NewInt32(n)
	exists := tensor.NewBool(n, th.MaxNAgents)
	mats := Mats{AgentsFeat: feat, AgentsNum: num, AgentsExists: exists}

	for i, rec := range records {
		num.Int32s()[i] = int32(len(rec.agents))
		for j, a := range rec.agents {
			copy(feat.Float32s()[feat.Offset(i, j):], a)
			exists.Bools()[exists.Offset(i, j)] = true
		}
	}

	for _, t := range vectorize.MapElemTypes {
		maxElems, maxPts := params.MaxElements(t), params.MaxPoints(t)
		points := tensor.NewFloat32(n, maxElems, maxPts, 2)
		nOrig := tensor.NewInt32(n, maxElems)
		elemExists := tensor.NewBool(n, maxElems)

		for i, rec := range records {
			for e, pl := range rec.elems[t] {
				nOrig.Int32s()[nOrig.Offset(i, e)] = int32(len(pl.Points))
				elemExists.Bools()[elemExists.Offset(i, e)] = true
				for p, pt := range pl.Points {
					if p >= maxPts {
						break
					}
					off := points.Offset(i, e, p)
					points.Float32s()[off] = float32(pt.X)
					points.Float32s()[off+1] = float32(pt.Y)
				}
			}
		}

		mats[MapPointsName(t)] = points
		mats[MapNPointsOrigName(t)] = nOrig
		mats[MapExistsName(t)] = elemExists
	}
	return mats
}
