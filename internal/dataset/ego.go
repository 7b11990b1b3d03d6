// Package dataset wraps a scene store and a vectorizer into an indexed,
// ego-centred view of the recorded scenes.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/avsg/internal/config"
	"github.com/banshee-data/avsg/internal/scenestore"
	"github.com/banshee-data/avsg/internal/vectorize"
)

// ErrFrameOutOfRange is returned when a frame offset falls outside its scene.
var ErrFrameOutOfRange = errors.New("frame offset out of scene range")

// EgoDatasetVectorized serves vectorized frames from a scene store. The
// scene index is read once at construction.
type EgoDatasetVectorized struct {
	cfg        *config.Config
	store      *scenestore.Store
	vectorizer *vectorize.Vectorizer
	scenes     []scenestore.Scene
	counts     scenestore.Counts
}

// NewEgoDatasetVectorized indexes the scenes in store.
func NewEgoDatasetVectorized(ctx context.Context, cfg *config.Config, store *scenestore.Store, v *vectorize.Vectorizer) (*EgoDatasetVectorized, error) {
	scenes, err := store.Scenes(ctx)
	if err != nil {
		return nil, fmt.Errorf("index scenes: %w", err)
	}
	counts, err := store.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count store: %w", err)
	}
	return &EgoDatasetVectorized{cfg: cfg, store: store, vectorizer: v, scenes: scenes, counts: counts}, nil
}

// Config returns the configuration the dataset was built with.
func (d *EgoDatasetVectorized) Config() *config.Config { return d.cfg }

// Vectorizer returns the dataset's vectorizer.
func (d *EgoDatasetVectorized) Vectorizer() *vectorize.Vectorizer { return d.vectorizer }

// NumScenes returns the length of the scene index.
func (d *EgoDatasetVectorized) NumScenes() int { return len(d.scenes) }

// Scene returns the indexed scene.
func (d *EgoDatasetVectorized) Scene(idx int) (scenestore.Scene, error) {
	if idx < 0 || idx >= len(d.scenes) {
		return scenestore.Scene{}, fmt.Errorf("scene %d: %w", idx, scenestore.ErrNotFound)
	}
	return d.scenes[idx], nil
}

// Frame vectorizes the frame at offset within scene sceneIdx. farLimit
// further bounds the agent radius; zero leaves it to the vectorizer.
func (d *EgoDatasetVectorized) Frame(ctx context.Context, sceneIdx, offset int, farLimit float64) (vectorize.Frame, error) {
	sc, err := d.Scene(sceneIdx)
	if err != nil {
		return vectorize.Frame{}, err
	}
	if offset < 0 || offset >= sc.NumFrames() {
		return vectorize.Frame{}, fmt.Errorf("scene %d offset %d of %d frames: %w", sceneIdx, offset, sc.NumFrames(), ErrFrameOutOfRange)
	}

	frameIdx := sc.FrameStart + offset
	fr, err := d.store.Frame(ctx, frameIdx)
	if err != nil {
		return vectorize.Frame{}, err
	}
	agents, err := d.store.Agents(ctx, fr.AgentStart, fr.AgentEnd)
	if err != nil {
		return vectorize.Frame{}, err
	}

	ego := vectorize.EgoState{
		Centroid: r2.Vec{X: fr.EgoTranslation[0], Y: fr.EgoTranslation[1]},
		Yaw:      fr.EgoYaw,
	}
	ego.Speed, err = d.egoSpeed(ctx, sc, fr)
	if err != nil {
		return vectorize.Frame{}, err
	}

	vAgents, vMap := d.vectorizer.Vectorize(ego, agents, farLimit)
	return vectorize.Frame{
		SceneIndex:  sceneIdx,
		FrameIndex:  frameIdx,
		TimestampNs: fr.TimestampNs,
		Ego:         ego,
		Agents:      vAgents,
		Map:         vMap,
	}, nil
}

// egoSpeed differences the ego position against the next frame, or the
// previous one at the end of a scene.
func (d *EgoDatasetVectorized) egoSpeed(ctx context.Context, sc scenestore.Scene, fr scenestore.Frame) (float64, error) {
	other := fr.Index + 1
	if other >= sc.FrameEnd {
		other = fr.Index - 1
	}
	if other < sc.FrameStart {
		return 0, nil
	}
	nb, err := d.store.Frame(ctx, other)
	if err != nil {
		return 0, err
	}
	dt := float64(nb.TimestampNs-fr.TimestampNs) / 1e9
	if dt == 0 {
		return 0, nil
	}
	if dt < 0 {
		dt = -dt
	}
	dp := r2.Sub(
		r2.Vec{X: nb.EgoTranslation[0], Y: nb.EgoTranslation[1]},
		r2.Vec{X: fr.EgoTranslation[0], Y: fr.EgoTranslation[1]},
	)
	return r2.Norm(dp) / dt, nil
}

// String renders the scene index summary as a table.
func (d *EgoDatasetVectorized) String() string {
	var totalNs int64
	for _, sc := range d.scenes {
		totalNs += sc.EndTimeNs - sc.StartTimeNs
	}
	totalSec := float64(totalNs) / 1e9

	ratio := func(a, b float64) string {
		if b == 0 {
			return "0.00"
		}
		return fmt.Sprintf("%.2f", a/b)
	}

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Num Scenes\tNum Frames\tNum Agents\tTotal Time (hr)\tAvg Frames per Scene\tAvg Agents per Frame\tAvg Scene Time (sec)\tAvg Frame frequency\t")
	fmt.Fprintf(w, "%d\t%d\t%d\t%.2f\t%s\t%s\t%s\t%s\t\n",
		d.counts.Scenes,
		d.counts.Frames,
		d.counts.Agents,
		totalSec/3600,
		ratio(float64(d.counts.Frames), float64(d.counts.Scenes)),
		ratio(float64(d.counts.Agents), float64(d.counts.Frames)),
		ratio(totalSec, float64(d.counts.Scenes)),
		ratio(float64(d.counts.Frames-d.counts.Scenes), totalSec),
	)
	w.Flush()
	return sb.String()
}
