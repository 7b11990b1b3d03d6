// Package vectorize converts a world-frame scene snapshot into ego-centred
// vectors: nearby agents as feature records and semantic map elements as
// polylines.
package vectorize

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/avsg/internal/config"
	"github.com/banshee-data/avsg/internal/scenestore"
)

// MapElemType names a polyline family in the vectorized map.
type MapElemType string

const (
	LanesMid   MapElemType = "lanes_mid"
	LanesLeft  MapElemType = "lanes_left"
	LanesRight MapElemType = "lanes_right"
	Crosswalks MapElemType = "crosswalks"
)

// MapElemTypes lists the polyline families in output order.
var MapElemTypes = []MapElemType{LanesMid, LanesLeft, LanesRight, Crosswalks}

// Ego vehicle footprint [m].
const (
	EgoExtentLength = 4.869
	EgoExtentWidth  = 1.852
)

// Params are the vectorizer limits derived from configuration.
type Params struct {
	OtherAgentsNum        int
	MaxAgentsDistance     float64
	FilterAgentsThreshold float64
	MaxNumLanes           int
	MaxPointsPerLane      int
	MaxNumCrosswalks      int
	MaxPointsPerCrosswalk int
	MaxRetrievalDistance  float64
}

// ParamsFromConfig reads the vectorizer limits, applying defaults.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		OtherAgentsNum:        cfg.GetOtherAgentsNum(),
		MaxAgentsDistance:     cfg.GetMaxAgentsDistance(),
		FilterAgentsThreshold: cfg.GetFilterAgentsThreshold(),
		MaxNumLanes:           cfg.GetMaxNumLanes(),
		MaxPointsPerLane:      cfg.GetMaxPointsPerLane(),
		MaxNumCrosswalks:      cfg.GetMaxNumCrosswalks(),
		MaxPointsPerCrosswalk: cfg.GetMaxPointsPerCrosswalk(),
		MaxRetrievalDistance:  cfg.GetMaxRetrievalDistance(),
	}
}

// MaxElements returns the element cap for a polyline family.
func (p Params) MaxElements(t MapElemType) int {
	if t == Crosswalks {
		return p.MaxNumCrosswalks
	}
	return p.MaxNumLanes
}

// MaxPoints returns the per-element point cap for a polyline family.
func (p Params) MaxPoints(t MapElemType) int {
	if t == Crosswalks {
		return p.MaxPointsPerCrosswalk
	}
	return p.MaxPointsPerLane
}

// EgoState is the ego pose and speed at the sampled frame.
type EgoState struct {
	Centroid r2.Vec
	Yaw      float64
	Speed    float64
}

// AgentVector is an agent expressed in the ego frame.
type AgentVector struct {
	TrackID  int64
	Centroid r2.Vec
	Yaw      float64
	Length   float64
	Width    float64
	Speed    float64
	Label    string
	Distance float64
}

// Polyline is a map element expressed in the ego frame.
type Polyline struct {
	ID       string
	Points   []r2.Vec
	Distance float64 // distance from the ego to the nearest point
}

// Frame is the vectorized view of one sampled frame.
type Frame struct {
	SceneIndex  int
	FrameIndex  int
	TimestampNs int64
	Ego         EgoState
	Agents      []AgentVector
	Map         map[MapElemType][]Polyline
}

type worldElement struct {
	id       string
	typ      MapElemType
	points   []r2.Vec
	min, max r2.Vec
}

// Vectorizer holds the semantic map in world coordinates.
type Vectorizer struct {
	params   Params
	elements []worldElement
}

// Build constructs a Vectorizer from configuration, loading the semantic map
// through the data manager.
func Build(ctx context.Context, cfg *config.Config, dm scenestore.DataManager) (*Vectorizer, error) {
	path, err := dm.Require(cfg.GetSemanticMapKey())
	if err != nil {
		return nil, fmt.Errorf("semantic map: %w", err)
	}
	m, err := scenestore.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("semantic map: %w", err)
	}
	defer m.Close()

	elems, err := m.MapElements(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic map: %w", err)
	}
	return New(ParamsFromConfig(cfg), elems), nil
}

// New returns a Vectorizer over the given map elements. Lanes contribute a
// left, right and mid polyline each; crosswalks contribute their outline.
func New(params Params, elems []scenestore.MapElement) *Vectorizer {
	v := &Vectorizer{params: params}
	for _, e := range elems {
		switch e.Type {
		case scenestore.Lane:
			left, right := toVecs(e.Left), toVecs(e.Right)
			v.add(e.ID, LanesLeft, left)
			v.add(e.ID, LanesRight, right)
			v.add(e.ID, LanesMid, midline(left, right))
		case scenestore.Crosswalk:
			v.add(e.ID, Crosswalks, toVecs(e.Outline))
		}
	}
	return v
}

func (v *Vectorizer) add(id string, t MapElemType, pts []r2.Vec) {
	if len(pts) == 0 {
		return
	}
	e := worldElement{id: id, typ: t, points: pts, min: pts[0], max: pts[0]}
	for _, p := range pts[1:] {
		e.min = r2.Vec{X: math.Min(e.min.X, p.X), Y: math.Min(e.min.Y, p.Y)}
		e.max = r2.Vec{X: math.Max(e.max.X, p.X), Y: math.Max(e.max.Y, p.Y)}
	}
	v.elements = append(v.elements, e)
}

// Params returns the vectorizer limits.
func (v *Vectorizer) Params() Params { return v.params }

// NumMapElements returns the number of world polylines held.
func (v *Vectorizer) NumMapElements() int { return len(v.elements) }

// Vectorize expresses agents and map elements around ego in the ego frame.
// Agents below the label threshold or farther than
// min(MaxAgentsDistance, farLimit) are dropped; the rest are sorted nearest
// first and capped at OtherAgentsNum. Map polylines keep only points within
// MaxRetrievalDistance, nearest elements first, capped per family.
func (v *Vectorizer) Vectorize(ego EgoState, agents []scenestore.Agent, farLimit float64) (vAgents []AgentVector, vMap map[MapElemType][]Polyline) {
	toEgo := func(p r2.Vec) r2.Vec {
		return r2.Rotate(r2.Sub(p, ego.Centroid), -ego.Yaw, r2.Vec{})
	}

	maxDist := v.params.MaxAgentsDistance
	if farLimit > 0 && farLimit < maxDist {
		maxDist = farLimit
	}
	for _, a := range agents {
		if a.LabelProbability < v.params.FilterAgentsThreshold {
			continue
		}
		c := toEgo(r2.Vec{X: a.Centroid[0], Y: a.Centroid[1]})
		d := r2.Norm(c)
		if d > maxDist {
			continue
		}
		vAgents = append(vAgents, AgentVector{
			TrackID:  a.TrackID,
			Centroid: c,
			Yaw:      wrapAngle(a.Yaw - ego.Yaw),
			Length:   a.Extent[0],
			Width:    a.Extent[1],
			Speed:    math.Hypot(a.Velocity[0], a.Velocity[1]),
			Label:    a.Label,
			Distance: d,
		})
	}
	sort.SliceStable(vAgents, func(i, j int) bool { return vAgents[i].Distance < vAgents[j].Distance })
	if len(vAgents) > v.params.OtherAgentsNum {
		vAgents = vAgents[:v.params.OtherAgentsNum]
	}

	radius := v.params.MaxRetrievalDistance
	vMap = make(map[MapElemType][]Polyline, len(MapElemTypes))
	for _, e := range v.elements {
		if !boxWithin(e.min, e.max, ego.Centroid, radius) {
			continue
		}
		pl := Polyline{ID: e.id, Distance: math.Inf(1)}
		for _, p := range e.points {
			q := toEgo(p)
			d := r2.Norm(q)
			if d > radius {
				continue
			}
			pl.Points = append(pl.Points, q)
			pl.Distance = math.Min(pl.Distance, d)
		}
		if len(pl.Points) > 0 {
			vMap[e.typ] = append(vMap[e.typ], pl)
		}
	}
	for t, pls := range vMap {
		sort.SliceStable(pls, func(i, j int) bool { return pls[i].Distance < pls[j].Distance })
		if limit := v.params.MaxElements(t); len(pls) > limit {
			pls = pls[:limit]
		}
		vMap[t] = pls
	}
	return vAgents, vMap
}

// boxWithin reports whether the axis-aligned box [lo, hi] comes within r of c.
func boxWithin(lo, hi, c r2.Vec, r float64) bool {
	dx := math.Max(math.Max(lo.X-c.X, 0), c.X-hi.X)
	dy := math.Max(math.Max(lo.Y-c.Y, 0), c.Y-hi.Y)
	return dx*dx+dy*dy <= r*r
}

func wrapAngle(a float64) float64 {
	return math.Atan2(math.Sin(a), math.Cos(a))
}

func toVecs(pts []scenestore.Point) []r2.Vec {
	out := make([]r2.Vec, len(pts))
	for i, p := range pts {
		out[i] = r2.Vec{X: p.X, Y: p.Y}
	}
	return out
}

// midline averages two boundaries after resampling both to the same number
// of points.
func midline(left, right []r2.Vec) []r2.Vec {
	n := max(len(left), len(right))
	if n == 0 || len(left) == 0 || len(right) == 0 {
		return nil
	}
	l, r := Resample(left, n), Resample(right, n)
	mid := make([]r2.Vec, n)
	for i := range mid {
		mid[i] = r2.Scale(0.5, r2.Add(l[i], r[i]))
	}
	return mid
}

// Resample returns n points evenly spaced by arc length along pts.
func Resample(pts []r2.Vec, n int) []r2.Vec {
	if n <= 0 || len(pts) == 0 {
		return nil
	}
	if len(pts) == 1 || n == 1 {
		out := make([]r2.Vec, n)
		for i := range out {
			out[i] = pts[0]
		}
		return out
	}

	cum := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		cum[i] = cum[i-1] + r2.Norm(r2.Sub(pts[i], pts[i-1]))
	}
	total := cum[len(cum)-1]
	if total == 0 {
		return Resample(pts[:1], n)
	}

	out := make([]r2.Vec, n)
	seg := 0
	for i := range out {
		s := total * float64(i) / float64(n-1)
		for seg < len(pts)-2 && cum[seg+1] < s {
			seg++
		}
		span := cum[seg+1] - cum[seg]
		t := 0.0
		if span > 0 {
			t = (s - cum[seg]) / span
		}
		out[i] = r2.Add(pts[seg], r2.Scale(t, r2.Sub(pts[seg+1], pts[seg])))
	}
	return out
}
