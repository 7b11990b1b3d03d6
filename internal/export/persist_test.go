package export

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/avsg/internal/extract"
	"github.com/banshee-data/avsg/internal/fsutil"
	"github.com/banshee-data/avsg/internal/tensor"
)

func sampleMats() extract.Mats {
	return extract.Mats{
		"agents_feat":                  tensor.NewFloat32(3, 8, 7),
		"agents_num":                   tensor.NewInt32(3),
		"map_elems_exists_crosswalks":  tensor.NewBool(3, 20),
		"map_elems_points_lanes_right": tensor.NewFloat32(3, 30, 20, 2),
	}
}

func TestEntityOf(t *testing.T) {
	assert.Equal(t, EntityAgents, EntityOf("agents_feat"))
	assert.Equal(t, EntityAgents, EntityOf("n_agents"))
	assert.Equal(t, EntityMap, EntityOf("map_elems_points_lanes_mid"))
	assert.Equal(t, EntityMap, EntityOf("agent_ids"))
}

func TestBuildMatsInfo(t *testing.T) {
	got := BuildMatsInfo(sampleMats())
	want := map[string]MatInfo{
		"agents_feat":                  {DType: tensor.Float32, Shape: []int{3, 8, 7}, Entity: EntityAgents},
		"agents_num":                   {DType: tensor.Int32, Shape: []int{3}, Entity: EntityAgents},
		"map_elems_exists_crosswalks":  {DType: tensor.Bool, Shape: []int{3, 20}, Entity: EntityMap},
		"map_elems_points_lanes_right": {DType: tensor.Float32, Shape: []int{3, 30, 20, 2}, Entity: EntityMap},
	}
	assert.Empty(t, cmp.Diff(want, got))
}

func TestInfo_RoundTrip(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/out", 0755))

	info := &Info{
		DatasetProps: extract.DatasetProps{
			NScenes:        3,
			MaxNAgents:     8,
			AgentFeatNames: extract.AgentFeatNames,
			MaxNumElems:    map[string]int{"lanes_mid": 30},
			AgentsPerScene: []int{2, 5, 8},
		},
		SavedMatsInfo: BuildMatsInfo(sampleMats()),
		GitVersion:    "3f9c2ab",
		RunID:         uuid.New(),
		CreatedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ConfigName:    "config_sample",
		SourceName:    "train_data_loader",
	}
	require.NoError(t, WriteInfo(mfs, "/out/info.gob", info))

	got, err := ReadInfo(mfs, "/out/info.gob")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(info, got))
}

func TestReadInfo_Corrupt(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	mfs.WriteFile("/out/info.gob", []byte("not gob"))
	_, err := ReadInfo(mfs, "/out/info.gob")
	assert.ErrorContains(t, err, "decode")
}

func TestVerify(t *testing.T) {
	mats := sampleMats()
	info := &Info{SavedMatsInfo: BuildMatsInfo(mats)}
	assert.NoError(t, Verify(info, mats))

	extra := sampleMats()
	extra["agents_exists"] = tensor.NewBool(3, 8)
	err := Verify(info, extra)
	assert.ErrorContains(t, err, "array agents_exists has no metadata")

	missing := sampleMats()
	delete(missing, "agents_num")
	err = Verify(info, missing)
	assert.ErrorContains(t, err, "metadata entry agents_num has no array")

	reshaped := sampleMats()
	reshaped["agents_feat"] = tensor.NewFloat32(4, 8, 7)
	reshaped["agents_num"] = tensor.NewFloat32(3)
	err = Verify(info, reshaped)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents_feat: shape [4 8 7]")
	assert.Contains(t, err.Error(), "agents_num: dtype float32")
}
