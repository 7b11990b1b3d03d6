package export

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/avsg/internal/extract"
	"github.com/banshee-data/avsg/internal/fsutil"
	"github.com/banshee-data/avsg/internal/tensor"
)

// Entity tags recorded per array.
const (
	EntityAgents = "agents"
	EntityMap    = "map"
)

// MatInfo describes one saved array.
type MatInfo struct {
	DType  tensor.DType
	Shape  []int
	Entity string
}

// Info is the metadata sidecar written next to the array container.
type Info struct {
	DatasetProps  extract.DatasetProps
	SavedMatsInfo map[string]MatInfo
	GitVersion    string
	RunID         uuid.UUID
	CreatedAt     time.Time
	ConfigName    string
	SourceName    string
}

// EntityOf classifies an array by name.
func EntityOf(name string) string {
	if strings.Contains(name, EntityAgents) {
		return EntityAgents
	}
	return EntityMap
}

// BuildMatsInfo returns one MatInfo per array.
func BuildMatsInfo(mats extract.Mats) map[string]MatInfo {
	info := make(map[string]MatInfo, len(mats))
	for name, a := range mats {
		info[name] = MatInfo{DType: a.DType(), Shape: a.Shape(), Entity: EntityOf(name)}
	}
	return info
}

// WriteInfo gob-encodes info to path, creating or truncating it.
func WriteInfo(fsys fsutil.FileSystem, path string, info *Info) (err error) {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	if err := gob.NewEncoder(f).Encode(info); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// ReadInfo decodes a metadata sidecar.
func ReadInfo(fsys fsutil.FileSystem, path string) (*Info, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &info, nil
}

// Verify checks that arrays and info.SavedMatsInfo describe the same set of
// arrays with matching dtype and shape. All mismatches are reported.
func Verify(info *Info, arrays map[string]*tensor.Array) error {
	var errs []error
	for _, name := range sortedKeys(arrays) {
		mi, ok := info.SavedMatsInfo[name]
		if !ok {
			errs = append(errs, fmt.Errorf("array %s has no metadata", name))
			continue
		}
		a := arrays[name]
		if mi.DType != a.DType() {
			errs = append(errs, fmt.Errorf("array %s: dtype %s, metadata says %s", name, a.DType(), mi.DType))
		}
		if !slices.Equal(mi.Shape, a.Shape()) {
			errs = append(errs, fmt.Errorf("array %s: shape %v, metadata says %v", name, a.Shape(), mi.Shape))
		}
	}
	for _, name := range sortedKeys(info.SavedMatsInfo) {
		if _, ok := arrays[name]; !ok {
			errs = append(errs, fmt.Errorf("metadata entry %s has no array", name))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
