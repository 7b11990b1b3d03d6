package export

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/banshee-data/avsg/internal/fsutil"
	"github.com/banshee-data/avsg/internal/monitoring"
	"github.com/banshee-data/avsg/internal/security"
)

// Output layout, relative to the working directory.
const (
	OutputRoot = "AVSG_Data"
	DirPrefix  = "l5kit_data_"
	DataFile   = "data.npz"
	InfoFile   = "info.gob"
)

// ErrOutputExists is returned under OnExistsFail when the output directory is
// already present.
var ErrOutputExists = errors.New("output directory already exists")

// OnExists selects what happens when the output directory already exists.
type OnExists string

const (
	// OnExistsOverwrite reuses the directory after a warning.
	OnExistsOverwrite OnExists = "overwrite"
	// OnExistsFail aborts with ErrOutputExists.
	OnExistsFail OnExists = "fail"
	// OnExistsVersion writes to the first free <dir>_v<N>, N >= 2.
	OnExistsVersion OnExists = "version"
)

// ParseOnExists validates a policy name. The empty string selects
// OnExistsOverwrite.
func ParseOnExists(s string) (OnExists, error) {
	switch p := OnExists(s); p {
	case "":
		return OnExistsOverwrite, nil
	case OnExistsOverwrite, OnExistsFail, OnExistsVersion:
		return p, nil
	default:
		return "", fmt.Errorf("unknown on_exists policy %q (want overwrite, fail or version)", s)
	}
}

// DirName returns the export directory name for a config and source pair.
func DirName(configName, sourceName string) string {
	return DirPrefix + configName + "_" + sourceName
}

// OutputDir returns <workDir>/AVSG_Data/<DirName>. Both names must be plain
// path components.
func OutputDir(workDir, configName, sourceName string) (string, error) {
	if err := security.ValidateComponent(configName); err != nil {
		return "", fmt.Errorf("config name: %w", err)
	}
	if err := security.ValidateComponent(sourceName); err != nil {
		return "", fmt.Errorf("source name: %w", err)
	}
	return filepath.Join(workDir, OutputRoot, DirName(configName, sourceName)), nil
}

// maxVersions bounds the OnExistsVersion search.
const maxVersions = 1000

// PrepareOutputDir creates the parent of dir if needed and applies policy to
// dir itself. It returns the directory to write into.
func PrepareOutputDir(fsys fsutil.FileSystem, dir string, policy OnExists) (string, error) {
	if err := fsys.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", fmt.Errorf("create output root: %w", err)
	}

	err := fsys.Mkdir(dir, 0755)
	if err == nil {
		return dir, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	switch policy {
	case OnExistsOverwrite, "":
		fi, err := fsys.Stat(dir)
		if err != nil {
			return "", fmt.Errorf("create output dir: %w", err)
		}
		if !fi.IsDir() {
			return "", fmt.Errorf("output path %s exists and is not a directory", dir)
		}
		monitoring.Warnf("Save path %s already exists, will be override...", dir)
		return dir, nil
	case OnExistsFail:
		return "", fmt.Errorf("%s: %w", dir, ErrOutputExists)
	case OnExistsVersion:
		for n := 2; n <= maxVersions; n++ {
			candidate := fmt.Sprintf("%s_v%d", dir, n)
			err := fsys.Mkdir(candidate, 0755)
			if err == nil {
				monitoring.Logf("Save path %s already exists, writing to %s", dir, candidate)
				return candidate, nil
			}
			if !errors.Is(err, fs.ErrExist) {
				return "", fmt.Errorf("create output dir: %w", err)
			}
		}
		return "", fmt.Errorf("%s: no free version up to _v%d: %w", dir, maxVersions, ErrOutputExists)
	default:
		return "", fmt.Errorf("unknown on_exists policy %q", policy)
	}
}
