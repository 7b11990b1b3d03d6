// Package scenestore provides the chunked scene store: recorded driving
// scenes (frames of ego poses and tracked agents) plus the semantic map,
// persisted in SQLite. Scenes index contiguous frame ranges and frames index
// contiguous agent ranges, so a scene's data is read with two range queries.
package scenestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/avsg/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion is the migration version a readable store must be at.
const SchemaVersion = 1

// ErrNotFound is returned when a store file, scene or frame does not exist.
var ErrNotFound = errors.New("not found")

// Scene is a recorded driving episode covering frames [FrameStart, FrameEnd).
type Scene struct {
	Index       int
	FrameStart  int
	FrameEnd    int
	Host        string
	StartTimeNs int64
	EndTimeNs   int64
}

// NumFrames returns the number of frames in the scene.
func (s Scene) NumFrames() int { return s.FrameEnd - s.FrameStart }

// Frame is a single timestep: the ego pose and the agents [AgentStart, AgentEnd).
type Frame struct {
	Index          int
	TimestampNs    int64
	EgoTranslation [3]float64
	EgoYaw         float64
	AgentStart     int
	AgentEnd       int
}

// Agent is a tracked object observed in one frame. Coordinates are world frame.
type Agent struct {
	Index            int
	TrackID          int64
	Centroid         [2]float64
	Extent           [3]float64 // length, width, height
	Yaw              float64
	Velocity         [2]float64
	Label            string
	LabelProbability float64
}

// Counts summarises the size of a store.
type Counts struct {
	Scenes int
	Frames int
	Agents int
}

// Store is an open scene store.
type Store struct {
	db   *sql.DB
	path string
}

var pragmas = []string{
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single connection keeps the pragmas in effect for every query.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}
	return db, nil
}

// Open opens an existing store. The file must exist and be at SchemaVersion.
func Open(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scene store %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("scene store %s: %w", path, err)
	}
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err := s.checkSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Create opens path, creating the file if needed, and migrates it to the
// latest schema.
func Create(ctx context.Context, path string) (*Store, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: closing it would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Debugf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

func (s *Store) checkSchema(ctx context.Context) error {
	var version int
	var dirty bool
	err := s.db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		return fmt.Errorf("%s is not a scene store: %w", s.path, err)
	}
	if dirty {
		return fmt.Errorf("scene store %s has a dirty migration at version %d", s.path, version)
	}
	if version != SchemaVersion {
		return fmt.Errorf("scene store %s is at schema version %d, want %d", s.path, version, SchemaVersion)
	}
	return nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// NumScenes returns the length of the scene index.
func (s *Store) NumScenes(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scenes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count scenes: %w", err)
	}
	return n, nil
}

// Counts returns the number of scenes, frames and agents.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM scenes),
		       (SELECT COUNT(*) FROM frames),
		       (SELECT COUNT(*) FROM agents)
	`).Scan(&c.Scenes, &c.Frames, &c.Agents)
	if err != nil {
		return Counts{}, fmt.Errorf("count store: %w", err)
	}
	return c, nil
}

const sceneColumns = `scene_idx, frame_start, frame_end, host, start_time_ns, end_time_ns`

func scanScene(row interface{ Scan(...any) error }) (Scene, error) {
	var sc Scene
	err := row.Scan(&sc.Index, &sc.FrameStart, &sc.FrameEnd, &sc.Host, &sc.StartTimeNs, &sc.EndTimeNs)
	return sc, err
}

// Scene returns the scene at index idx.
func (s *Store) Scene(ctx context.Context, idx int) (Scene, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE scene_idx = ?`, idx)
	sc, err := scanScene(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Scene{}, fmt.Errorf("scene %d: %w", idx, ErrNotFound)
	}
	if err != nil {
		return Scene{}, fmt.Errorf("get scene %d: %w", idx, err)
	}
	return sc, nil
}

// Scenes returns every scene in index order.
func (s *Store) Scenes(ctx context.Context) ([]Scene, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sceneColumns+` FROM scenes ORDER BY scene_idx`)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	var out []Scene
	for rows.Next() {
		sc, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Frame returns the frame at index idx.
func (s *Store) Frame(ctx context.Context, idx int) (Frame, error) {
	var f Frame
	err := s.db.QueryRowContext(ctx, `
		SELECT frame_idx, timestamp_ns, ego_x, ego_y, ego_z, ego_yaw, agent_start, agent_end
		FROM frames WHERE frame_idx = ?
	`, idx).Scan(&f.Index, &f.TimestampNs,
		&f.EgoTranslation[0], &f.EgoTranslation[1], &f.EgoTranslation[2],
		&f.EgoYaw, &f.AgentStart, &f.AgentEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return Frame{}, fmt.Errorf("frame %d: %w", idx, ErrNotFound)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("get frame %d: %w", idx, err)
	}
	return f, nil
}

// Agents returns the agents with index in [start, end).
func (s *Store) Agents(ctx context.Context, start, end int) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_idx, track_id, centroid_x, centroid_y,
		       extent_length, extent_width, extent_height,
		       yaw, velocity_x, velocity_y, label, label_probability
		FROM agents
		WHERE agent_idx >= ? AND agent_idx < ?
		ORDER BY agent_idx
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("list agents [%d,%d): %w", start, end, err)
	}
	defer rows.Close()

	out := make([]Agent, 0, max(end-start, 0))
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.Index, &a.TrackID, &a.Centroid[0], &a.Centroid[1],
			&a.Extent[0], &a.Extent[1], &a.Extent[2],
			&a.Yaw, &a.Velocity[0], &a.Velocity[1], &a.Label, &a.LabelProbability); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FrameRecord is the input to AppendScene: a frame and the agents seen in it.
type FrameRecord struct {
	TimestampNs    int64
	EgoTranslation [3]float64
	EgoYaw         float64
	Agents         []Agent
}

// AppendScene stores frames as a new scene after the existing ones. Agent
// indices in the records are ignored and reassigned.
func (s *Store) AppendScene(ctx context.Context, host string, frames []FrameRecord) (scene Scene, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Scene{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var sceneIdx, frameIdx, agentIdx int
	if err := tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM scenes),
		       (SELECT COALESCE(MAX(frame_idx) + 1, 0) FROM frames),
		       (SELECT COALESCE(MAX(agent_idx) + 1, 0) FROM agents)
	`).Scan(&sceneIdx, &frameIdx, &agentIdx); err != nil {
		return Scene{}, fmt.Errorf("next indices: %w", err)
	}

	scene = Scene{Index: sceneIdx, FrameStart: frameIdx, FrameEnd: frameIdx + len(frames), Host: host}
	if len(frames) > 0 {
		scene.StartTimeNs = frames[0].TimestampNs
		scene.EndTimeNs = frames[len(frames)-1].TimestampNs
	}

	for i, fr := range frames {
		start := agentIdx
		for _, a := range fr.Agents {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agents (
					agent_idx, track_id, centroid_x, centroid_y,
					extent_length, extent_width, extent_height,
					yaw, velocity_x, velocity_y, label, label_probability
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, agentIdx, a.TrackID, a.Centroid[0], a.Centroid[1],
				a.Extent[0], a.Extent[1], a.Extent[2],
				a.Yaw, a.Velocity[0], a.Velocity[1], a.Label, a.LabelProbability); err != nil {
				return Scene{}, fmt.Errorf("insert agent: %w", err)
			}
			agentIdx++
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO frames (frame_idx, timestamp_ns, ego_x, ego_y, ego_z, ego_yaw, agent_start, agent_end)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, frameIdx+i, fr.TimestampNs,
			fr.EgoTranslation[0], fr.EgoTranslation[1], fr.EgoTranslation[2],
			fr.EgoYaw, start, agentIdx); err != nil {
			return Scene{}, fmt.Errorf("insert frame: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scenes (`+sceneColumns+`) VALUES (?, ?, ?, ?, ?, ?)
	`, scene.Index, scene.FrameStart, scene.FrameEnd, scene.Host, scene.StartTimeNs, scene.EndTimeNs); err != nil {
		return Scene{}, fmt.Errorf("insert scene: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Scene{}, fmt.Errorf("commit: %w", err)
	}
	return scene, nil
}
