package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/models"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "hub.db"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS sessions (
  session_id      TEXT PRIMARY KEY,
  start_time      INTEGER NOT NULL,
  end_time        INTEGER,
  record_video    INTEGER NOT NULL DEFAULT 0,
  record_thermal  INTEGER NOT NULL DEFAULT 0,
  record_shimmer  INTEGER NOT NULL DEFAULT 0,
  devices         TEXT NOT NULL DEFAULT '[]',
  shimmer_devices TEXT NOT NULL DEFAULT '[]',
  data_samples    INTEGER NOT NULL DEFAULT 0,
  files_collected TEXT NOT NULL DEFAULT '{}'
);
`,
	`
CREATE TABLE IF NOT EXISTS files (
  file_id     TEXT PRIMARY KEY,
  session_id  TEXT,
  device_id   TEXT NOT NULL,
  filename    TEXT NOT NULL,
  filesize    INTEGER NOT NULL,
  stored_path TEXT NOT NULL DEFAULT '',
  complete    INTEGER NOT NULL DEFAULT 0,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_sessions_start_time
ON sessions (start_time DESC, session_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_files_session_time
ON files (session_id, received_at DESC, file_id);
`,
}

// Store is a thin wrapper around a SQLite connection holding session and
// file history.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) hub.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

// SaveSession upserts one session row. The manager calls it once at start
// and again at seal, so the row converges on the final state.
func (s *Store) SaveSession(session models.Session) error {
	devices, err := json.Marshal(session.Devices)
	if err != nil {
		return fmt.Errorf("encode session devices: %w", err)
	}
	shimmer, err := json.Marshal(session.ShimmerDevices)
	if err != nil {
		return fmt.Errorf("encode shimmer devices: %w", err)
	}
	files, err := json.Marshal(session.Files)
	if err != nil {
		return fmt.Errorf("encode collected files: %w", err)
	}

	var endTime sql.NullInt64
	if session.EndedAt != nil {
		endTime = sql.NullInt64{Int64: session.EndedAt.Unix(), Valid: true}
	}

	_, err = s.db.Exec(`
INSERT OR REPLACE INTO sessions
  (session_id, start_time, end_time, record_video, record_thermal, record_shimmer,
   devices, shimmer_devices, data_samples, files_collected)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		session.ID,
		session.StartedAt.Unix(),
		endTime,
		boolToInt(session.RecordVideo),
		boolToInt(session.RecordThermal),
		boolToInt(session.RecordShimmer),
		string(devices),
		string(shimmer),
		session.Samples,
		string(files),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession loads one session by ID.
func (s *Store) GetSession(sessionID string) (models.Session, error) {
	row := s.db.QueryRow(`
SELECT session_id, start_time, end_time, record_video, record_thermal, record_shimmer,
       devices, shimmer_devices, data_samples, files_collected
FROM sessions WHERE session_id = ?;`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return session, nil
}

// ListSessions returns all recorded sessions, most recent first.
func (s *Store) ListSessions() ([]models.Session, error) {
	rows, err := s.db.Query(`
SELECT session_id, start_time, end_time, record_video, record_thermal, record_shimmer,
       devices, shimmer_devices, data_samples, files_collected
FROM sessions ORDER BY start_time DESC, session_id;`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// RecordFile inserts one collected-file row.
func (s *Store) RecordFile(file models.FileRecord) error {
	_, err := s.db.Exec(`
INSERT OR REPLACE INTO files
  (file_id, session_id, device_id, filename, filesize, stored_path, complete, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		file.FileID,
		file.SessionID,
		file.DeviceID,
		file.Name,
		file.Size,
		file.StoredPath,
		boolToInt(file.Complete),
		file.ReceivedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record file %s: %w", file.Name, err)
	}
	return nil
}

// ListFiles returns the files collected during one session, most recent
// first. An empty sessionID lists files received outside any session.
func (s *Store) ListFiles(sessionID string) ([]models.FileRecord, error) {
	rows, err := s.db.Query(`
SELECT file_id, session_id, device_id, filename, filesize, stored_path, complete, received_at
FROM files WHERE session_id = ?
ORDER BY received_at DESC, file_id;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []models.FileRecord
	for rows.Next() {
		var (
			file       models.FileRecord
			complete   int
			receivedAt int64
		)
		if err := rows.Scan(&file.FileID, &file.SessionID, &file.DeviceID, &file.Name,
			&file.Size, &file.StoredPath, &complete, &receivedAt); err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		file.Complete = complete != 0
		file.ReceivedAt = time.Unix(receivedAt, 0)
		out = append(out, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var (
		session                     models.Session
		startTime                   int64
		endTime                     sql.NullInt64
		video, thermal, shimmerFlag int
		devicesJSON, shimmerJSON    string
		filesJSON                   string
	)
	if err := row.Scan(&session.ID, &startTime, &endTime, &video, &thermal, &shimmerFlag,
		&devicesJSON, &shimmerJSON, &session.Samples, &filesJSON); err != nil {
		return models.Session{}, err
	}

	session.StartedAt = time.Unix(startTime, 0)
	if endTime.Valid {
		endedAt := time.Unix(endTime.Int64, 0)
		session.EndedAt = &endedAt
	}
	session.RecordVideo = video != 0
	session.RecordThermal = thermal != 0
	session.RecordShimmer = shimmerFlag != 0

	if err := json.Unmarshal([]byte(devicesJSON), &session.Devices); err != nil {
		return models.Session{}, fmt.Errorf("decode session devices: %w", err)
	}
	if err := json.Unmarshal([]byte(shimmerJSON), &session.ShimmerDevices); err != nil {
		return models.Session{}, fmt.Errorf("decode shimmer devices: %w", err)
	}
	if err := json.Unmarshal([]byte(filesJSON), &session.Files); err != nil {
		return models.Session{}, fmt.Errorf("decode collected files: %w", err)
	}
	return session, nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
