// Package storage archives ray tracing analysis runs in an SQLite database:
// one session per analysis, with the derived result rows attached.
package storage

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/telescope-sims/raytrace/internal/results"
)

//go:embed schema.sql
var schemaSQL string

// Session describes one archived analysis run.
type Session struct {
	ID               int64
	CreatedAt        time.Time
	Telescope        string
	Label            string
	ZenithDeg        float64
	SourceDistanceKm float64
	SingleMirror     bool
	Config           *string
}

// Store handles the archive database. Connections are opened lazily and the
// store is safe to close more than once.
type Store struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates a store backed by the database at dbPath. The schema is
// initialized on first write.
func New(dbPath string) (*Store, error) {
	return &Store{dbPath: dbPath}, nil
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
		if err != nil {
			s.writeDBErr = err
			return
		}

		if _, err = db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = err
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *Store) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", s.dbPath)
		if err != nil {
			s.readDBErr = err
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

const insertSessionSQL = `
INSERT INTO sessions (created_at, telescope, label, zenith_angle, source_distance_km, single_mirror, config)
VALUES (?, ?, ?, ?, ?, ?, ?)`

// CreateSession archives the metadata of a new analysis run and returns its
// ID. The config may be a string, []byte or any JSON-serializable value.
func (s *Store) CreateSession(session Session, config any) (sessionID int64, err error) {
	var configData sql.NullString

	if config != nil {
		switch v := config.(type) {
		case string:
			configData = sql.NullString{String: v, Valid: true}

		case []byte:
			configData = sql.NullString{String: string(v), Valid: true}

		default:
			p, err := json.Marshal(config)
			if err != nil {
				return 0, fmt.Errorf("marshaling config: %w", err)
			}
			configData = sql.NullString{String: string(p), Valid: true}
		}
	}

	db, err := s.getWriteDB()
	if err != nil {
		return 0, fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.Prepare(insertSessionSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.Exec(
		time.Now().UTC(),
		session.Telescope,
		session.Label,
		session.ZenithDeg,
		session.SourceDistanceKm,
		session.SingleMirror,
		configData,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}

	return result.LastInsertId()
}

const insertResultSQL = `
INSERT INTO results (session_id, off_axis, d80_cm, d80_deg, eff_area, eff_flen, mirror_no)
VALUES (?, ?, ?, ?, ?, ?, ?)`

// StoreResults archives the rows of a results table against a session in a
// single transaction.
func (s *Store) StoreResults(sessionID int64, table *results.Table) (err error) {
	if table == nil || table.Len() == 0 {
		return nil
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(insertResultSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	for _, row := range table.Rows() {
		// NaN is not representable in SQLite; the undefined on-axis
		// effective focal length maps to NULL.
		effFlen := sql.NullFloat64{Float64: row.EffFlenCm, Valid: !math.IsNaN(row.EffFlenCm)}
		mirror := sql.NullInt64{Int64: int64(row.MirrorNumber), Valid: table.SingleMirror()}

		if _, err = stmt.Exec(sessionID, row.OffAxisDeg, row.D80Cm, row.D80Deg, row.EffAreaCm2, effFlen, mirror); err != nil {
			return fmt.Errorf("inserting result row: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const selectSessionsSQL = `
SELECT id, created_at, telescope, label, zenith_angle, source_distance_km, single_mirror, config
FROM sessions
ORDER BY created_at`

// Sessions returns all archived sessions, oldest first.
func (s *Store) Sessions() (sessions []Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.Query(selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var config sql.NullString
		if err = rows.Scan(&sess.ID, &sess.CreatedAt, &sess.Telescope, &sess.Label,
			&sess.ZenithDeg, &sess.SourceDistanceKm, &sess.SingleMirror, &config); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if config.Valid {
			sess.Config = &config.String
		}
		sessions = append(sessions, sess)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

const selectResultsSQL = `
SELECT off_axis, d80_cm, d80_deg, eff_area, eff_flen, mirror_no
FROM results
WHERE session_id = ?
ORDER BY id`

// SessionResults rebuilds the results table archived for a session, in the
// original row order.
func (s *Store) SessionResults(sessionID int64, singleMirror bool) (table *results.Table, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.Query(selectResultsSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer closeWithError(rows, &err)

	table = results.NewTable(singleMirror)
	for rows.Next() {
		var row results.Row
		var effFlen sql.NullFloat64
		var mirror sql.NullInt64
		if err = rows.Scan(&row.OffAxisDeg, &row.D80Cm, &row.D80Deg, &row.EffAreaCm2, &effFlen, &mirror); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}

		row.EffFlenCm = math.NaN()
		if effFlen.Valid {
			row.EffFlenCm = effFlen.Float64
		}
		if mirror.Valid {
			row.MirrorNumber = int(mirror.Int64)
		}
		table.Append(row)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return table, nil
}

// Close closes the database connections. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		if writeErr != nil || readErr != nil {
			s.closeErr = errors.Join(writeErr, readErr)
		}
	})

	return s.closeErr
}
