// Package store persists parsed measurement sequences in SQLite so that
// repeated analysis runs do not have to re-read instrument files. Records
// land in a long key/value table keyed by a per-import session id.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/voltaic-data/cellparse/instrument"
	"github.com/voltaic-data/cellparse/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	*sql.DB

	path string
}

// Session describes one stored import.
type Session struct {
	ID      string
	Source  string
	Format  string
	Version int
	Records int
	Created time.Time
}

// Open opens (or creates) the database at path and brings the schema up
// to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db, path: path}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// migrateUp applies all pending migrations from the embedded set.
func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %v", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+s.path)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %v", err)
	}
	// Don't call m.Close(); it would close the source before GC of the
	// underlying database handle, and the handle is private to m anyway.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %v", err)
	}

	return nil
}

// SaveSequence stores a parsed sequence and returns the new session id.
// The whole import is one transaction; a failed insert leaves no partial
// session behind.
func (s *Store) SaveSequence(seq *instrument.Sequence) (string, error) {
	id := uuid.NewString()

	tx, err := s.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, source, format, software_version, record_count)
		VALUES (?, ?, ?, ?, ?)
	`, id, seq.Provenance.SourcePath, string(seq.Provenance.Instrument),
		seq.Provenance.SoftwareVersion, len(seq.Records))
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %v", err)
	}

	if err := insertMeta(tx, id, seq.Meta); err != nil {
		return "", err
	}
	if err := insertSteps(tx, id, seq.Steps); err != nil {
		return "", err
	}
	if err := insertRecords(tx, id, seq.Records); err != nil {
		return "", err
	}
	if err := insertWarnings(tx, id, seq.Warnings); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	monitoring.Logf("stored session %s: %d records, %d warnings",
		id, len(seq.Records), len(seq.Warnings))

	return id, nil
}

func insertMeta(tx *sql.Tx, session string, meta map[string]string) error {
	stmt, err := tx.Prepare(`INSERT INTO session_meta (session_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k, v := range meta {
		if _, err := stmt.Exec(session, k, v); err != nil {
			return fmt.Errorf("failed to insert meta %q: %v", k, err)
		}
	}
	return nil
}

func insertSteps(tx *sql.Tx, session string, steps []instrument.Step) error {
	stmt, err := tx.Prepare(`
		INSERT INTO steps (session_id, step_index, mode, param, value)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range steps {
		if len(st.Params) == 0 {
			if _, err := stmt.Exec(session, st.Index, st.Mode, nil, nil); err != nil {
				return fmt.Errorf("failed to insert step %d: %v", st.Index, err)
			}
			continue
		}
		for name, val := range st.Params {
			if _, err := stmt.Exec(session, st.Index, st.Mode, name, val); err != nil {
				return fmt.Errorf("failed to insert step %d: %v", st.Index, err)
			}
		}
	}
	return nil
}

func insertRecords(tx *sql.Tx, session string, records []instrument.Record) error {
	stmt, err := tx.Prepare(`
		INSERT INTO record_values (session_id, module, row, field, value)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		for field, val := range rec.Values {
			if _, err := stmt.Exec(session, rec.Module, rec.Row, field, val.Float); err != nil {
				return fmt.Errorf("failed to insert record %d/%q: %v", rec.Row, field, err)
			}
		}
	}
	return nil
}

func insertWarnings(tx *sql.Tx, session string, warnings []instrument.Warning) error {
	stmt, err := tx.Prepare(`INSERT INTO warnings (session_id, module, message) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, w := range warnings {
		if _, err := stmt.Exec(session, w.Module, w.Err.Error()); err != nil {
			return fmt.Errorf("failed to insert warning: %v", err)
		}
	}
	return nil
}

// Sessions lists stored imports, newest first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.Query(`
		SELECT id, source, format, software_version, record_count, created
		FROM sessions ORDER BY created DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.Format,
			&sess.Version, &sess.Records, &sess.Created); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Column returns one field's values for a session in row order. Rows
// where the field was not decoded are absent, matching Sequence.Column's
// NaN holes collapsed away.
func (s *Store) Column(session, module, field string) ([]float64, error) {
	rows, err := s.Query(`
		SELECT value FROM record_values
		WHERE session_id = ? AND module = ? AND field = ?
		ORDER BY row
	`, session, module, field)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// TimeSeries returns (time, value) pairs for a field, joined on row
// number against the session's time field.
func (s *Store) TimeSeries(session, module, timeField, field string) (times, values []float64, err error) {
	rows, err := s.Query(`
		SELECT t.value, v.value
		FROM record_values t
		JOIN record_values v ON v.session_id = t.session_id
			AND v.module = t.module AND v.row = t.row
		WHERE t.session_id = ? AND t.module = ? AND t.field = ? AND v.field = ?
		ORDER BY t.row
	`, session, module, timeField, field)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var tv, vv float64
		if err := rows.Scan(&tv, &vv); err != nil {
			return nil, nil, err
		}
		times = append(times, tv)
		values = append(values, vv)
	}
	return times, values, rows.Err()
}

// Warnings returns the messages recorded for a session.
func (s *Store) Warnings(session string) ([]string, error) {
	rows, err := s.Query(`SELECT message FROM warnings WHERE session_id = ? ORDER BY rowid`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Meta returns the stored metadata map for a session.
func (s *Store) Meta(session string) (map[string]string, error) {
	rows, err := s.Query(`SELECT key, value FROM session_meta WHERE session_id = ?`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
