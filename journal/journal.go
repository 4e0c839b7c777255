/*Package journal records finished acquisition sessions in a SQLite database.

The journal is append only.  Every session the camera reports is one row;
Recent lists the newest first, and HTTPWrapper serves them at /sessions.

*/
package journal

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.jpl.nasa.gov/bdube/xspress/generichttp"
	"github.jpl.nasa.gov/bdube/xspress/server"
	"github.jpl.nasa.gov/bdube/xspress/xspress3"

	_ "modernc.org/sqlite" // SQLite driver.
)

// Entry is one journaled session
type Entry struct {
	ID        int64     `json:"id"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Mode      string    `json:"mode"`
	Exposure  float64   `json:"exposure"`
	Requested int       `json:"requested"`
	Acquired  int       `json:"acquired"`
	Drained   int       `json:"drained"`
	Stopped   bool      `json:"stopped"`
	Err       string    `json:"err,omitempty"`
}

// Journal wraps the database
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path.  ":memory:" is accepted.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection, so an in-memory database is shared by every query
	db.SetMaxOpenConns(1)
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			mode TEXT NOT NULL,
			exposure_s REAL NOT NULL,
			requested INTEGER NOT NULL,
			acquired INTEGER NOT NULL,
			drained INTEGER NOT NULL,
			stopped INTEGER NOT NULL,
			err TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_finished_at ON sessions(finished_at);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record stores a session summary and returns its row id
func (j *Journal) Record(ctx context.Context, s xspress3.Summary) (int64, error) {
	errS := ""
	if s.Err != nil {
		errS = s.Err.Error()
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (started_at, finished_at, mode, exposure_s, requested, acquired, drained, stopped, err)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Started.UTC().Format(time.RFC3339Nano),
		s.Finished.UTC().Format(time.RFC3339Nano),
		s.Mode.String(),
		s.Exposure.Seconds(),
		s.Requested,
		s.Acquired,
		s.Drained,
		s.Stopped,
		errS,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Recent returns up to n sessions, newest first
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, mode, exposure_s, requested, acquired, drained, stopped, err
		 FROM sessions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, finished string
		err := rows.Scan(&e.ID, &started, &finished, &e.Mode, &e.Exposure,
			&e.Requested, &e.Acquired, &e.Drained, &e.Stopped, &e.Err)
		if err != nil {
			return nil, err
		}
		if e.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, err
		}
		if e.Finished, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HTTPWrapper serves the journal over HTTP
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Journal
}

// GetSessions returns the most recent sessions as JSON.  The count is
// taken from the n query parameter and defaults to 20.
func (h HTTPWrapper) GetSessions(w http.ResponseWriter, r *http.Request) {
	n := 20
	if s := r.URL.Query().Get("n"); s != "" {
		var err error
		n, err = strconv.Atoi(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	entries, err := h.Recent(r.Context(), n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	server.RespondJSON(w, entries)
}

// Inject adds GET /sessions to the HTTPer
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	other.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/sessions"}] = h.GetSessions
}
