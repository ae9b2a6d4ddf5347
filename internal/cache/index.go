package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// index is the sidecar metadata record for the cache root: one row per
// committed artifact and one row per resumable partial download.
type index struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	kind          TEXT NOT NULL,
	id            TEXT NOT NULL,
	rel_path      TEXT NOT NULL,
	size          INTEGER NOT NULL,
	checksum      TEXT NOT NULL DEFAULT '',
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	completed_at  INTEGER NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS entries_completed ON entries (kind, completed_at);
CREATE TABLE IF NOT EXISTS partials (
	lesson_id  TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	validator  TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);`

// partialRecord remembers where a partial file came from so a paused transfer can resume.
type partialRecord struct {
	LessonID  string
	SourceURL string
	Validator string
	UpdatedAt time.Time
}

func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cache index open %s: %w", path, err)
	}
	// One connection: sqlite serializes writers anyway and this avoids SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache index schema: %w", err)
	}
	return &index{db: db}, nil
}

func (x *index) close() error { return x.db.Close() }

func (x *index) get(kind Kind, id string) (Entry, bool, error) {
	row := x.db.QueryRow(`SELECT rel_path, size, checksum, etag, last_modified, completed_at
		FROM entries WHERE kind = ? AND id = ?`, string(kind), id)
	e := Entry{Kind: kind, ID: id}
	var completed int64
	err := row.Scan(&e.Path, &e.Size, &e.Checksum, &e.ETag, &e.LastModified, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.CompletedAt = time.Unix(0, completed).UTC()
	return e, true, nil
}

func (x *index) put(e Entry) error {
	_, err := x.db.Exec(`INSERT INTO entries (kind, id, rel_path, size, checksum, etag, last_modified, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			rel_path = excluded.rel_path, size = excluded.size, checksum = excluded.checksum,
			etag = excluded.etag, last_modified = excluded.last_modified, completed_at = excluded.completed_at`,
		string(e.Kind), e.ID, e.Path, e.Size, e.Checksum, e.ETag, e.LastModified, e.CompletedAt.UnixNano())
	return err
}

func (x *index) remove(kind Kind, id string) error {
	_, err := x.db.Exec(`DELETE FROM entries WHERE kind = ? AND id = ?`, string(kind), id)
	return err
}

// list returns entries of kind, oldest completion first.
func (x *index) list(kind Kind) ([]Entry, error) {
	rows, err := x.db.Query(`SELECT id, rel_path, size, checksum, etag, last_modified, completed_at
		FROM entries WHERE kind = ? ORDER BY completed_at, id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e := Entry{Kind: kind}
		var completed int64
		if err := rows.Scan(&e.ID, &e.Path, &e.Size, &e.Checksum, &e.ETag, &e.LastModified, &completed); err != nil {
			return nil, err
		}
		e.CompletedAt = time.Unix(0, completed).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (x *index) partial(lessonID string) (partialRecord, bool, error) {
	p := partialRecord{LessonID: lessonID}
	var updated int64
	err := x.db.QueryRow(`SELECT source_url, validator, updated_at FROM partials WHERE lesson_id = ?`, lessonID).
		Scan(&p.SourceURL, &p.Validator, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return partialRecord{}, false, nil
	}
	if err != nil {
		return partialRecord{}, false, err
	}
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return p, true, nil
}

func (x *index) putPartial(p partialRecord) error {
	_, err := x.db.Exec(`INSERT INTO partials (lesson_id, source_url, validator, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (lesson_id) DO UPDATE SET source_url = excluded.source_url,
			validator = excluded.validator, updated_at = excluded.updated_at`,
		p.LessonID, p.SourceURL, p.Validator, p.UpdatedAt.UnixNano())
	return err
}

func (x *index) removePartial(lessonID string) error {
	_, err := x.db.Exec(`DELETE FROM partials WHERE lesson_id = ?`, lessonID)
	return err
}

func (x *index) partials() ([]partialRecord, error) {
	rows, err := x.db.Query(`SELECT lesson_id, source_url, validator, updated_at FROM partials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []partialRecord
	for rows.Next() {
		var p partialRecord
		var updated int64
		if err := rows.Scan(&p.LessonID, &p.SourceURL, &p.Validator, &updated); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
