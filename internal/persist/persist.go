// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist keeps a journal of backup and restore runs in a
// SQLite database.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mantisek/imap-backup/internal/event"

	"github.com/pkg/errors"
)

// Directions of a run.
const (
	Backup  = "backup"
	Restore = "restore"
)

var (
	createTableSql = []string{
		// The runs table holds one row per invocation per account.
		//
		// Field: direction
		//
		//   "backup" or "restore".
		//
		// Field: started, finished
		//
		//   Unix seconds.  finished is NULL while the run is in
		//   progress, or if it never completed.
		//
		// Field: error
		//
		//   NULL when the run succeeded.
		`
CREATE TABLE IF NOT EXISTS runs (
run_id INTEGER PRIMARY KEY AUTOINCREMENT,
account TEXT NOT NULL,
direction TEXT NOT NULL,
started INTEGER NOT NULL,
finished INTEGER,
error TEXT
);`,
		// The folder_runs table holds the outcome for each folder
		// processed by a run.
		//
		// Field: uid_validity
		//
		//   The server's UIDVALIDITY for the folder, NULL if the
		//   folder did not exist.
		//
		// Field: archived_as
		//
		//   The name the previous local backup was moved to because
		//   the UIDVALIDITY changed, or NULL.
		`
CREATE TABLE IF NOT EXISTS folder_runs (
run_id INTEGER NOT NULL,
folder TEXT NOT NULL,
uid_validity INTEGER,
pending INTEGER NOT NULL,
transferred INTEGER NOT NULL,
skipped INTEGER NOT NULL,
bytes INTEGER NOT NULL,
archived_as TEXT,
error TEXT,
PRIMARY KEY (run_id, folder)
FOREIGN KEY (run_id) REFERENCES runs (run_id)
);`,
	}
)

type DB struct {
	db *sql.DB
}

type Tx struct {
	tx *sql.Tx
}

// FolderRun is the journal entry for one folder of one run.
type FolderRun struct {
	Account   string
	Direction string
	Started   time.Time

	Folder string

	// Zero when unknown.
	UIDValidity uint32

	Pending     int
	Transferred int
	Skipped     int
	Bytes       uint64
	ArchivedAs  string

	// Empty when the folder was processed without error.
	Err string
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens the journal at path, creating it if needed.  The
// go-sqlite3 driver must be linked in by the caller.
func Open(ctx context.Context, path string, sink event.Sink) (*DB, error) {
	if sink == nil {
		sink = event.Discard
	}
	// Parallel accounts write to the same journal; give writers
	// time to take turns.
	var busyTimeout = int(time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	sink.Record(event.Event{Level: event.Debug, Msg: "opening journal", Attrs: []any{"dsn", dsn}})
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func errString(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return nullString(err.Error())
}

// StartRun records the start of a run and returns its ID.
func (tx *Tx) StartRun(ctx context.Context, account, direction string, started time.Time) (int64, error) {
	const q = `INSERT INTO runs (account, direction, started) values ($1, $2, $3)`
	res, err := tx.tx.ExecContext(ctx, q, account, direction, started.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "db insert failed for run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "db insert id unavailable for run")
	}
	return id, nil
}

// FinishRun records the end of a run.  runErr is nil for a run which
// succeeded.
func (tx *Tx) FinishRun(ctx context.Context, runID int64, finished time.Time, runErr error) error {
	const q = `UPDATE runs SET (finished, error) = ($1, $2) WHERE run_id = $3`
	res, err := tx.tx.ExecContext(ctx, q, finished.Unix(), errString(runErr), runID)
	if err != nil {
		return errors.Wrap(err, "db update failed for run")
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return errors.Errorf("no run with id %d", runID)
	}
	return nil
}

// RecordFolder records the outcome for one folder of a run.
func (tx *Tx) RecordFolder(ctx context.Context, runID int64, f *FolderRun) error {
	const q = `
INSERT OR REPLACE INTO folder_runs
(run_id, folder, uid_validity, pending, transferred, skipped, bytes, archived_as, error)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	uidValidity := sql.NullInt64{Int64: int64(f.UIDValidity), Valid: f.UIDValidity != 0}
	_, err := tx.tx.ExecContext(ctx, q, runID, f.Folder, uidValidity,
		f.Pending, f.Transferred, f.Skipped, int64(f.Bytes),
		nullString(f.ArchivedAs), nullString(f.Err))
	if err != nil {
		return errors.Wrapf(err, "db insert failed for folder %q", f.Folder)
	}
	return nil
}

// LatestFolderRuns calls handler with the most recent entry of every
// folder of account, in folder name order.
func (tx *Tx) LatestFolderRuns(ctx context.Context, account string, handler func(*FolderRun) error) error {
	const q = `
SELECT r.account, r.direction, r.started, f.folder, f.uid_validity,
       f.pending, f.transferred, f.skipped, f.bytes, f.archived_as, f.error
FROM folder_runs f JOIN runs r ON r.run_id = f.run_id
WHERE r.account = $1 AND f.run_id = (
  SELECT MAX(f2.run_id) FROM folder_runs f2 JOIN runs r2 ON r2.run_id = f2.run_id
  WHERE r2.account = r.account AND f2.folder = f.folder)
ORDER BY f.folder
`
	rows, err := tx.tx.QueryContext(ctx, q, account)
	if err != nil {
		return errors.Wrap(err, "db query failed in LatestFolderRuns")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f           FolderRun
			started     int64
			uidValidity sql.NullInt64
			bytes       int64
			archivedAs  sql.NullString
			folderErr   sql.NullString
		)
		if err := rows.Scan(&f.Account, &f.Direction, &started, &f.Folder, &uidValidity,
			&f.Pending, &f.Transferred, &f.Skipped, &bytes, &archivedAs, &folderErr); err != nil {
			return errors.Wrap(err, "db scan failed in LatestFolderRuns")
		}
		f.Started = time.Unix(started, 0).UTC()
		f.UIDValidity = uint32(uidValidity.Int64)
		f.Bytes = uint64(bytes)
		f.ArchivedAs = archivedAs.String
		f.Err = folderErr.String
		if err := handler(&f); err != nil {
			return err
		}
	}
	return rows.Err()
}
