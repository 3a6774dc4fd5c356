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

package main

import (
	"context"
	"time"

	"github.com/mantisek/imap-backup/internal/config"
	"github.com/mantisek/imap-backup/internal/event"
	"github.com/mantisek/imap-backup/internal/imapfolder"
	"github.com/mantisek/imap-backup/internal/imapsession"
	"github.com/mantisek/imap-backup/internal/localstore"
	"github.com/mantisek/imap-backup/internal/persist"
	"github.com/mantisek/imap-backup/internal/sync"
	"github.com/mantisek/imap-backup/internal/tracewire"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const dialTimeout = 30 * time.Second

// accountRun backs up or restores the folders of one account.
type accountRun struct {
	account   *config.Account
	direction string
	db        *persist.DB
	sink      event.Sink
	trace     bool
}

func (r *accountRun) sessionConfig(ctx context.Context) (imapsession.Config, error) {
	a := r.account
	cfg := imapsession.Config{
		Address:     a.Address(),
		Security:    imapsession.Security(a.Security),
		Username:    a.Username,
		Password:    a.Password,
		Attempts:    a.ConnectAttempts,
		DialTimeout: dialTimeout,
	}
	if a.OAuth2 != nil {
		ts, err := a.OAuth2.TokenSource(ctx, a.Username)
		if err != nil {
			return cfg, errors.Wrapf(err, "unable to set up oauth2 for %s", a.Username)
		}
		cfg.TokenSource = ts
	}
	return cfg, nil
}

// folders returns the names of the folders to process: the configured
// ones, or else every mailbox on the server for a backup and every
// local folder for a restore.
func (r *accountRun) folders(ctx context.Context, sess *imapsession.Session) ([]string, error) {
	if len(r.account.Folders) > 0 {
		return r.account.Folders, nil
	}
	if r.direction == persist.Restore {
		return localstore.Folders(r.account.LocalPath)
	}
	return sess.Mailboxes(ctx)
}

func (r *accountRun) journal(ctx context.Context, fn func(tx *persist.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *accountRun) run(ctx context.Context) (err error) {
	var runID int64
	started := time.Now()
	if err := r.journal(ctx, func(tx *persist.Tx) (err error) {
		runID, err = tx.StartRun(ctx, r.account.Username, r.direction, started)
		return err
	}); err != nil {
		return errors.Wrapf(err, "unable to journal the start of %s", r.account.Username)
	}
	defer func() {
		// Journal the outcome even when ctx was cancelled.
		jerr := r.journal(context.Background(), func(tx *persist.Tx) error {
			return tx.FinishRun(context.Background(), runID, time.Now(), err)
		})
		if err == nil && jerr != nil {
			err = errors.Wrapf(jerr, "unable to journal the end of %s", r.account.Username)
		}
	}()

	cfg, err := r.sessionConfig(ctx)
	if err != nil {
		return err
	}
	var trace *tracewire.Writer
	if r.trace {
		trace = tracewire.New(r.sink)
		cfg.Trace = trace
	}
	sess, err := imapsession.Dial(ctx, cfg, r.sink)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			r.sink.Record(event.Event{Level: event.Debug, Msg: "logout failed", Attrs: []any{"error", cerr}})
		}
		if trace != nil {
			trace.Flush()
		}
	}()

	names, err := r.folders(ctx, sess)
	if err != nil {
		return errors.Wrapf(err, "unable to list the folders of %s", r.account.Username)
	}

	failed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.folder(ctx, sess, runID, name); err != nil {
			failed++
			r.sink.Record(event.Event{Level: event.Error, Folder: name, Msg: r.direction + " failed", Attrs: []any{"error", err}})
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d folders of %s failed", failed, len(names), r.account.Username)
	}
	return nil
}

func (r *accountRun) folder(ctx context.Context, sess *imapsession.Session, runID int64, name string) error {
	remote := imapfolder.New(sess, name, r.sink,
		imapfolder.WithRateLimit(r.account.RequestsPerSecond, r.account.Burst))
	local := localstore.New(r.account.LocalPath, name, r.sink)

	var res sync.Result
	var err error
	if r.direction == persist.Restore {
		res, err = sync.Restore(ctx, remote, local, r.sink)
	} else {
		res, err = sync.Backup(ctx, remote, local, r.sink)
	}

	entry := &persist.FolderRun{
		Folder:      name,
		Pending:     res.Pending,
		Transferred: res.Transferred,
		Skipped:     res.Skipped,
		Bytes:       res.Bytes,
		ArchivedAs:  res.ArchivedAs,
	}
	if v, ok, verr := local.UIDValidity(); verr == nil && ok {
		entry.UIDValidity = v
	}
	if err != nil {
		entry.Err = err.Error()
	} else {
		r.sink.Record(event.Event{Level: event.Info, Folder: name, Msg: r.direction + " complete",
			Attrs: []any{"messages", res.Transferred, "skipped", res.Skipped, "size", humanize.Bytes(res.Bytes)}})
	}

	jerr := r.journal(ctx, func(tx *persist.Tx) error {
		return tx.RecordFolder(ctx, runID, entry)
	})
	if err != nil {
		return err
	}
	return jerr
}
