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
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/mantisek/imap-backup/internal/config"
	"github.com/mantisek/imap-backup/internal/persist"

	humanize "github.com/dustin/go-humanize"
)

// status prints the latest journal entry of every folder of accounts.
func status(ctx context.Context, out io.Writer, db *persist.DB, accounts []*config.Account) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tFOLDER\tLAST RUN\tWHEN\tMESSAGES\tSIZE\tNOTE")
	for _, a := range accounts {
		err := tx.LatestFolderRuns(ctx, a.Username, func(f *persist.FolderRun) error {
			_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				f.Account, f.Folder, f.Direction, humanize.Time(f.Started),
				f.Transferred, humanize.Bytes(f.Bytes), note(f))
			return err
		})
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

func note(f *persist.FolderRun) string {
	switch {
	case f.Err != "":
		return "error: " + f.Err
	case f.ArchivedAs != "":
		return "previous backup moved to " + f.ArchivedAs
	case f.Skipped > 0:
		return fmt.Sprintf("%d skipped", f.Skipped)
	}
	return ""
}
