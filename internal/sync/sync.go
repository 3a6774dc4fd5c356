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

// Package sync moves messages between a server mailbox and its local
// copy, one direction per call.
package sync

import (
	"context"

	"github.com/mantisek/imap-backup/internal/event"
	"github.com/mantisek/imap-backup/internal/message"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Result summarizes one run over one folder.
type Result struct {
	Folder string

	// Messages missing on the receiving side when the run started.
	Pending int

	// Messages moved.
	Transferred int

	// Messages skipped because they were unavailable or failed.
	Skipped int

	// Bytes moved.
	Bytes uint64

	// The name the previous local backup was moved to because the
	// server's UID validity changed, or "".
	ArchivedAs string
}

// difference returns the members of a not in b, in the order of a.
func difference(a, b []uint32) []uint32 {
	in := make(map[uint32]bool, len(b))
	for _, x := range b {
		in[x] = true
	}
	var out []uint32
	for _, x := range a {
		if !in[x] {
			out = append(out, x)
		}
	}
	return out
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type recorder struct {
	sink   event.Sink
	folder string
}

func (r recorder) record(level event.Level, msg string, attrs ...any) {
	r.sink.Record(event.Event{Level: level, Folder: r.folder, Msg: msg, Attrs: attrs})
}

// Download saves the messages present in remote but not in local,
// one at a time.  Messages which cannot be fetched are skipped and
// will be tried again by the next run.  Errors from the local store
// end the run.
func Download(ctx context.Context, remote RemoteFolder, local LocalFolder, sink event.Sink) (Result, error) {
	if sink == nil {
		sink = event.Discard
	}
	r := recorder{sink: sink, folder: remote.Name()}
	res := Result{Folder: remote.Name()}

	remoteUIDs, err := remote.UIDs(ctx)
	if err != nil {
		return res, err
	}
	localUIDs, err := local.UIDs()
	if err != nil {
		return res, err
	}
	missing := difference(remoteUIDs, localUIDs)
	res.Pending = len(missing)
	r.record(event.Debug, "new messages", "count", len(missing))

	for _, uid := range missing {
		msg, err := remote.Fetch(ctx, uid)
		if err != nil {
			if isCancellation(err) {
				return res, err
			}
			r.record(event.Warn, "unable to fetch message, skipped", "uid", uid, "error", err)
			res.Skipped++
			continue
		}
		if msg == nil {
			r.record(event.Debug, "message not available, skipped", "uid", uid)
			res.Skipped++
			continue
		}
		r.record(event.Debug, "downloading message", "uid", uid, "size", humanize.Bytes(msg.Size()))
		if err := local.Save(uid, msg.Raw); err != nil {
			return res, errors.Wrapf(err, "unable to save message %d of %q", uid, remote.Name())
		}
		res.Transferred++
		res.Bytes += msg.Size()
	}

	// Save swallows per message failures; count what actually made
	// it into the index.
	saved, err := local.UIDs()
	if err != nil {
		return res, err
	}
	if n := len(missing) - len(difference(missing, saved)); n != res.Transferred {
		res.Skipped += res.Transferred - n
		res.Transferred = n
	}
	return res, nil
}

// Upload appends the messages present in local but not in remote, one
// at a time, and records the UIDs the server assigned to them.
// Messages which cannot be appended are skipped.
func Upload(ctx context.Context, remote RemoteFolder, local LocalFolder, sink event.Sink) (Result, error) {
	if sink == nil {
		sink = event.Discard
	}
	r := recorder{sink: sink, folder: remote.Name()}
	res := Result{Folder: remote.Name()}

	localUIDs, err := local.UIDs()
	if err != nil {
		return res, err
	}
	remoteUIDs, err := remote.UIDs(ctx)
	if err != nil {
		return res, err
	}
	missing := difference(localUIDs, remoteUIDs)
	res.Pending = len(missing)
	r.record(event.Debug, "messages to upload", "count", len(missing))

	known := make(map[uint32]bool, len(remoteUIDs))
	for _, uid := range remoteUIDs {
		known[uid] = true
	}

	for _, uid := range missing {
		raw, ok, err := local.Load(uid)
		if err != nil {
			return res, errors.Wrapf(err, "unable to load message %d of %q", uid, local.Name())
		}
		if !ok {
			r.record(event.Debug, "message not available locally, skipped", "uid", uid)
			res.Skipped++
			continue
		}
		msg := &message.Message{Raw: raw}
		newUID, err := remote.Append(ctx, msg)
		if err != nil {
			if isCancellation(err) {
				return res, err
			}
			r.record(event.Warn, "unable to append message, skipped", "uid", uid, "error", err)
			res.Skipped++
			continue
		}
		res.Transferred++
		res.Bytes += msg.Size()
		if newUID == 0 {
			// The message is on the server; find its UID so the
			// next run does not send it again.
			newUID, err = appendedUID(ctx, remote, known)
			if err != nil {
				return res, errors.Wrapf(err, "unable to find the uid of uploaded message %d of %q", uid, local.Name())
			}
			if newUID == 0 {
				r.record(event.Warn, "uploaded message not listed by the server", "uid", uid)
				continue
			}
		}
		known[newUID] = true
		r.record(event.Debug, "uploaded message", "uid", uid, "new_uid", newUID, "size", humanize.Bytes(msg.Size()))
		if err := local.UpdateUID(uid, newUID); err != nil {
			return res, errors.Wrapf(err, "unable to record new uid %d for message %d of %q", newUID, uid, local.Name())
		}
	}
	return res, nil
}

// appendedUID returns the UID of a message just appended to remote by a
// server which did not report it: the highest UID not in known, or zero
// if there is none.  UIDs grow with every append, so a message
// delivered by someone else between the append and the listing is the
// only way to get this wrong.
func appendedUID(ctx context.Context, remote MessageLister, known map[uint32]bool) (uint32, error) {
	uids, err := remote.UIDs(ctx)
	if err != nil {
		return 0, err
	}
	var highest uint32
	for _, uid := range uids {
		if !known[uid] && uid > highest {
			highest = uid
		}
	}
	return highest, nil
}

// Backup brings local up to date with remote.  When the server reports
// a UID validity different from the recorded one, the old local copy is
// moved aside first, so the new UIDs never mix with the old ones.
func Backup(ctx context.Context, remote RemoteFolder, local LocalFolder, sink event.Sink) (Result, error) {
	if sink == nil {
		sink = event.Discard
	}
	r := recorder{sink: sink, folder: remote.Name()}

	v, ok, err := remote.UIDValidity(ctx)
	if err != nil {
		return Result{Folder: remote.Name()}, err
	}
	if !ok {
		r.record(event.Warn, "folder does not exist, nothing to back up")
		return Result{Folder: remote.Name()}, nil
	}
	archived, err := local.SetUIDValidity(v)
	if err != nil {
		return Result{Folder: remote.Name()}, errors.Wrapf(err, "unable to reconcile uid validity of %q", local.Name())
	}

	res, err := Download(ctx, remote, local, sink)
	res.ArchivedAs = archived
	return res, err
}

// Restore uploads local to remote, creating the mailbox if needed.
// Afterwards local records the server's UID validity, which the new
// UIDs belong to.
func Restore(ctx context.Context, remote RemoteFolder, local LocalFolder, sink event.Sink) (Result, error) {
	exists, err := remote.Exists(ctx)
	if err != nil {
		return Result{Folder: remote.Name()}, err
	}
	if !exists {
		if err := remote.Create(ctx); err != nil {
			return Result{Folder: remote.Name()}, err
		}
	}

	res, err := Upload(ctx, remote, local, sink)
	if err != nil {
		return res, err
	}
	v, ok, err := remote.UIDValidity(ctx)
	if err != nil {
		return res, err
	}
	if ok {
		if err := local.AdoptUIDValidity(v); err != nil {
			return res, errors.Wrapf(err, "unable to record uid validity of %q", local.Name())
		}
	}
	return res, nil
}
