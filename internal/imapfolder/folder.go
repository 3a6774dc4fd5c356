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

// Package imapfolder gives synchronous access to one mailbox of an
// authenticated IMAP session.
package imapfolder

import (
	"bytes"
	"context"
	"sort"

	"github.com/mantisek/imap-backup/internal/event"
	"github.com/mantisek/imap-backup/internal/mboxrd"
	"github.com/mantisek/imap-backup/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var (
	// ErrMailboxNotFound is returned (possibly wrapped) by a
	// Session when the mailbox does not exist on the server.
	ErrMailboxNotFound = errors.New("mailbox does not exist")
)

// AppendResult is the APPENDUID data of an append response.
type AppendResult struct {
	UIDValidity uint32
	UID         uint32
}

// Session is an authenticated IMAP connection.  A Session has at most
// one selected mailbox; Folder reselects before each operation.
type Session interface {
	// Select opens the mailbox and returns its UIDVALIDITY.
	Select(ctx context.Context, mailbox string, readOnly bool) (uint32, error)

	// SearchAll returns the UIDs of all messages in the selected
	// mailbox.
	SearchAll(ctx context.Context) ([]uint32, error)

	// Fetch returns the body, flags and internal date of a message
	// in the selected mailbox, or nil if there is no such message.
	Fetch(ctx context.Context, uid uint32) (*message.Message, error)

	// Append adds a message to the mailbox, using msg.InternalDate
	// as its internal date when set.  The result is zero when the
	// server does not report APPENDUID.
	Append(ctx context.Context, mailbox string, msg *message.Message) (AppendResult, error)

	// Create creates the mailbox.
	Create(ctx context.Context, mailbox string) error
}

// Folder is one mailbox on the server.  It is not safe for concurrent
// use.
type Folder struct {
	session Session
	name    string
	sink    event.Sink
	limiter *rate.Limiter

	// The last UIDVALIDITY observed by a select or an append.
	uidValidity     uint32
	haveUIDValidity bool
}

// Option configures a Folder.
type Option func(*Folder)

// WithRateLimit paces requests to perSecond, allowing bursts of burst
// requests.  A non-positive rate means no limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *Folder) {
		if perSecond <= 0 {
			f.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func New(session Session, name string, sink event.Sink, opts ...Option) *Folder {
	if sink == nil {
		sink = event.Discard
	}
	f := &Folder{
		session: session,
		name:    name,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name returns the mailbox name.
func (f *Folder) Name() string {
	return f.name
}

func (f *Folder) record(level event.Level, msg string, attrs ...any) {
	f.sink.Record(event.Event{Level: level, Folder: f.name, Msg: msg, Attrs: attrs})
}

func (f *Folder) examine(ctx context.Context) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	v, err := f.session.Select(ctx, f.name, true)
	if err != nil {
		return err
	}
	f.uidValidity = v
	f.haveUIDValidity = true
	return nil
}

// UIDs returns the UIDs of all messages in the mailbox, ascending.  A
// missing mailbox has no messages.
func (f *Folder) UIDs(ctx context.Context) ([]uint32, error) {
	if err := f.examine(ctx); err != nil {
		if errors.Is(err, ErrMailboxNotFound) {
			f.record(event.Warn, "folder does not exist")
			return []uint32{}, nil
		}
		return nil, errors.Wrapf(err, "unable to examine %q", f.name)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	uids, err := f.session.SearchAll(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list messages in %q", f.name)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// Exists reports whether the mailbox exists.
func (f *Folder) Exists(ctx context.Context) (bool, error) {
	if err := f.examine(ctx); err != nil {
		if errors.Is(err, ErrMailboxNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "unable to examine %q", f.name)
	}
	return true, nil
}

// Create creates the mailbox.
func (f *Folder) Create(ctx context.Context) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := f.session.Create(ctx, f.name); err != nil {
		return errors.Wrapf(err, "unable to create %q", f.name)
	}
	f.record(event.Info, "folder created")
	return nil
}

// Fetch returns the message with the given UID, or nil when the
// mailbox or the message no longer exists.  Line endings of the body
// are normalized to "\n", so a CR before a LF inside a binary part is
// not kept; Append restores CRLF everywhere.
func (f *Folder) Fetch(ctx context.Context, uid uint32) (*message.Message, error) {
	if err := f.examine(ctx); err != nil {
		if errors.Is(err, ErrMailboxNotFound) {
			f.record(event.Warn, "folder does not exist")
			return nil, nil
		}
		return nil, errors.Wrapf(err, "unable to examine %q", f.name)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	msg, err := f.session.Fetch(ctx, uid)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to fetch message %d from %q", uid, f.name)
	}
	if msg == nil {
		return nil, nil
	}
	msg.UID = uid
	msg.Raw = toLF(msg.Raw)
	return msg, nil
}

// Append adds a message to the mailbox and returns the UID the server
// assigned to it.  The UID is zero when the append succeeded but the
// server did not report it (no UIDPLUS).  The message's Date header,
// when present, becomes its internal date.
func (f *Folder) Append(ctx context.Context, msg *message.Message) (uint32, error) {
	date := msg.InternalDate
	if _, d := mboxrd.Envelope(msg.Raw); !d.IsZero() {
		date = d
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	res, err := f.session.Append(ctx, f.name, &message.Message{
		Flags:        msg.Flags,
		InternalDate: date,
		Raw:          toCRLF(msg.Raw),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "unable to append to %q", f.name)
	}
	if res.UIDValidity != 0 {
		f.uidValidity = res.UIDValidity
		f.haveUIDValidity = true
	}
	if res.UID == 0 {
		f.record(event.Debug, "server did not report the appended message's uid")
	}
	return res.UID, nil
}

// UIDValidity returns the mailbox's UIDVALIDITY, examining the mailbox
// if no value has been observed yet.  ok is false when the mailbox does
// not exist.
func (f *Folder) UIDValidity(ctx context.Context) (v uint32, ok bool, err error) {
	if f.haveUIDValidity {
		return f.uidValidity, true, nil
	}
	if err := f.examine(ctx); err != nil {
		if errors.Is(err, ErrMailboxNotFound) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "unable to examine %q", f.name)
	}
	return f.uidValidity, true, nil
}

func toLF(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}

func toCRLF(b []byte) []byte {
	return bytes.ReplaceAll(toLF(b), []byte("\n"), []byte("\r\n"))
}
