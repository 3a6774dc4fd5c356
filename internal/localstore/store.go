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

// Package localstore keeps the local copy of one mailbox: an append
// only mboxrd message log and a JSON index naming the UID of each log
// entry.
//
// A Store is not safe for concurrent use, and no two Stores may share a
// folder name within a root.
package localstore

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mantisek/imap-backup/internal/event"
	"github.com/mantisek/imap-backup/internal/mboxrd"

	"github.com/pkg/errors"
)

const (
	dirFileMode  = 0700
	fileFileMode = 0600

	indexExt = ".imap"
	logExt   = ".mbox"
)

// ErrNameTaken is returned by Rename when the target name already has
// backing files.
var ErrNameTaken = errors.New("local folder name already in use")

// Store is the local backup of a single mailbox, identified by a name
// relative to a root directory.  Names may contain "/", which maps to
// subdirectories of the root.
type Store struct {
	root string
	name string
	sink event.Sink

	// The index is read once, on first use, and rewritten in full
	// after each change.
	loaded bool
	index  index
}

// New returns a Store for the named folder.  No files are touched until
// the first operation.
func New(root, name string, sink event.Sink) *Store {
	if sink == nil {
		sink = event.Discard
	}
	return &Store{root: root, name: name, sink: sink}
}

// Name returns the folder name the store currently operates on.
func (s *Store) Name() string {
	return s.name
}

func (s *Store) pathFor(name, ext string) string {
	return filepath.Join(s.root, filepath.FromSlash(name)+ext)
}

// IndexPath returns the path of the index file.
func (s *Store) IndexPath() string {
	return s.pathFor(s.name, indexExt)
}

// LogPath returns the path of the message log.
func (s *Store) LogPath() string {
	return s.pathFor(s.name, logExt)
}

func (s *Store) record(level event.Level, msg string, attrs ...any) {
	s.sink.Record(event.Event{Level: level, Folder: s.name, Msg: msg, Attrs: attrs})
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Exists reports whether both backing files are present.
func (s *Store) Exists() (bool, error) {
	for _, p := range []string{s.IndexPath(), s.LogPath()} {
		ok, err := exists(p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// occupied reports whether either backing file of name is present.
func (s *Store) occupied(name string) (bool, error) {
	for _, ext := range []string{indexExt, logExt} {
		ok, err := exists(s.pathFor(name, ext))
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func mkdirFor(path string) error {
	return os.MkdirAll(filepath.Dir(path), dirFileMode)
}

// load reads the index if that has not happened yet.  Any doubt about
// the local files resets the folder.
func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	if err := mkdirFor(s.IndexPath()); err != nil {
		return errors.Wrapf(err, "unable to create directory for %q", s.name)
	}
	idx, reason, err := s.read()
	if err != nil {
		return err
	}
	if reason != "" {
		s.record(event.Warn, "local folder unusable, resetting", "reason", reason)
		return s.reset()
	}
	s.index = idx
	s.loaded = true
	return nil
}

// read returns the index found on disk, or the reason the local files
// cannot be used.  Only errors accessing the files are returned as
// errors.
func (s *Store) read() (idx index, reason string, err error) {
	data, err := os.ReadFile(s.IndexPath())
	if errors.Is(err, fs.ErrNotExist) {
		return idx, "index file missing", nil
	}
	if err != nil {
		return idx, "", errors.Wrapf(err, "unable to read index %q", s.IndexPath())
	}

	f, err := os.Open(s.LogPath())
	if errors.Is(err, fs.ErrNotExist) {
		return idx, "message log missing", nil
	}
	if err != nil {
		return idx, "", errors.Wrapf(err, "unable to open message log %q", s.LogPath())
	}
	defer f.Close()

	idx, err = parseIndex(data)
	if err != nil {
		return idx, err.Error(), nil
	}

	head := make([]byte, len("From "))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return idx, "", errors.Wrapf(err, "unable to read message log %q", s.LogPath())
	}
	if !mboxrd.HasDelimiterPrefix(head[:n]) {
		return idx, "message log is not in mboxrd format", nil
	}
	return idx, "", nil
}

// reset replaces both backing files with empty ones.  The recorded UID
// validity is kept.
func (s *Store) reset() error {
	s.index.UIDs = []uint32{}
	for _, p := range []string{s.IndexPath(), s.LogPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(err, "unable to delete %q", p)
		}
	}
	if err := mkdirFor(s.IndexPath()); err != nil {
		return errors.Wrapf(err, "unable to create directory for %q", s.name)
	}
	if err := s.writeIndex(); err != nil {
		return err
	}
	if err := os.WriteFile(s.LogPath(), nil, fileFileMode); err != nil {
		return errors.Wrapf(err, "unable to create message log %q", s.LogPath())
	}
	s.loaded = true
	return nil
}

// Reset empties the folder, keeping its recorded UID validity.
func (s *Store) Reset() error {
	if err := s.load(); err != nil {
		return err
	}
	return s.reset()
}

// writeIndex replaces the index file with the in-memory index.
func (s *Store) writeIndex() error {
	data, err := s.index.marshal()
	if err != nil {
		return errors.Wrap(err, "unable to encode index")
	}
	path := s.IndexPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileFileMode); err != nil {
		return errors.Wrapf(err, "unable to write index %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "unable to replace index %q", path)
	}
	return nil
}

// UIDs returns the UIDs of the stored messages, in the order they were
// saved.
func (s *Store) UIDs() ([]uint32, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	return append([]uint32{}, s.index.UIDs...), nil
}

// UIDValidity returns the recorded UID validity.  ok is false when none
// has been recorded yet.
func (s *Store) UIDValidity() (v uint32, ok bool, err error) {
	if err := s.load(); err != nil {
		return 0, false, err
	}
	if s.index.UIDValidity == nil {
		return 0, false, nil
	}
	return *s.index.UIDValidity, true, nil
}

// Save appends a message to the log and records its UID.  Saving a UID
// which is already present does nothing.
//
// A message which cannot be encoded or written is reported to the sink
// and skipped: its UID is not recorded, so a later run retries it.
// Errors opening the log or rewriting the index are returned.
func (s *Store) Save(uid uint32, raw []byte) error {
	if err := s.load(); err != nil {
		return err
	}
	if s.index.position(uid) >= 0 {
		s.record(event.Warn, "message already saved, skipping", "uid", uid)
		return nil
	}

	entry, err := mboxrd.Encode(raw)
	if err != nil {
		s.record(event.Warn, "unable to encode message, skipping", "uid", uid, "error", err)
		return nil
	}

	f, err := os.OpenFile(s.LogPath(), os.O_WRONLY|os.O_APPEND, fileFileMode)
	if err != nil {
		return errors.Wrapf(err, "unable to open message log %q", s.LogPath())
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "unable to stat message log %q", s.LogPath())
	}
	size := info.Size()

	if _, err := f.Write(entry); err != nil {
		// A partial entry would shift every later message by
		// one index slot.
		if terr := f.Truncate(size); terr != nil {
			return errors.Wrapf(terr, "unable to roll back message log %q after %v", s.LogPath(), err)
		}
		s.record(event.Warn, "unable to write message, skipping", "uid", uid, "error", err)
		return nil
	}

	s.index.UIDs = append(s.index.UIDs, uid)
	if err := s.writeIndex(); err != nil {
		s.index.UIDs = s.index.UIDs[:len(s.index.UIDs)-1]
		f.Truncate(size)
		return err
	}
	return nil
}

// Load returns the raw message saved under uid.  ok is false when the
// UID is unknown.
func (s *Store) Load(uid uint32) (raw []byte, ok bool, err error) {
	if err := s.load(); err != nil {
		return nil, false, err
	}
	pos := s.index.position(uid)
	if pos < 0 {
		return nil, false, nil
	}

	f, err := os.Open(s.LogPath())
	if err != nil {
		return nil, false, errors.Wrapf(err, "unable to open message log %q", s.LogPath())
	}
	defer f.Close()

	sc := mboxrd.NewScanner(f)
	for i := 0; sc.Scan(); i++ {
		if i == pos {
			return mboxrd.Decode(sc.Entry()), true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, errors.Wrapf(err, "unable to read message log %q", s.LogPath())
	}
	s.record(event.Warn, "message missing from log", "uid", uid, "position", pos)
	return nil, false, nil
}

// UpdateUID replaces oldUID by newUID, keeping its position.  Unknown
// UIDs are ignored.
func (s *Store) UpdateUID(oldUID, newUID uint32) error {
	if err := s.load(); err != nil {
		return err
	}
	pos := s.index.position(oldUID)
	if pos < 0 || oldUID == newUID {
		return nil
	}
	if s.index.position(newUID) >= 0 {
		s.record(event.Warn, "replacement uid already present, keeping old uid", "old", oldUID, "new", newUID)
		return nil
	}
	s.index.UIDs[pos] = newUID
	return s.writeIndex()
}

// AdoptUIDValidity records v as the folder's UID validity without
// touching the stored messages.
func (s *Store) AdoptUIDValidity(v uint32) error {
	if err := s.load(); err != nil {
		return err
	}
	if s.index.UIDValidity != nil && *s.index.UIDValidity == v {
		return nil
	}
	s.index.UIDValidity = &v
	return s.writeIndex()
}

// SetUIDValidity reconciles the folder with the server's UID validity.
//
// The first value seen is adopted and the folder emptied.  When the
// value changes, the existing backup is moved aside to the first free
// name of the form "<name>.N" and the folder starts over, empty, under
// its original name.  The name of the moved backup is returned, or ""
// when nothing was moved.
func (s *Store) SetUIDValidity(v uint32) (string, error) {
	if err := s.load(); err != nil {
		return "", err
	}
	if s.index.UIDValidity == nil {
		s.index.UIDValidity = &v
		return "", s.reset()
	}
	old := *s.index.UIDValidity
	if old == v {
		return "", nil
	}

	archive, err := s.freeSiblingName()
	if err != nil {
		return "", err
	}
	if err := s.moveTo(archive); err != nil {
		return "", err
	}
	s.index = index{UIDValidity: &v}
	if err := s.reset(); err != nil {
		return "", err
	}
	s.record(event.Info, "uid validity changed, previous backup moved",
		"old_uid_validity", old, "uid_validity", v, "moved_to", archive)
	return archive, nil
}

func (s *Store) freeSiblingName() (string, error) {
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s.%d", s.name, n)
		taken, err := s.occupied(name)
		if err != nil {
			return "", errors.Wrapf(err, "unable to check local folder %q", name)
		}
		if !taken {
			return name, nil
		}
	}
}

// moveTo renames both backing files to newName.  The store keeps its
// current name.
func (s *Store) moveTo(newName string) error {
	taken, err := s.occupied(newName)
	if err != nil {
		return errors.Wrapf(err, "unable to check local folder %q", newName)
	}
	if taken {
		return errors.Wrapf(ErrNameTaken, "renaming %q to %q", s.name, newName)
	}

	newLog, newIndex := s.pathFor(newName, logExt), s.pathFor(newName, indexExt)
	if err := mkdirFor(newLog); err != nil {
		return errors.Wrapf(err, "unable to create directory for %q", newName)
	}
	if err := os.Rename(s.LogPath(), newLog); err != nil {
		return errors.Wrapf(err, "unable to rename %q", s.LogPath())
	}
	if err := os.Rename(s.IndexPath(), newIndex); err != nil {
		if rerr := os.Rename(newLog, s.LogPath()); rerr != nil {
			return errors.Wrapf(err, "unable to rename %q (and unable to restore %q: %v)", s.IndexPath(), s.LogPath(), rerr)
		}
		return errors.Wrapf(err, "unable to rename %q", s.IndexPath())
	}
	return nil
}

// Rename moves both backing files to newName.  Later operations use the
// new name.
func (s *Store) Rename(newName string) error {
	if err := s.load(); err != nil {
		return err
	}
	if err := s.moveTo(newName); err != nil {
		return err
	}
	s.name = newName
	return nil
}

// Folders returns the names of the folders stored below root, sorted.
func Folders(root string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, indexExt) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(strings.TrimSuffix(rel, indexExt)))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list local folders in %q", root)
	}
	sort.Strings(names)
	return names, nil
}
