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

package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mantisek/imap-backup/internal/event"
	"github.com/mantisek/imap-backup/internal/mboxrd"
)

const (
	folder     = "my/folder"
	resetIndex = `{"version":1,"uid_validity":null,"uids":[]}`
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func encode(t *testing.T, bodies ...string) string {
	t.Helper()
	var b strings.Builder
	for _, body := range bodies {
		entry, err := mboxrd.Encode([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		b.Write(entry)
	}
	return b.String()
}

func body(n string) string {
	return "From: sender" + n + "@example.com\nSubject: message " + n + "\n\nFrom the body of " + n + "\n"
}

// newStore creates a store whose backing files hold the given content.
// Empty content means the file is absent.
func newStore(t *testing.T, indexContent, logContent string) (*Store, *event.Recorder) {
	t.Helper()
	rec := &event.Recorder{}
	s := New(t.TempDir(), folder, rec)
	if indexContent != "" {
		writeFile(t, s.IndexPath(), indexContent)
	}
	if logContent != "" {
		writeFile(t, s.LogPath(), logContent)
	}
	return s, rec
}

func TestPaths(t *testing.T) {
	s := New("/base/path", folder, nil)
	if got, want := s.IndexPath(), filepath.FromSlash("/base/path/my/folder.imap"); got != want {
		t.Errorf("IndexPath() = %q, want %q", got, want)
	}
	if got, want := s.LogPath(), filepath.FromSlash("/base/path/my/folder.mbox"); got != want {
		t.Errorf("LogPath() = %q, want %q", got, want)
	}
}

func TestUIDsFromValidIndex(t *testing.T) {
	log := encode(t, body("1"), body("2"), body("3"))
	idx := `{"version":1,"uid_validity":555,"uids":[3,2,1]}`
	s, rec := newStore(t, idx, log)

	got, err := s.UIDs()
	if err != nil {
		t.Fatalf("UIDs() failed: %v", err)
	}
	if diff := cmp.Diff([]uint32{3, 2, 1}, got); diff != "" {
		t.Errorf("UIDs() mismatch (-want +got):\n%s", diff)
	}
	if v, ok, err := s.UIDValidity(); err != nil || !ok || v != 555 {
		t.Errorf("UIDValidity() = %d, %v, %v, want 555, true, nil", v, ok, err)
	}
	if got := readFile(t, s.IndexPath()); got != idx {
		t.Errorf("index rewritten to %q", got)
	}
	if got := readFile(t, s.LogPath()); got != log {
		t.Errorf("log rewritten to %q", got)
	}
	if n := rec.Count(event.Warn, "resetting"); n != 0 {
		t.Errorf("got %d reset events, want 0", n)
	}
}

func TestUIDsResetsUnusableFolder(t *testing.T) {
	log := encode(t, body("1"))
	cases := []struct {
		name  string
		index string
		log   string
	}{
		{"both missing", "", ""},
		{"index missing", "", log},
		{"log missing", `{"version":1,"uid_validity":5,"uids":[1]}`, ""},
		{"not json", "xxx", log},
		{"json array", "[1,2,3]", log},
		{"truncated", `{"version":1,"uids":[1`, log},
		{"no version", `{"uid_validity":5,"uids":[1]}`, log},
		{"wrong version", `{"version":2,"uid_validity":5,"uids":[1]}`, log},
		{"string version", `{"version":"1","uid_validity":5,"uids":[1]}`, log},
		{"no uids", `{"version":1,"uid_validity":5}`, log},
		{"uids not a list", `{"version":1,"uid_validity":5,"uids":5}`, log},
		{"uids null", `{"version":1,"uid_validity":5,"uids":null}`, log},
		{"negative uid", `{"version":1,"uid_validity":5,"uids":[-1]}`, log},
		{"duplicate uids", `{"version":1,"uid_validity":5,"uids":[1,1]}`, log},
		{"bad uid_validity", `{"version":1,"uid_validity":"x","uids":[1]}`, log},
		{"foreign log", `{"version":1,"uid_validity":5,"uids":[1]}`, "old format emails"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newStore(t, tc.index, tc.log)
			got, err := s.UIDs()
			if err != nil {
				t.Fatalf("UIDs() failed: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("UIDs() = %v, want []", got)
			}
			if got := readFile(t, s.IndexPath()); got != resetIndex {
				t.Errorf("index = %q, want %q", got, resetIndex)
			}
			if got := readFile(t, s.LogPath()); got != "" {
				t.Errorf("log = %q, want empty", got)
			}
		})
	}
}

func TestUIDsToleratesEmptyLog(t *testing.T) {
	s, _ := newStore(t, `{"version":1,"uid_validity":7,"uids":[]}`, "")
	writeFile(t, s.LogPath(), "")
	if v, ok, err := s.UIDValidity(); err != nil || !ok || v != 7 {
		t.Errorf("UIDValidity() = %d, %v, %v, want 7, true, nil", v, ok, err)
	}
}

func TestSave(t *testing.T) {
	s, _ := newStore(t, "", "")
	if _, err := s.SetUIDValidity(555); err != nil {
		t.Fatalf("SetUIDValidity() failed: %v", err)
	}

	for _, uid := range []uint32{999, 3} {
		if err := s.Save(uid, []byte(body(fmt.Sprint(uid)))); err != nil {
			t.Fatalf("Save(%d) failed: %v", uid, err)
		}
	}

	if got, want := readFile(t, s.IndexPath()), `{"version":1,"uid_validity":555,"uids":[999,3]}`; got != want {
		t.Errorf("index = %q, want %q", got, want)
	}
	if got, want := readFile(t, s.LogPath()), encode(t, body("999"), body("3")); got != want {
		t.Errorf("log = %q, want %q", got, want)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	s, rec := newStore(t, "", "")
	if err := s.Save(1, []byte(body("1"))); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	index, log := readFile(t, s.IndexPath()), readFile(t, s.LogPath())

	if err := s.Save(1, []byte(body("other"))); err != nil {
		t.Fatalf("second Save() failed: %v", err)
	}
	if got := readFile(t, s.IndexPath()); got != index {
		t.Errorf("index changed to %q, want %q", got, index)
	}
	if got := readFile(t, s.LogPath()); got != log {
		t.Errorf("log changed to %q, want %q", got, log)
	}
	if n := rec.Count(event.Warn, "already saved"); n != 1 {
		t.Errorf("got %d 'already saved' events, want 1", n)
	}
}

func TestSaveSkipsUnencodableMessage(t *testing.T) {
	s, rec := newStore(t, "", "")
	if err := s.Save(1, nil); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if uids, _ := s.UIDs(); len(uids) != 0 {
		t.Errorf("UIDs() = %v, want []", uids)
	}
	if got := readFile(t, s.LogPath()); got != "" {
		t.Errorf("log = %q, want empty", got)
	}
	if n := rec.Count(event.Warn, "unable to encode"); n != 1 {
		t.Errorf("got %d 'unable to encode' events, want 1", n)
	}
}

func TestSaveWithoutLogFails(t *testing.T) {
	s, _ := newStore(t, "", "")
	if _, err := s.UIDs(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(s.LogPath()); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(1, []byte(body("1"))); err == nil {
		t.Errorf("Save() with the log removed succeeded, want error")
	}
	if uids, _ := s.UIDs(); len(uids) != 0 {
		t.Errorf("UIDs() = %v, want []", uids)
	}
}

func TestSaveOrderAndUniqueness(t *testing.T) {
	s, _ := newStore(t, "", "")
	for _, uid := range []uint32{5, 2, 9, 2, 5, 1} {
		if err := s.Save(uid, []byte(body("x"))); err != nil {
			t.Fatalf("Save(%d) failed: %v", uid, err)
		}
	}
	got, err := s.UIDs()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{5, 2, 9, 1}, got); diff != "" {
		t.Errorf("UIDs() mismatch (-want +got):\n%s", diff)
	}

	// A fresh store reads back the same state.
	again, err := New(s.root, folder, nil).UIDs()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, again); diff != "" {
		t.Errorf("reloaded UIDs() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	s, _ := newStore(t, `{"version":1,"uid_validity":1,"uids":[666,1]}`, encode(t, body("666"), body("1")))

	for _, uid := range []uint32{666, 1} {
		raw, ok, err := s.Load(uid)
		if err != nil || !ok {
			t.Fatalf("Load(%d) = _, %v, %v, want ok", uid, ok, err)
		}
		want := body(map[uint32]string{666: "666", 1: "1"}[uid])
		if diff := cmp.Diff(want, string(raw)); diff != "" {
			t.Errorf("Load(%d) mismatch (-want +got):\n%s", uid, diff)
		}
	}

	raw, ok, err := s.Load(999)
	if err != nil || ok || raw != nil {
		t.Errorf("Load(999) = %q, %v, %v, want nil, false, nil", raw, ok, err)
	}
}

func TestLoadEntryMissingFromLog(t *testing.T) {
	s, rec := newStore(t, `{"version":1,"uid_validity":1,"uids":[1,2]}`, encode(t, body("1")))
	raw, ok, err := s.Load(2)
	if err != nil || ok || raw != nil {
		t.Errorf("Load(2) = %q, %v, %v, want nil, false, nil", raw, ok, err)
	}
	if n := rec.Count(event.Warn, "missing from log"); n != 1 {
		t.Errorf("got %d 'missing from log' events, want 1", n)
	}
}

func TestUpdateUID(t *testing.T) {
	cases := []struct {
		name     string
		from, to uint32
		want     string
	}{
		{"known", 9, 99, `{"version":1,"uid_validity":1,"uids":[8,99]}`},
		{"unknown", 10, 99, `{"version":1,"uid_validity":1,"uids":[8,9]}`},
		{"clash", 9, 8, `{"version":1,"uid_validity":1,"uids":[8,9]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newStore(t, `{"version":1,"uid_validity":1,"uids":[8,9]}`, encode(t, body("8"), body("9")))
			if err := s.UpdateUID(tc.from, tc.to); err != nil {
				t.Fatalf("UpdateUID() failed: %v", err)
			}
			if got := readFile(t, s.IndexPath()); got != tc.want {
				t.Errorf("index = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSetUIDValidityFirstTime(t *testing.T) {
	s, _ := newStore(t, "", "")
	name, err := s.SetUIDValidity(555)
	if err != nil || name != "" {
		t.Fatalf("SetUIDValidity() = %q, %v, want \"\", nil", name, err)
	}
	if got, want := readFile(t, s.IndexPath()), `{"version":1,"uid_validity":555,"uids":[]}`; got != want {
		t.Errorf("index = %q, want %q", got, want)
	}
	if got := readFile(t, s.LogPath()); got != "" {
		t.Errorf("log = %q, want empty", got)
	}
}

func TestSetUIDValidityUnchanged(t *testing.T) {
	idx := `{"version":1,"uid_validity":555,"uids":[1]}`
	log := encode(t, body("1"))
	s, _ := newStore(t, idx, log)
	name, err := s.SetUIDValidity(555)
	if err != nil || name != "" {
		t.Fatalf("SetUIDValidity() = %q, %v, want \"\", nil", name, err)
	}
	if got := readFile(t, s.IndexPath()); got != idx {
		t.Errorf("index = %q, want %q", got, idx)
	}
	if got := readFile(t, s.LogPath()); got != log {
		t.Errorf("log = %q, want %q", got, log)
	}
}

func TestSetUIDValidityChanged(t *testing.T) {
	idx := `{"version":1,"uid_validity":100,"uids":[5,7]}`
	log := encode(t, body("5"), body("7"))
	s, _ := newStore(t, idx, log)

	name, err := s.SetUIDValidity(200)
	if err != nil {
		t.Fatalf("SetUIDValidity() failed: %v", err)
	}
	if want := folder + ".1"; name != want {
		t.Errorf("SetUIDValidity() = %q, want %q", name, want)
	}
	if s.Name() != folder {
		t.Errorf("Name() = %q, want %q", s.Name(), folder)
	}

	archived := New(s.root, name, nil)
	if got := readFile(t, archived.IndexPath()); got != idx {
		t.Errorf("archived index = %q, want %q", got, idx)
	}
	if got := readFile(t, archived.LogPath()); got != log {
		t.Errorf("archived log = %q, want %q", got, log)
	}
	if got, want := readFile(t, s.IndexPath()), `{"version":1,"uid_validity":200,"uids":[]}`; got != want {
		t.Errorf("index = %q, want %q", got, want)
	}
	if got := readFile(t, s.LogPath()); got != "" {
		t.Errorf("log = %q, want empty", got)
	}
}

func TestSetUIDValidityNameCollision(t *testing.T) {
	s, _ := newStore(t, `{"version":1,"uid_validity":100,"uids":[5]}`, encode(t, body("5")))
	taken := New(s.root, folder+".1", nil)
	writeFile(t, taken.IndexPath(), "unrelated index")
	writeFile(t, taken.LogPath(), "unrelated log")
	// Half a pair is still in use.
	half := New(s.root, folder+".2", nil)
	writeFile(t, half.LogPath(), "stray log")

	name, err := s.SetUIDValidity(200)
	if err != nil {
		t.Fatalf("SetUIDValidity() failed: %v", err)
	}
	if want := folder + ".3"; name != want {
		t.Errorf("SetUIDValidity() = %q, want %q", name, want)
	}
	if got := readFile(t, taken.IndexPath()); got != "unrelated index" {
		t.Errorf("%s index overwritten with %q", taken.Name(), got)
	}
	if got := readFile(t, half.LogPath()); got != "stray log" {
		t.Errorf("%s log overwritten with %q", half.Name(), got)
	}
}

func TestAdoptUIDValidity(t *testing.T) {
	s, _ := newStore(t, `{"version":1,"uid_validity":9999,"uids":[1,2]}`, encode(t, body("1"), body("2")))
	if err := s.AdoptUIDValidity(1); err != nil {
		t.Fatalf("AdoptUIDValidity() failed: %v", err)
	}
	if got, want := readFile(t, s.IndexPath()), `{"version":1,"uid_validity":1,"uids":[1,2]}`; got != want {
		t.Errorf("index = %q, want %q", got, want)
	}
}

func TestRename(t *testing.T) {
	idx := `{"version":1,"uid_validity":1,"uids":[1]}`
	log := encode(t, body("1"))
	s, _ := newStore(t, idx, log)
	oldIndex, oldLog := s.IndexPath(), s.LogPath()

	if err := s.Rename("other/place"); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}
	if s.Name() != "other/place" {
		t.Errorf("Name() = %q, want %q", s.Name(), "other/place")
	}
	for _, p := range []string{oldIndex, oldLog} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after rename", p)
		}
	}
	if got := readFile(t, s.IndexPath()); got != idx {
		t.Errorf("index = %q, want %q", got, idx)
	}
	raw, ok, err := s.Load(1)
	if err != nil || !ok || string(raw) != body("1") {
		t.Errorf("Load(1) after rename = %q, %v, %v", raw, ok, err)
	}
}

func TestRenameOntoExistingFolder(t *testing.T) {
	s, _ := newStore(t, `{"version":1,"uid_validity":1,"uids":[]}`, "")
	writeFile(t, s.LogPath(), "")
	other := New(s.root, "taken", nil)
	writeFile(t, other.IndexPath(), "keep me")

	if err := s.Rename("taken"); err == nil {
		t.Fatalf("Rename() onto an existing folder succeeded, want error")
	}
	if got := readFile(t, other.IndexPath()); got != "keep me" {
		t.Errorf("existing index overwritten with %q", got)
	}
}

func TestFolders(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"INBOX", "my/folder", "my/folder.1"} {
		if _, err := New(root, name, nil).UIDs(); err != nil {
			t.Fatal(err)
		}
	}
	got, err := Folders(root)
	if err != nil {
		t.Fatalf("Folders() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"INBOX", "my/folder", "my/folder.1"}, got); diff != "" {
		t.Errorf("Folders() mismatch (-want +got):\n%s", diff)
	}
}
