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

package imapsession

import (
	"crypto/tls"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/mantisek/imap-backup/internal/imapfolder"
	"github.com/pkg/errors"
)

func TestSelectError(t *testing.T) {
	no := &imap.Error{Type: imap.StatusResponseTypeNo, Text: "Mailbox doesn't exist: Foo"}
	bad := &imap.Error{Type: imap.StatusResponseTypeBad, Text: "Syntax error"}
	other := errors.New("connection reset")

	tests := []struct {
		err          error
		wantNotFound bool
	}{
		{no, true},
		{errors.Wrap(no, "select"), true},
		{bad, false},
		{other, false},
	}
	for _, tt := range tests {
		if got := errors.Is(selectError(tt.err), imapfolder.ErrMailboxNotFound); got != tt.wantNotFound {
			t.Errorf("selectError(%v) is not found = %v, want %v", tt.err, got, tt.wantNotFound)
		}
	}
}

func TestAppendError(t *testing.T) {
	tryCreate := &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate, Text: "no such mailbox"}
	tooBig := &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTooBig, Text: "message too big"}

	if err := appendError(tryCreate); !errors.Is(err, imapfolder.ErrMailboxNotFound) {
		t.Errorf("appendError(%v) = %v, want %v", tryCreate, err, imapfolder.ErrMailboxNotFound)
	}
	if err := appendError(tooBig); err != tooBig {
		t.Errorf("appendError(%v) = %v, want it unchanged", tooBig, err)
	}
}

func TestFlags(t *testing.T) {
	got := toIMAPFlags([]string{`\Seen`, `\Recent`, "$Label1"})
	want := []imap.Flag{imap.FlagSeen, "$Label1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("toIMAPFlags() mismatch (-want +got):\n%s", diff)
	}

	back := fromIMAPFlags([]imap.Flag{imap.FlagSeen, imap.FlagFlagged})
	if diff := cmp.Diff([]string{`\Seen`, `\Flagged`}, back); diff != "" {
		t.Errorf("fromIMAPFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectable(t *testing.T) {
	list := []*imap.ListData{
		{Mailbox: "INBOX"},
		{Mailbox: "[Gmail]", Attrs: []imap.MailboxAttr{imap.MailboxAttrNoSelect, imap.MailboxAttrHasChildren}},
		{Mailbox: "[Gmail]/Sent Mail", Attrs: []imap.MailboxAttr{imap.MailboxAttrHasNoChildren}},
		{Mailbox: "Gone", Attrs: []imap.MailboxAttr{imap.MailboxAttrNonExistent}},
	}
	if diff := cmp.Diff([]string{"INBOX", "[Gmail]/Sent Mail"}, selectable(list)); diff != "" {
		t.Errorf("selectable() mismatch (-want +got):\n%s", diff)
	}
}

func TestXOAuth2Client(t *testing.T) {
	c := newXOAuth2Client("me@example.com", "ya29.token")
	mech, ir, err := c.Start()
	if err != nil {
		t.Fatal(err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("Start() mechanism = %q, want %q", mech, "XOAUTH2")
	}
	if want := "user=me@example.com\x01auth=Bearer ya29.token\x01\x01"; string(ir) != want {
		t.Errorf("Start() initial response = %q, want %q", ir, want)
	}
	resp, err := c.Next([]byte(`{"status":"400"}`))
	if err != nil || len(resp) != 0 {
		t.Errorf("Next() = %q, %v, want empty response", resp, err)
	}
}

func TestTLSConfig(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Address: "imap.example.com:993"}, "imap.example.com"},
		{Config{Address: "imap.example.com"}, "imap.example.com"},
		{Config{Address: "imap.example.com:993", TLSConfig: &tls.Config{ServerName: "other"}}, "other"},
	}
	for _, tt := range tests {
		if got := tt.cfg.tlsConfig().ServerName; got != tt.want {
			t.Errorf("Config{Address: %q}.tlsConfig().ServerName = %q, want %q", tt.cfg.Address, got, tt.want)
		}
	}
}
