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

// Package mboxrd converts messages to and from the mboxrd dialect of
// the mbox format.
//
// Each stored entry starts with a delimiter line of the form
//
//	From <sender> <asctime>
//
// Body lines which start with zero or more '>' followed by "From " gain
// one extra '>' on the way in and lose it on the way out, so the only
// unquoted "From " lines in a file are delimiters.
package mboxrd

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
)

var (
	ErrEmptyMessage = errors.New("message has no content")

	escapeRE   = regexp.MustCompile(`(?m)^(>*From )`)
	unescapeRE = regexp.MustCompile(`(?m)^>(>*From )`)
)

const delimiter = "From "

// Envelope returns the first address of the message's From header and
// the message's Date header.  Either is zero when missing or
// unparseable.
func Envelope(raw []byte) (sender string, date time.Time) {
	// A malformed header still yields the fields read before the
	// problem, which is good enough here.
	th, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	h := mail.Header{Header: gomessage.Header{Header: th}}

	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		sender = addrs[0].Address
	}
	if d, err := h.Date(); err == nil {
		date = d
	}
	return sender, date
}

// DelimiterLine returns the line which introduces an entry, including
// its newline.  The time field is left empty for a zero date.
func DelimiterLine(sender string, date time.Time) string {
	asctime := ""
	if !date.IsZero() {
		asctime = date.Format(time.ANSIC)
	}
	return delimiter + sender + " " + asctime + "\n"
}

// Escape adds one '>' to every line matching ^>*From .
func Escape(body []byte) []byte {
	return escapeRE.ReplaceAll(body, []byte(">$1"))
}

// Unescape removes one '>' from every line matching ^>+From .
func Unescape(body []byte) []byte {
	return unescapeRE.ReplaceAll(body, []byte("$1"))
}

// Encode returns the stored form of a raw message: a delimiter line
// built from the message's envelope followed by the escaped body.  The
// result always ends in a newline.
func Encode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	sender, date := Envelope(raw)

	var b bytes.Buffer
	b.Grow(len(raw) + 64)
	b.WriteString(DelimiterLine(sender, date))
	b.Write(Escape(raw))
	if !bytes.HasSuffix(raw, []byte("\n")) {
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

// Decode returns the raw message held by a stored entry.  The
// delimiter line, if present, is discarded.
func Decode(entry []byte) []byte {
	if isDelimiter(entry) {
		if i := bytes.IndexByte(entry, '\n'); i >= 0 {
			entry = entry[i+1:]
		} else {
			entry = nil
		}
	}
	return Unescape(entry)
}

func isDelimiter(line []byte) bool {
	return bytes.HasPrefix(line, []byte(delimiter))
}

// HasDelimiterPrefix reports whether data is empty or starts with a
// delimiter line, which is the case for every well formed file.
func HasDelimiterPrefix(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if len(data) < len(delimiter) {
		return false
	}
	return isDelimiter(data)
}

// Scanner reads successive stored entries from an mboxrd file.  It
// behaves like bufio.Scanner.
type Scanner struct {
	r       *bufio.Reader
	pending []byte // delimiter line of the next entry
	entry   []byte
	eof     bool
	err     error
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Scan advances to the next entry.  Text before the first delimiter
// line, if any, is returned as an entry of its own.
func (s *Scanner) Scan() bool {
	if s.err != nil || (s.eof && s.pending == nil) {
		return false
	}
	entry := s.pending
	s.pending = nil
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			if isDelimiter(line) && len(entry) > 0 {
				s.pending = line
				s.entry = entry
				return true
			}
			entry = append(entry, line...)
		}
		if err == io.EOF {
			s.eof = true
			if len(entry) == 0 {
				return false
			}
			s.entry = entry
			return true
		}
		if err != nil {
			s.err = err
			return false
		}
	}
}

// Entry returns the entry read by the last successful Scan, delimiter
// line included.
func (s *Scanner) Entry() []byte {
	return s.entry
}

func (s *Scanner) Err() error {
	return s.err
}
