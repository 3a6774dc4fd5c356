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

// Package tracewire records IMAP protocol traffic as debug events, with
// credentials removed.
package tracewire

import (
	"bytes"
	"strings"
	"sync"

	"github.com/mantisek/imap-backup/internal/event"
)

const redacted = "****"

// Writer is an io.Writer suitable as the debug writer of an IMAP
// client.  Every complete line written becomes one event.
type Writer struct {
	sink event.Sink

	mu      sync.Mutex
	partial []byte

	// Set after a command whose credentials follow on the next
	// client line: an AUTHENTICATE without an initial response, or a
	// LOGIN sending a literal.
	awaitingResponse bool
}

func New(sink event.Sink) *Writer {
	if sink == nil {
		sink = event.Discard
	}
	return &Writer{sink: sink}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.partial[:i]), "\r")
		w.partial = w.partial[i+1:]
		w.emit(line)
	}
	return len(p), nil
}

// Flush records whatever was written after the last newline.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *Writer) emit(line string) {
	if w.awaitingResponse && !strings.HasPrefix(line, "+") {
		// A literal may be followed by another one.
		w.awaitingResponse = endsWithLiteral(line)
		line = redacted
	} else {
		var pending bool
		line, pending = Redact(line)
		w.awaitingResponse = w.awaitingResponse || pending
	}
	w.sink.Record(event.Event{Level: event.Debug, Msg: "imap", Attrs: []any{"data", line}})
}

func endsWithLiteral(line string) bool {
	return strings.HasSuffix(line, "}")
}

// Redact removes the password of a LOGIN command and the initial
// response of an AUTHENTICATE command from line.  pending reports that
// credentials follow on a later line: an AUTHENTICATE without an
// initial response, or a LOGIN ending in a literal.
func Redact(line string) (redactedLine string, pending bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return line, false
	}
	switch strings.ToUpper(fields[1]) {
	case "LOGIN":
		return strings.Join([]string{fields[0], fields[1], redacted}, " "), endsWithLiteral(line)
	case "AUTHENTICATE":
		if len(fields) < 3 {
			return line, false
		}
		if len(fields) == 3 {
			return line, true
		}
		return strings.Join([]string{fields[0], fields[1], fields[2], redacted}, " "), false
	}
	return line, false
}
