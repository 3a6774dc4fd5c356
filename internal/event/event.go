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

// Package event carries warnings and progress notes out of the backup
// components without tying them to a process-wide logger.
package event

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Level orders events by severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Event is a single structured record.
type Event struct {
	Level Level

	// The mailbox (or local folder name) the event concerns.  May
	// be empty for account level events.
	Folder string

	Msg string

	// Alternating key/value pairs, as accepted by slog.
	Attrs []any
}

// Sink receives events.  Implementations must be safe for concurrent
// use; folders of different accounts are processed in parallel.
type Sink interface {
	Record(e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Event)

func (f SinkFunc) Record(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Slog returns a Sink writing to the given slog.Logger.  The folder is
// added as the "mailbox" attribute.
func Slog(logger *slog.Logger) Sink {
	return slogSink{logger: logger}
}

type slogSink struct {
	logger *slog.Logger
}

func (s slogSink) Record(e Event) {
	attrs := e.Attrs
	if e.Folder != "" {
		attrs = append([]any{"mailbox", e.Folder}, attrs...)
	}
	s.logger.Log(context.Background(), slogLevel(e.Level), e.Msg, attrs...)
}

func slogLevel(l Level) slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// With returns a Sink that adds attrs to every event passed on to s.
func With(s Sink, attrs ...any) Sink {
	if len(attrs) == 0 {
		return s
	}
	return SinkFunc(func(e Event) {
		e.Attrs = append(append([]any{}, attrs...), e.Attrs...)
		s.Record(e)
	})
}

// Recorder keeps every event in memory.  Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns the number of recorded events at level whose message
// contains substr.
func (r *Recorder) Count(level Level, substr string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			n++
		}
	}
	return n
}
