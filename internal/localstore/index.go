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

// This file holds the on-disk index record and its validation.

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// CurrentVersion is the index schema version written by this package.
// Index files recording any other version are discarded.
const CurrentVersion = 1

// index is the content of a folder's ".imap" file.
//
// Field order matters: it is the order of the keys in the file.
type index struct {
	Version int `json:"version"`

	// The UIDVALIDITY of the mailbox the UIDs belong to.  Nil
	// until the first reconciliation with the server.
	UIDValidity *uint32 `json:"uid_validity"`

	// The UIDs of the messages in the log, in log order.  Never
	// nil, so that it is written as [] rather than null.
	UIDs []uint32 `json:"uids"`
}

// errInvalidIndex is the single outcome of every validation failure.
// Callers treat it as "reset the folder", whatever the detail.
var errInvalidIndex = errors.New("invalid index")

func invalid(format string, args ...interface{}) error {
	return errors.Wrap(errInvalidIndex, fmt.Sprintf(format, args...))
}

// parseIndex decodes and validates the content of an index file.
func parseIndex(data []byte) (index, error) {
	var idx index
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		return idx, invalid("content is not a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return idx, invalid("unparseable JSON: %v", err)
	}

	raw, ok := fields["version"]
	if !ok {
		return idx, invalid("no version")
	}
	if err := json.Unmarshal(raw, &idx.Version); err != nil {
		return idx, invalid("version %s is not an integer", raw)
	}
	if idx.Version != CurrentVersion {
		return idx, invalid("version %d, want %d", idx.Version, CurrentVersion)
	}

	raw, ok = fields["uids"]
	if !ok {
		return idx, invalid("no uids")
	}
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return idx, invalid("uids is not a list")
	}
	if err := json.Unmarshal(raw, &idx.UIDs); err != nil {
		return idx, invalid("uids: %v", err)
	}
	seen := make(map[uint32]bool, len(idx.UIDs))
	for _, uid := range idx.UIDs {
		if seen[uid] {
			return idx, invalid("duplicate uid %d", uid)
		}
		seen[uid] = true
	}

	if raw, ok = fields["uid_validity"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		var v uint32
		if err := json.Unmarshal(raw, &v); err != nil {
			return idx, invalid("uid_validity: %v", err)
		}
		idx.UIDValidity = &v
	}
	return idx, nil
}

func (idx *index) marshal() ([]byte, error) {
	if idx.UIDs == nil {
		idx.UIDs = []uint32{}
	}
	idx.Version = CurrentVersion
	return json.Marshal(idx)
}

func (idx *index) position(uid uint32) int {
	for i, u := range idx.UIDs {
		if u == uid {
			return i
		}
	}
	return -1
}
