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

package sync

// This file declares what the synchronization needs from each side.

import (
	"context"

	"github.com/mantisek/imap-backup/internal/message"
)

// MessageLister lists the UIDs of all messages in a mailbox.
type MessageLister interface {
	UIDs(ctx context.Context) ([]uint32, error)
}

// MessageFetcher gets single messages from a mailbox.  A nil message
// means the message is not available.
type MessageFetcher interface {
	Fetch(ctx context.Context, uid uint32) (*message.Message, error)
}

// MessageAppender adds messages to a mailbox and reports the UID
// assigned to them.
type MessageAppender interface {
	Append(ctx context.Context, msg *message.Message) (uint32, error)
}

// MailboxManager gives access to per mailbox metadata on a server.
type MailboxManager interface {
	Name() string
	UIDValidity(ctx context.Context) (v uint32, ok bool, err error)
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context) error
}

// RemoteFolder provides all actions available on a server mailbox.
type RemoteFolder interface {
	MessageLister
	MessageFetcher
	MessageAppender
	MailboxManager
}

// LocalFolder is the local copy of a mailbox.
type LocalFolder interface {
	Name() string
	UIDs() ([]uint32, error)
	Save(uid uint32, raw []byte) error
	Load(uid uint32) (raw []byte, ok bool, err error)
	UpdateUID(oldUID, newUID uint32) error
	SetUIDValidity(v uint32) (archivedAs string, err error)
	AdoptUIDValidity(v uint32) error
}
