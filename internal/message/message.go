package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// Message defines a complete message as held by a mailbox.
type Message struct {
	// The message's identifier within its mailbox.  Only unique
	// within one UID validity epoch of that mailbox.  Zero when
	// the message has not been assigned one (e.g. before an
	// append).
	UID uint32

	// The message's flags, e.g. `\Seen`.  May be empty.
	Flags []string

	// The date the server received the message.  May be zero.
	InternalDate time.Time

	// The entire email message in RFC 2822 format, with lines
	// terminated by "\n".
	Raw []byte
}

// Size returns the size of the raw message in bytes.
func (m *Message) Size() uint64 {
	return uint64(len(m.Raw))
}
