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

// Package imapsession implements imapfolder.Session on top of an
// emersion/go-imap client connection.
package imapsession

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/mantisek/imap-backup/internal/event"
	"github.com/mantisek/imap-backup/internal/imapfolder"
	"github.com/mantisek/imap-backup/internal/message"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Security selects how the connection is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Config describes how to reach and log in to a server.
type Config struct {
	// host:port
	Address  string
	Security Security

	// Optional; the server name is taken from Address when nil.
	TLSConfig *tls.Config

	Username string

	// Used with LOGIN when TokenSource is nil.
	Password string

	// When set, the session authenticates with XOAUTH2 using tokens
	// from this source.
	TokenSource oauth2.TokenSource

	// How many times to try connecting before giving up.
	Attempts int

	DialTimeout time.Duration

	// Receives the protocol traffic when set.
	Trace io.Writer
}

// Session is a logged in connection.  It is not safe for concurrent
// use.
type Session struct {
	client *imapclient.Client
	sink   event.Sink
}

var _ imapfolder.Session = (*Session)(nil)

func (cfg Config) tlsConfig() *tls.Config {
	if cfg.TLSConfig != nil {
		return cfg.TLSConfig
	}
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		host = cfg.Address
	}
	return &tls.Config{ServerName: host}
}

func connect(ctx context.Context, cfg Config) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	opts := &imapclient.Options{
		TLSConfig:   cfg.tlsConfig(),
		DebugWriter: cfg.Trace,
	}
	switch cfg.Security {
	case SecurityTLS, "":
		tlsConn := tls.Client(conn, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return imapclient.New(tlsConn, opts), nil
	case SecurityStartTLS:
		client, err := imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return client, nil
	case SecurityNone:
		return imapclient.New(conn, opts), nil
	}
	conn.Close()
	return nil, errors.Errorf("unknown connection security %q", cfg.Security)
}

// Dial connects to the server and logs in.  Connecting is retried;
// a failed login is not.
func Dial(ctx context.Context, cfg Config, sink event.Sink) (*Session, error) {
	if sink == nil {
		sink = event.Discard
	}
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var client *imapclient.Client
	err := retry.Retry(func() error {
		c, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	}, attempts, func(err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		sink.Record(event.Event{Level: event.Warn, Msg: "unable to connect, retrying",
			Attrs: []any{"address", cfg.Address, "error", err}})
		return nil
	}, func() error {
		return ctx.Err()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to connect to %s", cfg.Address)
	}

	if err := login(client, cfg); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "unable to log in to %s as %s", cfg.Address, cfg.Username)
	}
	sink.Record(event.Event{Level: event.Debug, Msg: "logged in",
		Attrs: []any{"address", cfg.Address, "username", cfg.Username}})
	return &Session{client: client, sink: sink}, nil
}

func login(client *imapclient.Client, cfg Config) error {
	if cfg.TokenSource == nil {
		return client.Login(cfg.Username, cfg.Password).Wait()
	}
	token, err := cfg.TokenSource.Token()
	if err != nil {
		return errors.Wrap(err, "unable to get access token")
	}
	return client.Authenticate(newXOAuth2Client(cfg.Username, token.AccessToken))
}

// run executes a command, aborting the connection if ctx is done
// before the command completes.
func (s *Session) run(ctx context.Context, cmd func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { s.client.Close() })
	defer stop()
	err := cmd()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// statusError returns the server's status response carried by err, if
// any.
func statusError(err error) (*imap.Error, bool) {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return imapErr, true
	}
	return nil, false
}

// selectError maps a refused SELECT or EXAMINE to
// imapfolder.ErrMailboxNotFound.
func selectError(err error) error {
	if imapErr, ok := statusError(err); ok && imapErr.Type == imap.StatusResponseTypeNo {
		return errors.Wrap(imapfolder.ErrMailboxNotFound, imapErr.Text)
	}
	return err
}

// appendError maps a refused APPEND to a missing mailbox to
// imapfolder.ErrMailboxNotFound.
func appendError(err error) error {
	if imapErr, ok := statusError(err); ok && imapErr.Code == imap.ResponseCodeTryCreate {
		return errors.Wrap(imapfolder.ErrMailboxNotFound, imapErr.Text)
	}
	return err
}

func (s *Session) Select(ctx context.Context, mailbox string, readOnly bool) (uint32, error) {
	var data *imap.SelectData
	err := s.run(ctx, func() (err error) {
		data, err = s.client.Select(mailbox, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
		return err
	})
	if err != nil {
		return 0, selectError(err)
	}
	return data.UIDValidity, nil
}

func (s *Session) SearchAll(ctx context.Context) ([]uint32, error) {
	var data *imap.SearchData
	err := s.run(ctx, func() (err error) {
		data, err = s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		return err
	})
	if err != nil {
		return nil, err
	}
	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *Session) Fetch(ctx context.Context, uid uint32) (*message.Message, error) {
	// PEEK leaves \Seen alone.
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}
	var bufs []*imapclient.FetchMessageBuffer
	err := s.run(ctx, func() (err error) {
		bufs, err = s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), opts).Collect()
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, buf := range bufs {
		if uint32(buf.UID) != uid {
			continue
		}
		raw := buf.FindBodySection(section)
		if raw == nil {
			return nil, nil
		}
		return &message.Message{
			UID:          uid,
			Flags:        fromIMAPFlags(buf.Flags),
			InternalDate: buf.InternalDate,
			Raw:          raw,
		}, nil
	}
	return nil, nil
}

func (s *Session) Append(ctx context.Context, mailbox string, msg *message.Message) (imapfolder.AppendResult, error) {
	opts := &imap.AppendOptions{
		Flags: toIMAPFlags(msg.Flags),
		Time:  msg.InternalDate,
	}
	var data *imap.AppendData
	err := s.run(ctx, func() error {
		cmd := s.client.Append(mailbox, int64(len(msg.Raw)), opts)
		if _, err := cmd.Write(msg.Raw); err != nil {
			cmd.Close()
			return err
		}
		if err := cmd.Close(); err != nil {
			return err
		}
		var err error
		data, err = cmd.Wait()
		return err
	})
	if err != nil {
		return imapfolder.AppendResult{}, appendError(err)
	}
	return imapfolder.AppendResult{UIDValidity: data.UIDValidity, UID: uint32(data.UID)}, nil
}

func (s *Session) Create(ctx context.Context, mailbox string) error {
	err := s.run(ctx, func() error {
		return s.client.Create(mailbox, nil).Wait()
	})
	if imapErr, ok := statusError(err); ok && imapErr.Code == imap.ResponseCodeAlreadyExists {
		return nil
	}
	return err
}

// Mailboxes lists the names of all selectable mailboxes.
func (s *Session) Mailboxes(ctx context.Context) ([]string, error) {
	var list []*imap.ListData
	err := s.run(ctx, func() (err error) {
		list, err = s.client.List("", "*", nil).Collect()
		return err
	})
	if err != nil {
		return nil, err
	}
	return selectable(list), nil
}

func selectable(list []*imap.ListData) []string {
	var names []string
	for _, data := range list {
		if hasAttr(data.Attrs, imap.MailboxAttrNoSelect) || hasAttr(data.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		names = append(names, data.Mailbox)
	}
	return names
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		s.client.Close()
		return err
	}
	return s.client.Close()
}
