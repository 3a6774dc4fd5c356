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

// This file converts between message flags and their IMAP form, and
// provides the XOAUTH2 SASL mechanism.

import (
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"
	"github.com/sqs/go-xoauth2"
)

func fromIMAPFlags(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}

// toIMAPFlags drops \Recent, which clients may not set.
func toIMAPFlags(flags []string) []imap.Flag {
	var out []imap.Flag
	for _, f := range flags {
		if strings.EqualFold(f, `\Recent`) {
			continue
		}
		out = append(out, imap.Flag(f))
	}
	return out
}

type xoauth2Client struct {
	initialResponse []byte
}

func newXOAuth2Client(username, accessToken string) sasl.Client {
	// The SASL client base64-encodes the initial response itself.
	return &xoauth2Client{initialResponse: []byte(xoauth2.OAuth2String(username, accessToken))}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	return "XOAUTH2", c.initialResponse, nil
}

// Next answers the error challenge a server sends before rejecting the
// token with an empty response, as the mechanism requires.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
