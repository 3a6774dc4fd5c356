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

/*
Package tokencmd obtains OAuth 2.0 access tokens by running an external
program, such as a password store or a provider CLI, for accounts whose
tokens are managed elsewhere.

The program is run with the account's user name as its last argument
and must print the access token on stdout.

BUGS:

The program does not report when the token expires, so tokens are
assumed to be good for five minutes.  A server may reject a token
before that.
*/
package tokencmd

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const tokenLifetime = 5 * time.Minute

// commandTokenSource encodes the information required to run an
// external program to retrieve a bearer token for a given user.
type commandTokenSource struct {
	ctx  context.Context
	argv []string
	user string
	now  func() time.Time
}

// Token returns a new token for the user by executing the program.
// Satisfies oauth2.TokenSource.
func (s *commandTokenSource) Token() (*oauth2.Token, error) {
	args := append(append([]string{}, s.argv[1:]...), s.user)
	cmd := exec.CommandContext(s.ctx, s.argv[0], args...)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "token command %q failed: %s", s.argv[0], strings.TrimSpace(stderr.String()))
	}

	accessToken := strings.TrimSpace(out.String())
	if accessToken == "" {
		return nil, errors.Errorf("token command %q printed no token", s.argv[0])
	}
	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      s.now().Add(tokenLifetime),
	}, nil
}

// New returns a token source running argv for user.  Tokens are
// reused until they are assumed expired.
func New(ctx context.Context, argv []string, user string) (oauth2.TokenSource, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("empty token command")
	}
	src := &commandTokenSource{ctx: ctx, argv: argv, user: user, now: time.Now}
	return oauth2.ReuseTokenSource(nil, src), nil
}
