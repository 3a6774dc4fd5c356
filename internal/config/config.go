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

// Package config loads the YAML description of the accounts to back
// up.
package config

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mantisek/imap-backup/internal/homedir"
	"github.com/mantisek/imap-backup/internal/tokencmd"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	yaml "gopkg.in/yaml.v2"
)

const (
	defaultDir             = "~/.imap-backup"
	defaultParallel        = 2
	defaultConnectAttempts = 3
)

// Connection security values.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// DefaultPath is where the configuration is read from when no path is
// given.
func DefaultPath() string {
	return homedir.Expand(defaultDir + "/config.yaml")
}

// OAuth2 holds what is needed to obtain access tokens for XOAUTH2
// authentication, either by refreshing a stored token or by running a
// helper program.
type OAuth2 struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	RefreshToken string   `yaml:"refresh_token"`
	Scopes       []string `yaml:"scopes"`

	// A program and its arguments printing an access token.  When
	// set, the fields above are not used.
	TokenCommand []string `yaml:"token_command"`
}

// TokenSource returns a source of access tokens for username which
// renews them as they expire.
func (o *OAuth2) TokenSource(ctx context.Context, username string) (oauth2.TokenSource, error) {
	if len(o.TokenCommand) > 0 {
		return tokencmd.New(ctx, o.TokenCommand, username)
	}
	cfg := &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: o.TokenURL},
		Scopes:       o.Scopes,
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: o.RefreshToken}), nil
}

type Account struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Server   string `yaml:"server"`

	// Defaults to 993 for "tls" and 143 otherwise.
	Port int `yaml:"port"`

	// One of "tls" (the default), "starttls" or "none".
	Security string `yaml:"security"`

	// The directory holding the account's backup.
	LocalPath string `yaml:"local_path"`

	// The mailboxes to back up.  Empty means every selectable
	// mailbox on the server.
	Folders []string `yaml:"folders"`

	// Pacing of requests to the server.  Zero means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	ConnectAttempts int `yaml:"connect_attempts"`

	OAuth2 *OAuth2 `yaml:"oauth2"`
}

// Address returns the server's host:port.
func (a *Account) Address() string {
	return net.JoinHostPort(a.Server, strconv.Itoa(a.Port))
}

type Config struct {
	// Path of the run journal database.
	Journal string `yaml:"journal"`

	// How many accounts are processed at the same time.
	Parallel int `yaml:"parallel"`

	Accounts []Account `yaml:"accounts"`
}

// Account returns the account with the given username.
func (c *Config) Account(username string) (*Account, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].Username == username {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read configuration")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration, filling in defaults.
// Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultLocalPath(username string) string {
	return defaultDir + "/" + strings.ReplaceAll(username, "@", "_")
}

func (c *Config) setDefaults() {
	if c.Journal == "" {
		c.Journal = defaultDir + "/journal.db"
	}
	c.Journal = homedir.Expand(c.Journal)
	if c.Parallel < 1 {
		c.Parallel = defaultParallel
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Security == "" {
			a.Security = SecurityTLS
		}
		if a.Port == 0 {
			if a.Security == SecurityTLS {
				a.Port = 993
			} else {
				a.Port = 143
			}
		}
		if a.LocalPath == "" && a.Username != "" {
			a.LocalPath = defaultLocalPath(a.Username)
		}
		a.LocalPath = filepath.Clean(homedir.Expand(a.LocalPath))
		if a.ConnectAttempts < 1 {
			a.ConnectAttempts = defaultConnectAttempts
		}
		if a.Burst < 1 {
			a.Burst = 1
		}
	}
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return errors.New("no accounts configured")
	}
	seen := make(map[string]bool)
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Username == "" {
			return errors.Errorf("account %d: username is required", i+1)
		}
		if seen[a.Username] {
			return errors.Errorf("account %s: configured twice", a.Username)
		}
		seen[a.Username] = true
		if a.Server == "" {
			return errors.Errorf("account %s: server is required", a.Username)
		}
		switch a.Security {
		case SecurityTLS, SecurityStartTLS, SecurityNone:
		default:
			return errors.Errorf("account %s: unknown security %q", a.Username, a.Security)
		}
		if a.Port < 1 || a.Port > 65535 {
			return errors.Errorf("account %s: invalid port %d", a.Username, a.Port)
		}
		if a.RequestsPerSecond < 0 {
			return errors.Errorf("account %s: requests_per_second must not be negative", a.Username)
		}
		if o := a.OAuth2; o != nil {
			if len(o.TokenCommand) == 0 && (o.ClientID == "" || o.TokenURL == "" || o.RefreshToken == "") {
				return errors.Errorf("account %s: oauth2 needs token_command, or client_id, token_url and refresh_token", a.Username)
			}
		} else if a.Password == "" {
			return errors.Errorf("account %s: password or oauth2 is required", a.Username)
		}
	}
	return nil
}
