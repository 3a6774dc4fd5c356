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

// The imap-backup command copies IMAP mailboxes to local mboxrd files
// and back.
//
// Usage:
//
//	imap-backup [flags] [backup|restore|status]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/mantisek/imap-backup/internal/config"
	"github.com/mantisek/imap-backup/internal/event"
	"github.com/mantisek/imap-backup/internal/persist"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagConfig  = flag.String("c", "", "configuration file (default "+config.DefaultPath()+")")
	flagVerbose = flag.Bool("v", false, "log debug events")
	flagTrace   = flag.Bool("T", false, "log IMAP protocol traffic; implies -v")
	flagAccount = flag.String("a", "", "only process the account with this username")
)

func selectAccounts(cfg *config.Config, username string) ([]*config.Account, error) {
	if username != "" {
		a, ok := cfg.Account(username)
		if !ok {
			return nil, errors.Errorf("no account %q in the configuration", username)
		}
		return []*config.Account{a}, nil
	}
	accounts := make([]*config.Account, 0, len(cfg.Accounts))
	for i := range cfg.Accounts {
		accounts = append(accounts, &cfg.Accounts[i])
	}
	return accounts, nil
}

func run(ctx context.Context, command string, sink event.Sink) error {
	path := *flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	accounts, err := selectAccounts(cfg, *flagAccount)
	if err != nil {
		return err
	}

	db, err := persist.Open(ctx, cfg.Journal, sink)
	if err != nil {
		return errors.Wrap(err, "unable to open the run journal")
	}
	defer db.Close()

	var direction string
	switch command {
	case "status":
		return status(ctx, os.Stdout, db, accounts)
	case "backup":
		direction = persist.Backup
	case "restore":
		direction = persist.Restore
	default:
		return errors.Errorf("unknown command %q", command)
	}

	var g errgroup.Group
	g.SetLimit(cfg.Parallel)
	for _, a := range accounts {
		a := a // per-iteration copy; go directive is 1.21
		g.Go(func() error {
			return (&accountRun{
				account:   a,
				direction: direction,
				db:        db,
				sink:      event.With(sink, "account", a.Username),
				trace:     *flagTrace,
			}).run(ctx)
		})
	}
	return g.Wait()
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [backup|restore|status]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	command := "backup"
	switch flag.NArg() {
	case 0:
	case 1:
		command = flag.Arg(0)
	default:
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *flagVerbose || *flagTrace {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, command, event.Slog(logger)); err != nil {
		logger.Error("failed", "error", err)
		stop()
		os.Exit(1)
	}
}
