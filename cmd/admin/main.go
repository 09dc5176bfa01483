// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Operator CLI.
//
// Works directly against the configured stores, so it needs no model
// credentials. Resumed emails are injected by the next batch run.
//
// Usage:
//
//	go run ./cmd/admin/ assign [--reprocess] <sender> <competitor>
//	go run ./cmd/admin/ delete-sender <sender>
//	go run ./cmd/admin/ reject <email-id>
//	go run ./cmd/admin/ review
//	go run ./cmd/admin/ senders
//	go run ./cmd/admin/ emails [--status PROCESSED_UNMATCHED] [--limit 20]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/compintel/ingestion/internal/app"
	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/pipeline"
)

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	})))

	ctx := context.Background()
	a, err := app.Base(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open stores: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	err = run(ctx, a.Admin, os.Args[1], os.Args[2:], os.Stdout)
	if errors.Is(err, errUsage) {
		usage()
		a.Close()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		a.Close()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: admin <command> [flags] [args]

commands:
  assign [--reprocess] <sender> <competitor>   sticky manual assignment
  delete-sender <sender>                       remove an unassigned sender
  reject <email-id>                            reject an email and archive it
  review                                       list unmatched emails
  senders                                      list sender stats
  emails [--status S] [--limit N]              list recent emails
`)
}

func run(ctx context.Context, admin *pipeline.Admin, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	switch cmd {
	case "assign":
		reprocess := fs.Bool("reprocess", false, "resume the sender's unmatched emails")
		if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
			return errUsage
		}
		res, err := admin.AssignSender(ctx, fs.Arg(0), fs.Arg(1), *reprocess)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "assigned %s to %s (%d emails resumed)\n", res.Sender, res.Competitor, res.Resumed)
		return nil

	case "delete-sender":
		if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
			return errUsage
		}
		if err := admin.DeleteSender(ctx, fs.Arg(0)); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", fs.Arg(0))
		return nil

	case "reject":
		if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
			return errUsage
		}
		rec, err := admin.RejectEmail(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return printJSON(out, rec)

	case "review":
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		emails, err := admin.ReviewQueue(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, emails)

	case "senders":
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		senders, err := admin.Senders(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, senders)

	case "emails":
		status := fs.String("status", "", "filter by status")
		limit := fs.Int("limit", 20, "maximum emails")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		var st models.Status
		if *status != "" {
			parsed, err := models.ParseStatus(strings.ToUpper(*status))
			if err != nil {
				return err
			}
			st = parsed
		}
		emails, err := admin.RecentEmails(ctx, st, *limit)
		if err != nil {
			return err
		}
		return printJSON(out, emails)

	default:
		return errUsage
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
