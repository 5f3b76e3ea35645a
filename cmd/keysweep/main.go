// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/tracertea/src/keysweep/lookupclient"
	"github.com/tracertea/src/keysweep/session"
	"github.com/tracertea/src/keysweep/sweep"
)

var programName = "keysweep"
var Version = "unknown"
var Source = "unknown"

func keysweepVersion() (string, string) {
	if buildinfo, ok := debug.ReadBuildInfo(); ok && strings.HasPrefix(buildinfo.Main.Version, "v") {
		return strings.TrimPrefix(buildinfo.Main.Version, "v"), buildinfo.Main.Path
	} else {
		return Version, Source
	}
}

func simplifyError(err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err
	}

	return err
}

func newLogger(verbose bool, runID string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("run_id", runID))
}

func newProvider(opts *options) (session.Provider, error) {
	switch {
	case opts.tokenFile != "":
		return &session.FileProvider{Path: opts.tokenFile}, nil
	case opts.token != "":
		return &session.StaticProvider{Token: opts.token}, nil
	default:
		return nil, errors.New("no credential: specify --token, --token-file, or KEYSWEEP_TOKEN")
	}
}

func main() {
	version, source := keysweepVersion()
	lookupclient.UserAgent = fmt.Sprintf("keysweep/%s (%s; +https://github.com/tracertea/src)", version, source)

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		os.Exit(2)
	}
	if opts.version {
		fmt.Fprintf(os.Stdout, "keysweep version %s (%s)\n", version, source)
		os.Exit(0)
	}

	runID := uuid.New().String()
	logger := newLogger(opts.sweep.Verbose, runID)
	config := &opts.sweep
	config.RunID = runID
	config.Logger = logger

	if opts.report {
		summary, err := sweep.Summarize(config.DataDir, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", programName, simplifyError(err))
			os.Exit(1)
		}
		if _, err := summary.WriteTo(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	provider, err := newProvider(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		os.Exit(2)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid configuration:\n%s\n", programName, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cell := new(session.Cell)
	meta := session.ClientMeta{UserAgent: lookupclient.UserAgent, RunID: runID}
	if err := session.Login(ctx, provider, meta, cell); err != nil {
		fmt.Fprintf(os.Stderr, "%s: login failed: %s\n", programName, simplifyError(err))
		os.Exit(1)
	}
	config.Credentials = cell

	if opts.refreshInterval > 0 {
		refresher := &session.Refresher{
			Provider: provider,
			Cell:     cell,
			Interval: opts.refreshInterval,
			Logger:   logger,
		}
		go refresher.Run(ctx)
	}

	if err := sweep.Run(ctx, config); err == nil {
		os.Exit(0)
	} else if ctx.Err() == context.Canceled && errors.Is(err, context.Canceled) {
		logger.Info("exiting due to SIGINT or SIGTERM; the current window will be replayed on the next run")
		os.Exit(0)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		os.Exit(1)
	}
}
