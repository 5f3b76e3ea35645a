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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/tracertea/src/keysweep/sweep"
)

// fileConfig is the on-disk configuration.  Absent fields keep their
// defaults; durations are Go duration strings such as "1s" or "30m".
type fileConfig struct {
	Alphabet        *string  `json:"alphabet" yaml:"alphabet"`
	Depth           *int     `json:"depth" yaml:"depth"`
	Prefix          *string  `json:"prefix" yaml:"prefix"`
	Endpoint        *string  `json:"endpoint" yaml:"endpoint"`
	Action          *string  `json:"action" yaml:"action"`
	Proxies         []string `json:"proxies" yaml:"proxies"`
	RequestTimeout  *string  `json:"request_timeout" yaml:"request_timeout"`
	BreakerCooldown *string  `json:"breaker_cooldown" yaml:"breaker_cooldown"`
	WindowSize      *int     `json:"window_size" yaml:"window_size"`
	Sentinel        *string  `json:"sentinel" yaml:"sentinel"`
	MaxAttempts     *int     `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase     *string  `json:"backoff_base" yaml:"backoff_base"`
	DataDir         *string  `json:"data_dir" yaml:"data_dir"`
	MaxPartBytes    *int64   `json:"max_part_bytes" yaml:"max_part_bytes"`
	MaxPartLines    *int64   `json:"max_part_lines" yaml:"max_part_lines"`
	Token           *string  `json:"token" yaml:"token"`
	TokenFile       *string  `json:"token_file" yaml:"token_file"`
	RefreshInterval *string  `json:"refresh_interval" yaml:"refresh_interval"`
	Verbose         *bool    `json:"verbose" yaml:"verbose"`
}

// options is everything main needs: the sweep configuration plus the
// settings of the session collaborator and the process itself.
type options struct {
	sweep           sweep.Config
	token           string
	tokenFile       string
	refreshInterval time.Duration
	configPath      string
	report          bool
	version         bool
}

const defaultRefreshInterval = 30 * time.Minute

func defaultDataDir(getenv func(string) string) string {
	if dir := getenv("KEYSWEEP_DATA_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".keysweep")
	}
	return ".keysweep"
}

func defaultOptions(getenv func(string) string) options {
	opts := options{
		sweep:           sweep.DefaultConfig(),
		token:           getenv("KEYSWEEP_TOKEN"),
		refreshInterval: defaultRefreshInterval,
		configPath:      getenv("KEYSWEEP_CONFIG"),
	}
	opts.sweep.DataDir = defaultDataDir(getenv)
	return opts
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flags := pflag.NewFlagSet(programName, pflag.ContinueOnError)
	flags.SortFlags = false
	c := &opts.sweep

	flags.StringVarP(&opts.configPath, "config", "c", opts.configPath, "JSONC or YAML configuration file")
	flags.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "URL of the lookup service")
	flags.StringVar(&c.Action, "action", c.Action, "Value of the action field sent with every lookup")
	flags.StringVar(&c.Alphabet, "alphabet", c.Alphabet, "Ordered symbols of the key suffix")
	flags.IntVar(&c.Depth, "depth", c.Depth, "Number of suffix symbols per key")
	flags.StringVar(&c.Prefix, "prefix", c.Prefix, "Fixed prefix of every key")
	flags.IntVarP(&c.WindowSize, "window", "w", c.WindowSize, "Number of lookups in flight per window")
	flags.StringVar(&c.Sentinel, "sentinel", c.Sentinel, "Case-insensitive message substring meaning the key is not assigned")
	flags.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "Attempts per key before giving up on transient failures")
	flags.DurationVar(&c.BackoffBase, "backoff-base", c.BackoffBase, "Attempt n waits backoff-base * 2^n before retrying")
	flags.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Overall timeout of a single request")
	flags.DurationVar(&c.BreakerCooldown, "breaker-cooldown", c.BreakerCooldown, "How long a failing proxy is taken out of rotation (0 means 5m)")
	flags.StringSliceVar(&c.Proxies, "proxy", nil, "Proxy for lookups (repeatable; http, https, socks5)")
	flags.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory holding the logs and checkpoint")
	flags.Int64Var(&c.MaxPartBytes, "max-part-bytes", c.MaxPartBytes, "Maximum size of a log part in bytes")
	flags.Int64Var(&c.MaxPartLines, "max-part-lines", c.MaxPartLines, "Maximum number of lines in a log part")
	flags.Uint64Var(&c.StartIndex, "start-index", 0, "First index to sweep when the checkpoint is behind it")
	flags.Uint64Var(&c.EndIndex, "end-index", 0, "Index to stop before (0 sweeps to the end of the key space)")
	flags.StringVar(&opts.token, "token", opts.token, "Bearer token (or set KEYSWEEP_TOKEN)")
	flags.StringVar(&opts.tokenFile, "token-file", "", "File holding the bearer token, re-read on every refresh")
	flags.DurationVar(&opts.refreshInterval, "refresh-interval", opts.refreshInterval, "How often to refresh the credential (0 disables)")
	flags.BoolVarP(&c.Verbose, "verbose", "v", false, "Log detailed progress to stderr")
	flags.BoolVar(&opts.report, "report", false, "Summarize the data directory and exit")
	flags.BoolVar(&opts.version, "version", false, "Print version and exit")
	return flags
}

// parseOptions builds the options from defaults, then the config file,
// then the command line, later sources winning.
func parseOptions(args []string, getenv func(string) string) (*options, error) {
	opts := defaultOptions(getenv)
	flags := newFlagSet(&opts)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(flags.Args(), " "))
	}
	if opts.configPath == "" {
		return &opts, nil
	}

	fc, err := loadConfigFile(opts.configPath)
	if err != nil {
		return nil, err
	}
	// Re-apply defaults and the file, then let explicitly set flags win.
	base := defaultOptions(getenv)
	base.configPath = opts.configPath
	if err := fc.apply(&base); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.configPath, err)
	}
	flags.Visit(func(f *pflag.Flag) {
		overrideFromFlag(&base, &opts, f.Name)
	})
	return &base, nil
}

func overrideFromFlag(dst, src *options, name string) {
	d, s := &dst.sweep, &src.sweep
	switch name {
	case "endpoint":
		d.Endpoint = s.Endpoint
	case "action":
		d.Action = s.Action
	case "alphabet":
		d.Alphabet = s.Alphabet
	case "depth":
		d.Depth = s.Depth
	case "prefix":
		d.Prefix = s.Prefix
	case "window":
		d.WindowSize = s.WindowSize
	case "sentinel":
		d.Sentinel = s.Sentinel
	case "max-attempts":
		d.MaxAttempts = s.MaxAttempts
	case "backoff-base":
		d.BackoffBase = s.BackoffBase
	case "request-timeout":
		d.RequestTimeout = s.RequestTimeout
	case "breaker-cooldown":
		d.BreakerCooldown = s.BreakerCooldown
	case "proxy":
		d.Proxies = s.Proxies
	case "data-dir":
		d.DataDir = s.DataDir
	case "max-part-bytes":
		d.MaxPartBytes = s.MaxPartBytes
	case "max-part-lines":
		d.MaxPartLines = s.MaxPartLines
	case "start-index":
		d.StartIndex = s.StartIndex
	case "end-index":
		d.EndIndex = s.EndIndex
	case "verbose":
		d.Verbose = s.Verbose
	case "token":
		dst.token = src.token
	case "token-file":
		dst.tokenFile = src.tokenFile
	case "refresh-interval":
		dst.refreshInterval = src.refreshInterval
	case "report":
		dst.report = src.report
	case "version":
		dst.version = src.version
	}
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", simplifyError(err))
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: invalid YAML: %w", path, err)
		}
	default:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid JSONC: %w", path, err)
		}
		decoder := json.NewDecoder(bytes.NewReader(standardized))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&fc); err != nil {
			return nil, fmt.Errorf("%s: invalid JSON: %w", path, err)
		}
	}
	return &fc, nil
}

func (fc *fileConfig) apply(opts *options) error {
	c := &opts.sweep
	setString(&c.Alphabet, fc.Alphabet)
	setInt(&c.Depth, fc.Depth)
	setString(&c.Prefix, fc.Prefix)
	setString(&c.Endpoint, fc.Endpoint)
	setString(&c.Action, fc.Action)
	if fc.Proxies != nil {
		c.Proxies = fc.Proxies
	}
	setInt(&c.WindowSize, fc.WindowSize)
	setString(&c.Sentinel, fc.Sentinel)
	setInt(&c.MaxAttempts, fc.MaxAttempts)
	setString(&c.DataDir, fc.DataDir)
	if fc.MaxPartBytes != nil {
		c.MaxPartBytes = *fc.MaxPartBytes
	}
	if fc.MaxPartLines != nil {
		c.MaxPartLines = *fc.MaxPartLines
	}
	if fc.Verbose != nil {
		c.Verbose = *fc.Verbose
	}
	setString(&opts.token, fc.Token)
	setString(&opts.tokenFile, fc.TokenFile)

	for _, d := range []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"request_timeout", fc.RequestTimeout, &c.RequestTimeout},
		{"breaker_cooldown", fc.BreakerCooldown, &c.BreakerCooldown},
		{"backoff_base", fc.BackoffBase, &c.BackoffBase},
		{"refresh_interval", fc.RefreshInterval, &opts.refreshInterval},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
