// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"strings"

	"github.com/cockroachdb/blockdiff/internal/compression"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// loadTxgDiffConfig resolves the txg-diff settings from the command's flags,
// the optional --config file and BLKDIFF_* environment variables. Flags set
// on the command line win over the environment, which wins over the file.
func loadTxgDiffConfig(cmd *cobra.Command) (*txgDiffConfig, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "binding flags")
	}
	v.SetEnvPrefix("BLKDIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	cfg := &txgDiffConfig{
		BlockSize:    v.GetInt("block-size"),
		TxgTimeout:   v.GetDuration("txg-timeout"),
		Verify:       v.GetBool("verify"),
		Iterations:   v.GetInt("iterations"),
		WritesPerTxg: v.GetInt("writes-per-txg"),
		Concurrency:  v.GetInt("concurrency"),
		Duration:     v.GetDuration("duration"),
		Seed:         v.GetUint64("seed"),
		MetricsAddr:  v.GetString("metrics-addr"),
		Plot:         v.GetBool("plot"),
		Verbose:      v.GetBool("verbose"),
	}
	var err error
	if cfg.Size, err = parseBytes("size", v.GetString("size")); err != nil {
		return nil, err
	}
	if cfg.DirtyDataSync, err = parseBytes("dirty-data-sync", v.GetString("dirty-data-sync")); err != nil {
		return nil, err
	}
	if cfg.WriteRate, err = parseBytes("write-rate", v.GetString("write-rate")); err != nil {
		return nil, err
	}
	if cfg.Compression, err = compression.ParseAlgorithm(v.GetString("compression")); err != nil {
		return nil, err
	}
	if cfg.Iterations == 0 && cfg.Duration == 0 {
		return nil, errors.New("one of --iterations or --duration must be non-zero")
	}
	return cfg, nil
}

// parseBytes parses a byte quantity such as "64MiB" or "4096".
func parseBytes(name, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid --%s", name)
	}
	return int64(n), nil
}
