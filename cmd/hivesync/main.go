// Copyright 2025 The hivesync Authors
// This file is part of hivesync.
//
// hivesync is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// hivesync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with hivesync. If not, see <http://www.gnu.org/licenses/>.

// hivesync is the chain indexing daemon: it consumes blocks from a steemd
// node and maintains the derived social state in MySQL.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/openhive/hivesync/db"
	"github.com/openhive/hivesync/indexer"
	"github.com/openhive/hivesync/steem"
)

var (
	steemdEndpointFlag = &cli.StringFlag{
		Name:    "steemd-endpoint",
		Usage:   "Steemd JSON-RPC endpoint (append #appbase for appbase nodes)",
		Value:   "https://api.steemit.com#appbase",
		EnvVars: []string{"STEEMD_URL"},
	}
	databaseURLFlag = &cli.StringFlag{
		Name:    "database-url",
		Usage:   "MySQL connection url or DSN",
		EnvVars: []string{"DATABASE_URL"},
	}
	maxWorkersFlag = &cli.IntFlag{
		Name:    "max-workers",
		Usage:   "Concurrent upstream batch requests (max 500)",
		Value:   1,
		EnvVars: []string{"MAX_WORKERS"},
	}
	maxBatchFlag = &cli.IntFlag{
		Name:    "max-batch",
		Usage:   "JSON-RPC batch size per request (max 5000)",
		Value:   100,
		EnvVars: []string{"MAX_BATCH"},
	}
	trailBlocksFlag = &cli.IntFlag{
		Name:    "trail-blocks",
		Usage:   "Number of blocks to trail head by in live mode (max 24)",
		Value:   2,
		EnvVars: []string{"TRAIL_BLOCKS"},
	}
	checkpointDirFlag = &cli.StringFlag{
		Name:    "checkpoint-dir",
		Usage:   "Directory of local block dumps for initial sync (empty = disabled)",
		EnvVars: []string{"CHECKPOINT_DIR"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log verbosity (debug, info, warn, error)",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	}
)

func main() {
	app := &cli.App{
		Name:   "hivesync",
		Usage:  "steem chain indexing daemon",
		Action: runDaemon,
		Flags: []cli.Flag{
			steemdEndpointFlag,
			databaseURLFlag,
			maxWorkersFlag,
			maxBatchFlag,
			trailBlocksFlag,
			checkpointDirFlag,
			logLevelFlag,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(ctx *cli.Context) error {
	cfg := buildConfigFromCLI(ctx)

	level, err := logLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	client, err := steem.NewClient(cfg.SteemdEndpoint, cfg.MaxBatch, cfg.MaxWorkers)
	if err != nil {
		return fmt.Errorf("failed to create steemd client: %w", err)
	}
	defer client.Close()

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("hivesync daemon started", "endpoint", cfg.SteemdEndpoint,
		"workers", cfg.MaxWorkers, "batch", cfg.MaxBatch, "trail", cfg.TrailBlocks)

	sync := indexer.New(client, store, cfg.CheckpointDir, cfg.TrailBlocks)
	return sync.Run(runCtx)
}

func logLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return log.LevelDebug, nil
	case "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	default:
		return log.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

func buildConfigFromCLI(ctx *cli.Context) *Config {
	return &Config{
		SteemdEndpoint: ctx.String(steemdEndpointFlag.Name),
		DatabaseURL:    ctx.String(databaseURLFlag.Name),
		MaxWorkers:     ctx.Int(maxWorkersFlag.Name),
		MaxBatch:       ctx.Int(maxBatchFlag.Name),
		TrailBlocks:    ctx.Int(trailBlocksFlag.Name),
		CheckpointDir:  ctx.String(checkpointDirFlag.Name),
		LogLevel:       ctx.String(logLevelFlag.Name),
	}
}
