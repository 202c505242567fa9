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

package indexer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/openhive/hivesync/steem"
)

// checkpointChunk is the number of blocks handed to the sink at once.
const checkpointChunk = 1000

// checkpointFile is one block-per-line JSON dump covering blocks
// (lastNum - lines, lastNum].
type checkpointFile struct {
	path    string
	lastNum uint64
}

// findCheckpoints scans dir for <num>.json.lst dumps and orders them by
// their final block number. Unparseable names are skipped with a warning.
func findCheckpoints(dir string) ([]checkpointFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json.lst"))
	if err != nil {
		return nil, err
	}
	files := make([]checkpointFile, 0, len(matches))
	for _, path := range matches {
		base := strings.TrimSuffix(filepath.Base(path), ".json.lst")
		num, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			log.Warn("Ignoring unrecognized checkpoint file", "path", path)
			continue
		}
		files = append(files, checkpointFile{path: path, lastNum: num})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].lastNum < files[j].lastNum })
	return files, nil
}

// LoadCheckpoints replays local block dumps from dir, starting after
// lastBlock, feeding chunks of parsed blocks to sink. Files fully below
// the resume point are skipped whole; within the first relevant file the
// already-processed prefix is skipped line by line. Returns the last
// block number applied.
func LoadCheckpoints(ctx context.Context, dir string, lastBlock uint64, sink func(context.Context, []*steem.Block) error) (uint64, error) {
	files, err := findCheckpoints(dir)
	if err != nil {
		return lastBlock, err
	}
	if len(files) == 0 {
		return lastBlock, nil
	}
	log.Info("Loading checkpoints", "dir", dir, "files", len(files), "from", lastBlock+1)

	for _, file := range files {
		if file.lastNum <= lastBlock {
			continue
		}
		applied, err := loadCheckpointFile(ctx, file, lastBlock, sink)
		if err != nil {
			return lastBlock, fmt.Errorf("checkpoint %s: %w", file.path, err)
		}
		lastBlock = applied
	}
	return lastBlock, nil
}

// loadCheckpointFile streams one dump, skipping lines at or below the
// resume point.
func loadCheckpointFile(ctx context.Context, file checkpointFile, lastBlock uint64, sink func(context.Context, []*steem.Block) error) (uint64, error) {
	f, err := os.Open(file.path)
	if err != nil {
		return lastBlock, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// blocks can exceed the default token size by a wide margin
	scanner.Buffer(make([]byte, 0, 1024*1024), 32*1024*1024)

	chunk := make([]*steem.Block, 0, checkpointChunk)
	next := lastBlock
	line := uint64(0)
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return lastBlock, err
		}
		var block steem.Block
		if err := json.Unmarshal(scanner.Bytes(), &block); err != nil {
			return lastBlock, fmt.Errorf("line %d: %w", line, err)
		}
		num := block.Num()
		if num <= next {
			continue
		}
		if num != next+1 {
			return lastBlock, fmt.Errorf("line %d: block %d does not follow %d", line, num, next)
		}
		next = num
		chunk = append(chunk, &block)
		if len(chunk) == checkpointChunk {
			if err := sink(ctx, chunk); err != nil {
				return lastBlock, err
			}
			lastBlock = num
			chunk = chunk[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return lastBlock, err
	}
	if len(chunk) > 0 {
		if err := sink(ctx, chunk); err != nil {
			return lastBlock, err
		}
		lastBlock = next
	}
	return lastBlock, nil
}
