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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhive/hivesync/steem"
)

func checkpointLine(num uint64) string {
	ts := time.Date(2016, 3, 24, 16, 0, 0, 0, time.UTC).
		Add(time.Duration(num) * 3 * time.Second)
	prev := ""
	if num > 1 {
		prev = fmt.Sprintf("%08x%032x", num-1, num-1)
	}
	return fmt.Sprintf(`{"previous": %q, "block_id": %q, "timestamp": %q, "transactions": []}`,
		prev, fmt.Sprintf("%08x%032x", num, num), steem.FormatTime(ts))
}

// writeCheckpoint writes blocks (first, last] ending at last, named by the
// final block number.
func writeCheckpoint(t *testing.T, dir string, first, last uint64) {
	t.Helper()
	var lines []string
	for num := first; num <= last; num++ {
		lines = append(lines, checkpointLine(num))
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.json.lst", last))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func collectSink(nums *[]uint64) func(context.Context, []*steem.Block) error {
	return func(_ context.Context, blocks []*steem.Block) error {
		for _, b := range blocks {
			*nums = append(*nums, b.Num())
		}
		return nil
	}
}

func TestLoadCheckpointsFromScratch(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, 1, 10)
	writeCheckpoint(t, dir, 11, 20)

	var nums []uint64
	last, err := LoadCheckpoints(context.Background(), dir, 0, collectSink(&nums))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), last)
	require.Len(t, nums, 20)
	for i, num := range nums {
		assert.Equal(t, uint64(i+1), num)
	}
}

func TestLoadCheckpointsSkipsProcessedPrefix(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, 1, 10)
	writeCheckpoint(t, dir, 11, 20)

	// resume mid-file: the whole first file and lines 11..14 are skipped
	var nums []uint64
	last, err := LoadCheckpoints(context.Background(), dir, 14, collectSink(&nums))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), last)
	assert.Equal(t, []uint64{15, 16, 17, 18, 19, 20}, nums)
}

func TestLoadCheckpointsFullyCaughtUp(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, 1, 10)

	var nums []uint64
	last, err := LoadCheckpoints(context.Background(), dir, 10, collectSink(&nums))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), last)
	assert.Empty(t, nums)
}

func TestLoadCheckpointsIgnoresUnrecognizedFiles(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, 1, 5)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json.lst"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("junk"), 0o644))

	var nums []uint64
	last, err := LoadCheckpoints(context.Background(), dir, 0, collectSink(&nums))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
	assert.Len(t, nums, 5)
}

func TestLoadCheckpointsRejectsGap(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, 1, 5)
	// second file starts past the end of the first
	writeCheckpoint(t, dir, 8, 10)

	var nums []uint64
	_, err := LoadCheckpoints(context.Background(), dir, 0, collectSink(&nums))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not follow")
}

func TestLoadCheckpointsEmptyDir(t *testing.T) {
	var nums []uint64
	last, err := LoadCheckpoints(context.Background(), t.TempDir(), 42, collectSink(&nums))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), last)
	assert.Empty(t, nums)
}
