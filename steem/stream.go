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

package steem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const (
	// blockInterval is the chain's wall-clock slot cadence.
	blockInterval = 3 * time.Second

	// lagStep/lagDecay tune the inter-slot timing estimate: widen fast on
	// an empty fetch, narrow slowly on success.
	lagStep  = 250 * time.Millisecond
	lagDecay = time.Millisecond
	lagMax   = 3 * time.Second

	// emptyBlockWait is the pause before refetching a not-yet-produced block.
	emptyBlockWait = 500 * time.Millisecond

	// maxTrailBlocks bounds the reorg-safety buffer.
	maxTrailBlocks = 25
)

// ErrGapTooLarge signals the stream fell too far behind head; the caller
// is expected to fall back to fast sync.
var ErrGapTooLarge = errors.New("stream gap exceeds limit")

// ErrForkInTrail signals a fork within the trail buffer; no buffered block
// was emitted, so the caller can safely re-enter fast sync.
var ErrForkInTrail = errors.New("fork detected in trail buffer")

// ForkError is an unrecoverable fork: the fetched block does not link to
// an already-emitted block.
type ForkError struct {
	Have     string
	Previous string
	BlockID  string
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("unlinkable block: have %s, got %s -> %s", e.Have, e.Previous, e.BlockID)
}

// blockFetcher is the client subset the stream consumes.
type blockFetcher interface {
	GetBlock(ctx context.Context, num uint64) (*Block, error)
	HeadBlock(ctx context.Context) (uint64, error)
}

// BlockStream tails the chain head, emitting blocks strictly in order and
// delayed by trail blocks to absorb short reorgs.
type BlockStream struct {
	client blockFetcher
	trail  int
	maxGap uint64

	// clock hooks, swapped out by tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBlockStream builds a stream with the given trail buffer (in [0, 25))
// and maximum head gap before aborting to fast sync.
func NewBlockStream(client blockFetcher, trail int, maxGap uint64) (*BlockStream, error) {
	if trail < 0 || trail >= maxTrailBlocks {
		return nil, fmt.Errorf("trail blocks %d out of range [0, %d)", trail, maxTrailBlocks)
	}
	return &BlockStream{
		client: client,
		trail:  trail,
		maxGap: maxGap,
		now:    time.Now,
		sleep:  sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run streams blocks beginning at startFrom, invoking emit for each block
// once trail further blocks have been observed. A non-empty prevHash is
// the caller's stored hash for block startFrom-1; a mismatch against the
// upstream chain means the caller's head was reorged away and returns a
// *ForkError before anything is emitted. Run returns ErrGapTooLarge or
// ErrForkInTrail when the caller should re-enter fast sync, a *ForkError
// on an unrecoverable fork, or the emit callback's error.
func (s *BlockStream) Run(ctx context.Context, startFrom uint64, prevHash string, emit func(*Block) error) error {
	prev, err := s.client.GetBlock(ctx, startFrom-1)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("stream start block %d not found upstream", startFrom-1)
	}
	if prevHash != "" && prev.BlockID != prevHash {
		return &ForkError{Have: prevHash, Previous: prev.Previous, BlockID: prev.BlockID}
	}
	lastNum := prev.Num()
	lastHash := prev.BlockID
	lastDate := prev.Timestamp.Time

	headNum, err := s.client.HeadBlock(ctx)
	if err != nil {
		return err
	}
	startHead := headNum
	nextExpected := s.now()
	var lag time.Duration
	var queue []*Block

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// advance the slot clock for any missed slots
		timeNow := s.now()
		for !timeNow.Before(nextExpected.Add(lag)) {
			headNum++
			nextExpected = nextExpected.Add(blockInterval)

			gap := headNum - lastNum
			streamGapGauge.Update(int64(gap))
			log.Debug("Stream trailing head", "behind", gap)
			if gap > s.maxGap {
				log.Warn("Stream gap too large", "gap", gap, "max", s.maxGap)
				return ErrGapTooLarge
			}
		}

		// caught up: wait out the remainder of the slot
		if headNum == lastNum {
			if err := s.sleep(ctx, nextExpected.Add(lag).Sub(timeNow)); err != nil {
				return err
			}
			headNum++
			nextExpected = nextExpected.Add(blockInterval)
		}

		blockNum := lastNum + 1
		block, err := s.client.GetBlock(ctx, blockNum)
		if err != nil {
			return err
		}
		if block == nil {
			lag = min(lagMax, lag+lagStep)
			streamLagGauge.Update(lag.Milliseconds())
			log.Debug("Block not yet available", "num", blockNum, "lag", lag)
			if err := s.sleep(ctx, emptyBlockWait); err != nil {
				return err
			}
			continue
		}
		lag = max(0, lag-lagDecay)
		streamLagGauge.Update(lag.Milliseconds())
		lastNum = blockNum

		if lastHash != block.Previous {
			if len(queue) > 0 {
				log.Warn("Fork in trail buffer, dropping queued blocks", "queued", len(queue))
				return ErrForkInTrail
			}
			return &ForkError{Have: lastHash, Previous: block.Previous, BlockID: block.BlockID}
		}
		lastHash = block.BlockID

		// adjust the slot clock for observed missed slots
		missed := block.Timestamp.Sub(lastDate) - blockInterval
		if missed != 0 && blockNum >= startHead {
			streamMissedTotal.Inc(int64(missed / blockInterval))
			log.Debug("Missed slots observed", "num", blockNum, "missed", missed/blockInterval)
			nextExpected = nextExpected.Add(missed)
		}
		lastDate = block.Timestamp.Time

		queue = append(queue, block)
		if len(queue) > s.trail {
			head := queue[0]
			queue = queue[1:]
			streamEmitsTotal.Inc(1)
			if err := emit(head); err != nil {
				return err
			}
		}
	}
}
