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
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/openhive/hivesync/db"
	"github.com/openhive/hivesync/steem"
)

const (
	// syncRangeSize is the block span fetched per fast-sync round trip.
	syncRangeSize = 1000

	// chainStateInterval and maintenanceInterval pace the live-mode
	// housekeeping work, in blocks.
	chainStateInterval  = 20
	maintenanceInterval = 1200

	// maintenanceBatch is how many stale accounts each maintenance round
	// re-dirties.
	maintenanceBatch = 10000

	// liveFlushSpread staggers account refreshes across this many blocks.
	liveFlushSpread = 8

	// streamMaxGap is how far the live stream may trail head before
	// aborting back to fast sync.
	streamMaxGap = 100
)

// Client is the upstream surface the sync pipeline consumes, satisfied
// by *steem.Client.
type Client interface {
	accountFetcher
	contentFetcher
	chainStateFetcher
	GetBlock(ctx context.Context, num uint64) (*steem.Block, error)
	GetBlocksRange(ctx context.Context, lbound, ubound uint64) ([]*steem.Block, error)
	HeadBlock(ctx context.Context) (uint64, error)
	LastIrreversible(ctx context.Context) (uint64, error)
}

// Sync owns the full pipeline: the upstream client, the store, and every
// accumulator, and drives initial sync, recovery and the live loop.
type Sync struct {
	client Client
	store  *db.Store

	accounts    *Accounts
	posts       *Posts
	follows     *Follows
	communities *Communities
	customOps   *CustomOps
	cache       *CachedPosts
	processor   *Processor

	checkpointDir string
	trailBlocks   int
}

// New wires the component graph around a connected client and store.
func New(client Client, store *db.Store, checkpointDir string, trailBlocks int) *Sync {
	accounts := NewAccounts(client)
	communities := NewCommunities(accounts)
	accounts.BindRegistrar(communities)
	posts := NewPosts(communities)
	communities.BindPostLookup(posts)
	follows := NewFollows(accounts, posts)
	customOps := NewCustomOps(follows, communities)
	cache := NewCachedPosts(client, accounts, posts)
	processor := NewProcessor(accounts, posts, customOps, cache)

	return &Sync{
		client:        client,
		store:         store,
		accounts:      accounts,
		posts:         posts,
		follows:       follows,
		communities:   communities,
		customOps:     customOps,
		cache:         cache,
		processor:     processor,
		checkpointDir: checkpointDir,
		trailBlocks:   trailBlocks,
	}
}

// Run executes the sync lifecycle until ctx is cancelled: schema bootstrap,
// head verification, initial sync (checkpoints then upstream ranges), then
// the steady loop alternating fast catch-up and live streaming. A context
// cancellation is a clean shutdown, not an error.
func (s *Sync) Run(ctx context.Context) error {
	if err := s.store.InitSchema(ctx); err != nil {
		return err
	}
	if err := s.accounts.LoadIDs(ctx, s.store.DB()); err != nil {
		return err
	}
	if err := s.verifyHead(ctx); err != nil {
		return err
	}

	initial, err := s.store.IsInitialSync(ctx)
	if err != nil {
		return err
	}
	if initial {
		if err := s.initialSync(ctx); err != nil {
			return finishErr(err)
		}
	} else if err := s.repairCacheGaps(ctx); err != nil {
		// a crash between a block commit and its cache flush leaves gaps
		return finishErr(err)
	}

	for {
		if err := s.syncFromSteem(ctx); err != nil {
			return finishErr(err)
		}
		if err := s.listen(ctx); err != nil {
			return finishErr(err)
		}
	}
}

// finishErr maps context cancellation to a clean nil.
func finishErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Info("Sync interrupted, shutting down")
		return nil
	}
	return err
}

// lastBlock returns the highest stored block number.
func (s *Sync) lastBlock(ctx context.Context) (uint64, error) {
	num, found, err := db.QueryInt64(ctx, s.store.DB(), "SELECT MAX(num) FROM hive_blocks")
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return uint64(num), nil
}

// verifyHead checks that the newest stored block still matches the chain,
// popping unlinked heads left by a fork or torn shutdown. Each popped
// block's derived rows are already safe to re-apply: block processing is
// idempotent.
func (s *Sync) verifyHead(ctx context.Context) error {
	for {
		num, err := s.lastBlock(ctx)
		if err != nil || num == 0 {
			return err
		}
		storedHash, _, err := db.QueryString(ctx, s.store.DB(),
			"SELECT hash FROM hive_blocks WHERE num = ?", num)
		if err != nil {
			return err
		}
		upstream, err := s.client.GetBlock(ctx, num)
		if err != nil {
			return err
		}
		if upstream != nil && upstream.BlockID == storedHash {
			return nil
		}
		log.Warn("Stored head does not match chain, popping", "num", num, "hash", storedHash)
		if _, err := s.store.DB().ExecContext(ctx,
			"DELETE FROM hive_blocks WHERE num = ?", num); err != nil {
			return err
		}
	}
}

// initialSync replays local checkpoints, catches up from the upstream
// node, then performs the one-time post-sync repair: cache backfill,
// follow recount, account ranks and chain state.
func (s *Sync) initialSync(ctx context.Context) error {
	last, err := s.lastBlock(ctx)
	if err != nil {
		return err
	}
	if s.checkpointDir != "" {
		if _, err := LoadCheckpoints(ctx, s.checkpointDir, last, func(ctx context.Context, blocks []*steem.Block) error {
			return s.processBatch(ctx, blocks, false)
		}); err != nil {
			return err
		}
	}
	if err := s.syncFromSteem(ctx); err != nil {
		return err
	}

	log.Info("Initial sync complete, rebuilding derived state")
	handle := s.store.DB()
	if err := s.repairCacheGaps(ctx); err != nil {
		return err
	}
	if err := s.follows.RecountAll(ctx, handle); err != nil {
		return err
	}
	if err := s.follows.RebuildFeedCache(ctx, handle); err != nil {
		return err
	}
	if err := s.communities.RecalcPendingPayouts(ctx, handle); err != nil {
		return err
	}
	if err := s.accounts.DirtyOldest(ctx, handle, maintenanceBatch); err != nil {
		return err
	}
	if _, err := s.accounts.Flush(ctx, handle, 1, 0); err != nil {
		return err
	}
	if err := s.accounts.UpdateRanks(ctx, handle); err != nil {
		return err
	}
	if err := UpdateChainState(ctx, handle, s.client); err != nil {
		return err
	}
	// marked complete only once the repair has landed
	return s.store.FinishInitialSync(ctx)
}

// repairCacheGaps backfills cache rows for live posts that lack one,
// repeating until the gap closes or stops shrinking.
func (s *Sync) repairCacheGaps(ctx context.Context) error {
	handle := s.store.DB()
	prev := -1
	for {
		missing, err := s.cache.DirtyMissing(ctx, handle)
		if err != nil {
			return err
		}
		if missing == 0 {
			return nil
		}
		if missing == prev {
			log.Warn("Post cache gap not shrinking, giving up", "missing", missing)
			s.cache.ClearDirty()
			return nil
		}
		log.Info("Backfilling post cache", "posts", missing)
		if _, _, _, _, err := s.cache.Flush(ctx, handle, time.Now().UTC()); err != nil {
			return err
		}
		prev = missing
	}
}

// syncFromSteem fast-syncs from the upstream node in fixed ranges up to
// the last irreversible block. Reversible blocks are left to the live
// stream, whose trail buffer absorbs short reorgs.
func (s *Sync) syncFromSteem(ctx context.Context) error {
	last, err := s.lastBlock(ctx)
	if err != nil {
		return err
	}
	for {
		irreversible, err := s.client.LastIrreversible(ctx)
		if err != nil {
			return err
		}
		if last >= irreversible {
			return nil
		}
		headLagGauge.Update(int64(irreversible - last))

		lbound := last + 1
		ubound := min(lbound+syncRangeSize, irreversible+1)
		start := time.Now()
		blocks, err := s.client.GetBlocksRange(ctx, lbound, ubound)
		if err != nil {
			return err
		}
		if err := s.processBatch(ctx, blocks, false); err != nil {
			return err
		}
		last = ubound - 1

		elapsed := time.Since(start)
		rate := float64(len(blocks)) / elapsed.Seconds()
		syncRateGauge.Update(int64(rate))
		log.Info("Fast sync progress", "from", lbound, "to", ubound-1,
			"behind", irreversible-last, "bps", int64(rate))
	}
}

// processBatch applies a slice of consecutive blocks inside one
// transaction. In live mode the cache and account flushes join the same
// transaction; in fast sync they are deferred to the post-sync repair.
func (s *Sync) processBatch(ctx context.Context, blocks []*steem.Block, live bool) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := s.processBatchTx(ctx, tx, blocks, live); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("Rollback failed", "err", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *Sync) processBatchTx(ctx context.Context, tx *sql.Tx, blocks []*steem.Block, live bool) error {
	for _, block := range blocks {
		if err := s.processor.ProcessBlock(ctx, tx, block); err != nil {
			return err
		}
	}
	if _, err := s.follows.Flush(ctx, tx); err != nil {
		return err
	}
	if !live {
		s.cache.ClearDirty()
		return nil
	}

	block := blocks[len(blocks)-1]
	blockTime := block.Timestamp.Time
	if _, err := s.cache.DirtyPaidouts(ctx, tx, blockTime); err != nil {
		return err
	}
	if _, _, _, _, err := s.cache.Flush(ctx, tx, blockTime); err != nil {
		return err
	}
	if _, err := s.accounts.Flush(ctx, tx, liveFlushSpread, block.Num()); err != nil {
		return err
	}
	return nil
}

// listen tails the chain head through the trailing stream, applying one
// transaction per block plus periodic housekeeping. Recoverable stream
// aborts return nil so the caller re-enters fast sync.
func (s *Sync) listen(ctx context.Context) error {
	last, err := s.lastBlock(ctx)
	if err != nil {
		return err
	}
	storedHash, _, err := db.QueryString(ctx, s.store.DB(),
		"SELECT hash FROM hive_blocks WHERE num = ?", last)
	if err != nil {
		return err
	}
	stream, err := steem.NewBlockStream(s.client, s.trailBlocks, streamMaxGap)
	if err != nil {
		return err
	}
	log.Info("Entering live mode", "from", last+1, "trail", s.trailBlocks)

	err = stream.Run(ctx, last+1, storedHash, func(block *steem.Block) error {
		start := time.Now()
		if err := s.processBatch(ctx, []*steem.Block{block}, true); err != nil {
			return err
		}
		num := block.Num()
		if num%chainStateInterval == 0 {
			if err := UpdateChainState(ctx, s.store.DB(), s.client); err != nil {
				return err
			}
			head, err := s.client.HeadBlock(ctx)
			if err != nil {
				return err
			}
			headLagGauge.Update(int64(head - num))
			log.Info("Head state", "local", num, "steemd", head, "behind", head-num)
		}
		if num%maintenanceInterval == 0 {
			if err := s.accounts.DirtyOldest(ctx, s.store.DB(), maintenanceBatch); err != nil {
				return err
			}
			if err := s.accounts.UpdateRanks(ctx, s.store.DB()); err != nil {
				return err
			}
			if err := s.communities.RecalcPendingPayouts(ctx, s.store.DB()); err != nil {
				return err
			}
		}
		liveBlockLatency.UpdateSince(start)
		log.Info("Live block applied", "num", num, "txs", len(block.Transactions),
			"ops", block.OpCount(), "took", time.Since(start))
		return nil
	})

	var fork *steem.ForkError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, steem.ErrGapTooLarge), errors.Is(err, steem.ErrForkInTrail):
		streamAbortsTotal.Inc(1)
		log.Warn("Stream aborted, re-entering fast sync", "reason", err)
		return nil
	case errors.As(err, &fork):
		streamAbortsTotal.Inc(1)
		log.Warn("Unrecoverable fork, verifying stored head", "err", err)
		return s.verifyHead(ctx)
	default:
		return err
	}
}
