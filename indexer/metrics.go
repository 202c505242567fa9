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

import "github.com/ethereum/go-ethereum/metrics"

var (
	blocksProcessedTotal = metrics.NewRegisteredCounter("indexer/blocks/processed/total", nil)
	liveBlockLatency     = metrics.NewRegisteredTimer("indexer/blocks/live/latency", nil)
	syncRateGauge        = metrics.NewRegisteredGauge("indexer/sync/rate/bps", nil)
	headLagGauge         = metrics.NewRegisteredGauge("indexer/head/lag/blocks", nil)

	accountsRegisteredTotal = metrics.NewRegisteredCounter("indexer/accounts/registered/total", nil)
	postsRegisteredTotal    = metrics.NewRegisteredCounter("indexer/posts/registered/total", nil)
	customOpsDroppedTotal   = metrics.NewRegisteredCounter("indexer/customops/dropped/total", nil)
	communityOpsTotal       = metrics.NewRegisteredCounter("indexer/community/ops/total", nil)

	cacheInsertsTotal = metrics.NewRegisteredCounter("indexer/cache/inserts/total", nil)
	cacheUpdatesTotal = metrics.NewRegisteredCounter("indexer/cache/updates/total", nil)
	cacheUpvotesTotal = metrics.NewRegisteredCounter("indexer/cache/upvotes/total", nil)
	cachePayoutsTotal = metrics.NewRegisteredCounter("indexer/cache/payouts/total", nil)
	cacheFlushLatency = metrics.NewRegisteredTimer("indexer/cache/flush/latency", nil)

	streamAbortsTotal = metrics.NewRegisteredCounter("indexer/stream/aborts/total", nil)
)
