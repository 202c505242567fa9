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

import "github.com/ethereum/go-ethereum/metrics"

var (
	callRetriesTotal  = metrics.NewRegisteredCounter("steem/client/retries/total", nil)
	callOverParTotal  = metrics.NewRegisteredCounter("steem/client/overpar/total", nil)
	callLatency       = metrics.NewRegisteredTimer("steem/client/call/latency", nil)
	batchSizeGauge    = metrics.NewRegisteredGauge("steem/client/batch/size", nil)
	streamLagGauge    = metrics.NewRegisteredGauge("steem/stream/lag/ms", nil)
	streamGapGauge    = metrics.NewRegisteredGauge("steem/stream/gap/blocks", nil)
	streamEmitsTotal  = metrics.NewRegisteredCounter("steem/stream/emits/total", nil)
	streamMissedTotal = metrics.NewRegisteredCounter("steem/stream/missed/total", nil)
)
