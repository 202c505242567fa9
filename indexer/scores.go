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
	"math"
	"time"
)

// Ranking timescales in seconds. Trend decays over roughly five and a half
// days; hot over a few hours.
const (
	trendTimescale = 480000
	hotTimescale   = 10000
)

// rankScore is the time-decayed ranking used for sc_trend and sc_hot:
// the signed log-magnitude of net rshares plus a linear age term. The
// log1p ramp keeps the score strictly increasing in rshares across the
// whole range; at equal rshares the newer post wins.
func rankScore(rshares int64, created time.Time, timescale float64) float64 {
	mod := float64(rshares) / 1e7
	order := math.Log10(1 + math.Abs(mod))
	if mod < 0 {
		order = -order
	}
	return order + float64(created.Unix())/timescale
}

func scTrend(rshares int64, created time.Time) float64 {
	return rankScore(rshares, created, trendTimescale)
}

func scHot(rshares int64, created time.Time) float64 {
	return rankScore(rshares, created, hotTimescale)
}

// repLog10 converts a raw chain reputation value to the familiar
// display scale (25 = neutral).
func repLog10(raw float64) float64 {
	if raw == 0 {
		return 25
	}
	neg := raw < 0
	v := math.Log10(math.Abs(raw))
	v = math.Max(v-9, 0)
	if neg {
		v = -v
	}
	return v*9 + 25
}
