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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRankScoreMonotonicInRshares(t *testing.T) {
	created := time.Date(2016, 3, 24, 16, 0, 0, 0, time.UTC)
	prev := rankScore(0, created, trendTimescale)
	for _, rshares := range []int64{1e3, 1e6, 1e7, 1e8, 1e9, 1e10, 1e12} {
		score := rankScore(rshares, created, trendTimescale)
		assert.Greater(t, score, prev, "score must grow with rshares")
		prev = score
	}
}

func TestRankScoreNewerWinsAtEqualRshares(t *testing.T) {
	older := time.Date(2016, 3, 24, 16, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)
	assert.Greater(t,
		rankScore(1e9, newer, trendTimescale),
		rankScore(1e9, older, trendTimescale))
}

func TestRankScoreNegativeRshares(t *testing.T) {
	created := time.Date(2016, 3, 24, 16, 0, 0, 0, time.UTC)
	assert.Less(t,
		rankScore(-1e10, created, trendTimescale),
		rankScore(1e10, created, trendTimescale))
	// the ramp stays strict even at tiny magnitudes
	assert.Less(t,
		rankScore(-5, created, trendTimescale),
		rankScore(5, created, trendTimescale))
}

func TestHotDecaysFasterThanTrend(t *testing.T) {
	older := time.Date(2016, 3, 24, 16, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	trendGap := scTrend(0, newer) - scTrend(0, older)
	hotGap := scHot(0, newer) - scHot(0, older)
	assert.Greater(t, hotGap, trendGap, "hot must weight recency more than trend")
}

func TestRepLog10(t *testing.T) {
	tests := []struct {
		name string
		raw  float64
		want float64
	}{
		{"zero is neutral", 0, 25},
		{"at threshold", 1e9, 25},
		{"one magnitude above", 1e10, 34},
		{"negative mirrors below neutral", -1e10, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, repLog10(tt.raw), 1e-9)
		})
	}
}
