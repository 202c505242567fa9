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
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expectEdgeState primes the follow edge lookup; state < 0 means no row.
func expectEdgeState(mock sqlmock.Sqlmock, state int) {
	q := mock.ExpectQuery("SELECT state FROM hive_follows")
	if state < 0 {
		q.WillReturnRows(sqlmock.NewRows([]string{"state"}))
	} else {
		q.WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(state))
	}
}

func followJSON(follower, following, what string) json.RawMessage {
	doc := map[string]any{"follower": follower, "following": following, "what": []string{}}
	if what != "" {
		doc["what"] = []string{what}
	}
	raw, _ := json.Marshal(doc)
	return raw
}

func TestFollowCreatesEdgeAndDeltas(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	f := NewFollows(fakeAccounts{"alice": 1, "bob": 2}, nil)

	expectEdgeState(mock, -1)
	mock.ExpectExec("INSERT INTO hive_follows").
		WithArgs(int64(1), int64(2), FollowStateBlog, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = f.ProcessFollow(context.Background(), handle, "alice", followJSON("alice", "bob", "blog"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.followingDelta[1])
	assert.Equal(t, int64(1), f.followersDelta[2])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFollowSameStateIsNoop(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	f := NewFollows(fakeAccounts{"alice": 1, "bob": 2}, nil)
	expectEdgeState(mock, FollowStateBlog)

	err = f.ProcessFollow(context.Background(), handle, "alice", followJSON("alice", "bob", "blog"), time.Now())
	require.NoError(t, err)
	assert.Zero(t, f.DeltaCount(), "repeated follow must not change counts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnfollowRemovesCounts(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	f := NewFollows(fakeAccounts{"alice": 1, "bob": 2}, nil)
	expectEdgeState(mock, FollowStateBlog)
	mock.ExpectExec("INSERT INTO hive_follows").
		WithArgs(int64(1), int64(2), FollowStateReset, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = f.ProcessFollow(context.Background(), handle, "alice", followJSON("alice", "bob", ""), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), f.followingDelta[1])
	assert.Equal(t, int64(-1), f.followersDelta[2])
}

func TestMuteDoesNotCount(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	f := NewFollows(fakeAccounts{"alice": 1, "bob": 2}, nil)
	expectEdgeState(mock, -1)
	mock.ExpectExec("INSERT INTO hive_follows").
		WithArgs(int64(1), int64(2), FollowStateMute, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = f.ProcessFollow(context.Background(), handle, "alice", followJSON("alice", "bob", "ignore"), time.Now())
	require.NoError(t, err)
	assert.Zero(t, f.DeltaCount(), "mute must not affect follower counts")
}

func TestFollowRejectsBadOps(t *testing.T) {
	f := NewFollows(fakeAccounts{"alice": 1, "bob": 2}, nil)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name    string
		actor   string
		raw     json.RawMessage
		wantErr string
	}{
		{"actor mismatch", "bob", followJSON("alice", "bob", "blog"), "does not match actor"},
		{"self follow", "alice", followJSON("alice", "alice", "blog"), "follow itself"},
		{"unknown mode", "alice", followJSON("alice", "bob", "bookmark"), "unknown follow mode"},
		{"unknown following", "alice", followJSON("alice", "carol", "blog"), "not found"},
		{"not json", "alice", json.RawMessage(`[what]`), "invalid follow payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ProcessFollow(ctx, nil, tt.actor, tt.raw, now)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestFollowFlushAppliesDeltas(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	f := NewFollows(fakeAccounts{}, nil)
	f.followersDelta[2] = 2
	f.followingDelta[1] = 1
	f.followingDelta[3] = 0 // zero deltas are skipped

	mock.ExpectExec("UPDATE hive_accounts SET followers").
		WithArgs(int64(2), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE hive_accounts SET following").
		WithArgs(int64(1), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	touched, err := f.Flush(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, 2, touched)
	assert.Zero(t, f.DeltaCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReblogRejectsSelfAndMismatch(t *testing.T) {
	f := NewFollows(fakeAccounts{"alice": 1, "bob": 2}, nil)
	ctx := context.Background()
	now := time.Now()

	raw, _ := json.Marshal(map[string]string{"account": "alice", "author": "alice", "permlink": "hello"})
	require.ErrorContains(t, f.ProcessReblog(ctx, nil, "alice", raw, now), "own post")

	raw, _ = json.Marshal(map[string]string{"account": "alice", "author": "bob", "permlink": "hello"})
	require.ErrorContains(t, f.ProcessReblog(ctx, nil, "bob", raw, now), "does not match actor")
}
