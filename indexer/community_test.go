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
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhive/hivesync/db"
)

// fakeAccounts is an in-memory accountLookup.
type fakeAccounts map[string]int64

func (f fakeAccounts) GetID(name string) (int64, bool) {
	id, ok := f[name]
	return id, ok
}

func (f fakeAccounts) Exists(name string) bool {
	_, ok := f[name]
	return ok
}

// fakePosts is an in-memory postLookup keyed by author/permlink url.
type fakePost struct {
	id        int64
	community string
	pinned    bool
}

type fakePosts map[string]fakePost

func (f fakePosts) GetID(ctx context.Context, e db.Execer, author, permlink string) (int64, bool, error) {
	p, ok := f[author+"/"+permlink]
	return p.id, ok, nil
}

func (f fakePosts) CommunityOf(ctx context.Context, e db.Execer, postID int64) (string, bool, error) {
	for _, p := range f {
		if p.id == postID {
			return p.community, true, nil
		}
	}
	return "", false, nil
}

func (f fakePosts) IsPinned(ctx context.Context, e db.Execer, postID int64) (bool, error) {
	for _, p := range f {
		if p.id == postID {
			return p.pinned, nil
		}
	}
	return false, nil
}

func TestValidCommunityName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"hive-112233", true},
		{"hive-212233", true},
		{"hive-3123456789", false},
		{"hive-10000", true},
		{"hive-412233", false},
		{"hive-1223", false},
		{"community", false},
		{"hive-", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidCommunityName(tt.name))
		})
	}
}

func TestCommunityType(t *testing.T) {
	assert.Equal(t, TypeTopic, communityType("hive-112233"))
	assert.Equal(t, TypeJournal, communityType("hive-212233"))
	assert.Equal(t, TypeCouncil, communityType("hive-312233"))
}

func TestCommunityOpRejectsMalformedEnvelopes(t *testing.T) {
	c := NewCommunities(fakeAccounts{"alice": 1})
	date := time.Now()

	tests := []struct {
		name string
		raw  string
	}{
		{"not a list", `{"subscribe": {}}`},
		{"one element", `["subscribe"]`},
		{"non-string action", `[7, {"community": "hive-112233"}]`},
		{"unknown action", `["dance", {"community": "hive-112233"}]`},
		{"missing key", `["subscribe", {}]`},
		{"extraneous key", `["subscribe", {"community": "hive-112233", "extra": 1}]`},
		{"params not a dict", `["subscribe", []]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ProcessOp(context.Background(), nil, "alice", json.RawMessage(tt.raw), date)
			require.Error(t, err)
		})
	}
}

func TestCommunityOpRejectsUnknownActor(t *testing.T) {
	c := NewCommunities(fakeAccounts{})
	err := c.ProcessOp(context.Background(), nil, "ghost",
		json.RawMessage(`["subscribe", {"community": "hive-112233"}]`), time.Now())
	require.ErrorContains(t, err, "not found")
}

func TestCommunityFieldValidation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"bad community name", `["subscribe", {"community": "nothive"}]`, "invalid community name"},
		{"blank community", `["subscribe", {"community": ""}]`, "blank"},
	}
	c := NewCommunities(fakeAccounts{"alice": 1})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ProcessOp(context.Background(), nil, "alice", json.RawMessage(tt.raw), time.Now())
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestReadNotes(t *testing.T) {
	op := &communityOp{}
	require.NoError(t, readNotes(op, json.RawMessage(`"  spam link  "`)))
	assert.Equal(t, "spam link", op.notes)

	long := make([]byte, 121)
	for i := range long {
		long[i] = 'a'
	}
	require.ErrorContains(t, readNotes(op, json.RawMessage(`"`+string(long)+`"`)),
		"under 120")
	require.ErrorContains(t, readNotes(op, json.RawMessage(`"   "`)), "blank")
	require.ErrorContains(t, readNotes(op, json.RawMessage(`7`)), "not a string")

	// limit counts runes on the trimmed value
	padded := "  " + strings.Repeat("a", 120) + "  "
	require.NoError(t, readNotes(op, json.RawMessage(`"`+padded+`"`)))
	require.NoError(t, readNotes(op, json.RawMessage(`"`+strings.Repeat("й", 120)+`"`)))
	require.ErrorContains(t, readNotes(op, json.RawMessage(`"`+strings.Repeat("й", 121)+`"`)),
		"under 120")
}

func TestReadTitle(t *testing.T) {
	op := &communityOp{}
	require.NoError(t, readTitle(op, json.RawMessage(`" Chief Gardener "`)))
	assert.Equal(t, "Chief Gardener", op.title)

	// blank title clears an existing one
	require.NoError(t, readTitle(op, json.RawMessage(`""`)))
	assert.Empty(t, op.title)

	long := make([]byte, 33)
	for i := range long {
		long[i] = 'a'
	}
	require.ErrorContains(t, readTitle(op, json.RawMessage(`"`+string(long)+`"`)),
		"under 32")

	// limit counts runes, not bytes
	require.NoError(t, readTitle(op, json.RawMessage(`"`+strings.Repeat("й", 32)+`"`)))
	require.ErrorContains(t, readTitle(op, json.RawMessage(`"`+strings.Repeat("й", 33)+`"`)),
		"under 32")
}

func TestReadSettings(t *testing.T) {
	op := &communityOp{}
	require.NoError(t, readSettings(op, json.RawMessage(`{"title": "My Town", "nsfw": "false"}`)))
	assert.Contains(t, op.settings, "My Town")

	// embedded JSON text form
	require.NoError(t, readSettings(op, json.RawMessage(`"{\"about\": \"gardening\"}"`)))
	assert.Contains(t, op.settings, "gardening")

	require.Error(t, readSettings(op, json.RawMessage(`{}`)))
	require.Error(t, readSettings(op, json.RawMessage(`{"evil": "x"}`)))
	require.Error(t, readSettings(op, json.RawMessage(`[1, 2]`)))
}

// expectCommunity primes the community id lookup.
func expectCommunity(mock sqlmock.Sqlmock, id int64) {
	mock.ExpectQuery("SELECT id FROM hive_communities WHERE name").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
}

// expectRole primes one hive_roles lookup.
func expectRole(mock sqlmock.Sqlmock, role int) {
	mock.ExpectQuery("SELECT role_id FROM hive_roles").
		WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(role))
}

func TestSetRolePermissions(t *testing.T) {
	accounts := fakeAccounts{"admin": 1, "moody": 2, "guest3": 3}

	tests := []struct {
		name      string
		actorRole int
		// targetRole < 0 means the target lookup is not reached
		targetRole int
		op         string
		wantErr    string
	}{
		{"member cannot set roles", RoleMember, -1,
			`["setRole", {"community": "hive-112233", "account": "guest3", "role": "member"}]`,
			"only mods"},
		{"mod cannot promote to mod", RoleMod, -1,
			`["setRole", {"community": "hive-112233", "account": "guest3", "role": "mod"}]`,
			"own rank"},
		{"mod cannot touch admin", RoleMod, RoleAdmin,
			`["setRole", {"community": "hive-112233", "account": "guest3", "role": "member"}]`,
			"higher-role"},
		{"noop role change rejected", RoleAdmin, RoleMember,
			`["setRole", {"community": "hive-112233", "account": "guest3", "role": "member"}]`,
			"would not change"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer handle.Close()

			expectCommunity(mock, 100)
			expectRole(mock, tt.actorRole)
			if tt.targetRole >= 0 {
				expectRole(mock, tt.targetRole)
			}

			c := NewCommunities(accounts)
			err = c.ProcessOp(context.Background(), handle, "admin", json.RawMessage(tt.op), time.Now())
			require.ErrorContains(t, err, tt.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSetRoleApplied(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	expectCommunity(mock, 100)
	expectRole(mock, RoleAdmin)  // actor
	expectRole(mock, RoleGuest)  // target
	mock.ExpectExec("INSERT INTO hive_roles").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO hive_modlog").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c := NewCommunities(fakeAccounts{"admin": 1, "guest3": 3})
	err = c.ProcessOp(context.Background(), handle, "admin",
		json.RawMessage(`["setRole", {"community": "hive-112233", "account": "guest3", "role": "member"}]`),
		time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSettingsRequiresAdmin(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	expectCommunity(mock, 100)
	expectRole(mock, RoleMod)

	c := NewCommunities(fakeAccounts{"moody": 2})
	err = c.ProcessOp(context.Background(), handle, "moody",
		json.RawMessage(`["updateSettings", {"community": "hive-112233", "settings": {"title": "My Town"}}]`),
		time.Now())
	require.ErrorContains(t, err, "only admins")
}

func TestUpdateSettingsRejectsUnknownKeys(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	expectCommunity(mock, 100)

	c := NewCommunities(fakeAccounts{"admin": 1})
	err = c.ProcessOp(context.Background(), handle, "admin",
		json.RawMessage(`["updateSettings", {"community": "hive-112233", "settings": {"evil": "yes"}}]`),
		time.Now())
	require.ErrorContains(t, err, "unknown settings key")
}

func TestSubscribeTwiceRejected(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	expectCommunity(mock, 100)
	expectRole(mock, RoleGuest)
	mock.ExpectQuery("SELECT 1 FROM hive_subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	c := NewCommunities(fakeAccounts{"alice": 1})
	err = c.ProcessOp(context.Background(), handle, "alice",
		json.RawMessage(`["subscribe", {"community": "hive-112233"}]`), time.Now())
	require.ErrorContains(t, err, "already subscribed")
}

func TestMutedCannotFlag(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	c := NewCommunities(fakeAccounts{"troll": 9, "alice": 1})
	c.BindPostLookup(fakePosts{"alice/hello": fakePost{id: 50, community: "hive-112233"}})

	expectCommunity(mock, 100)
	expectRole(mock, RoleMuted)

	err = c.ProcessOp(context.Background(), handle, "troll",
		json.RawMessage(`["flagPost", {"community": "hive-112233", "account": "alice", "permlink": "hello", "notes": "spam"}]`),
		time.Now())
	require.ErrorContains(t, err, "muted")
}
