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

// Package indexer projects chain operations into the relational store:
// per-entity accumulators with dirty sets, the custom-op dispatcher, the
// community engine, the cached-post engine, the block processor, and the
// sync orchestrator that drives them.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/openhive/hivesync/db"
	"github.com/openhive/hivesync/steem"
)

// accountFlushChunk bounds get_accounts request sizes during a flush.
const accountFlushChunk = 1000

// accountFetcher is the upstream subset the accounts accumulator needs.
type accountFetcher interface {
	GetAccounts(ctx context.Context, names []string) ([]steem.Account, error)
}

// communityRegistrar receives newly registered names for community
// auto-registration.
type communityRegistrar interface {
	Register(ctx context.Context, e db.Execer, names []string, date time.Time) error
}

// Accounts tracks the id/name map and a dirty set of names pending a
// metadata refresh from the upstream node.
type Accounts struct {
	client    accountFetcher
	registrar communityRegistrar

	ids   map[string]int64
	dirty map[string]struct{}
}

// NewAccounts creates the accounts accumulator.
func NewAccounts(client accountFetcher) *Accounts {
	return &Accounts{
		client: client,
		ids:    make(map[string]int64),
		dirty:  make(map[string]struct{}),
	}
}

// BindRegistrar installs the community auto-registration hook.
func (a *Accounts) BindRegistrar(r communityRegistrar) { a.registrar = r }

// LoadIDs prefetches the id/name map. Must run before block processing.
func (a *Accounts) LoadIDs(ctx context.Context, e db.Execer) error {
	rows, err := e.QueryContext(ctx, "SELECT id, name FROM hive_accounts")
	if err != nil {
		return fmt.Errorf("load account ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		a.ids[name] = id
	}
	if err := rows.Err(); err != nil {
		return err
	}
	log.Info("Account id map loaded", "count", len(a.ids))
	return nil
}

// GetID resolves a name to its id.
func (a *Accounts) GetID(name string) (int64, bool) {
	id, ok := a.ids[name]
	return id, ok
}

// Exists reports whether the name has been registered.
func (a *Accounts) Exists(name string) bool {
	_, ok := a.ids[name]
	return ok
}

// Count returns the number of registered accounts.
func (a *Accounts) Count() int { return len(a.ids) }

// Register inserts any unseen names, assigning monotonic ids, and feeds
// community-pattern names to the registrar.
func (a *Accounts) Register(ctx context.Context, e db.Execer, names []string, date time.Time) error {
	var fresh []string
	for _, name := range names {
		if name == "" || a.Exists(name) {
			continue
		}
		res, err := e.ExecContext(ctx,
			"INSERT INTO hive_accounts (name, created_at) VALUES (?, ?)", name, date)
		if err != nil {
			return fmt.Errorf("register account %s: %w", name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("register account %s: %w", name, err)
		}
		a.ids[name] = id
		fresh = append(fresh, name)
		accountsRegisteredTotal.Inc(1)
	}
	if len(fresh) > 0 && a.registrar != nil {
		if err := a.registrar.Register(ctx, e, fresh, date); err != nil {
			return err
		}
	}
	return nil
}

// Dirty marks a name for refresh on the next flush.
func (a *Accounts) Dirty(name string) {
	if name != "" {
		a.dirty[name] = struct{}{}
	}
}

// DirtyCount returns the number of names pending refresh.
func (a *Accounts) DirtyCount() int { return len(a.dirty) }

// DirtyOldest marks the n least-recently-refreshed accounts.
func (a *Accounts) DirtyOldest(ctx context.Context, e db.Execer, n int) error {
	rows, err := e.QueryContext(ctx,
		"SELECT name FROM hive_accounts ORDER BY last_synced_at IS NOT NULL, last_synced_at ASC LIMIT ?", n)
	if err != nil {
		return fmt.Errorf("select oldest accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		a.Dirty(name)
	}
	return rows.Err()
}

// Flush refreshes dirty accounts from the upstream node. When period > 1
// only the bucket with id mod period == blockNum mod period is flushed,
// spreading live-mode refresh cost across blocks. Returns the number of
// accounts refreshed.
func (a *Accounts) Flush(ctx context.Context, e db.Execer, period int64, blockNum uint64) (int, error) {
	var names []string
	for name := range a.dirty {
		if period > 1 {
			id, ok := a.ids[name]
			if !ok || id%period != int64(blockNum)%period {
				continue
			}
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return 0, nil
	}

	synced := 0
	for lo := 0; lo < len(names); lo += accountFlushChunk {
		hi := min(lo+accountFlushChunk, len(names))
		accounts, err := a.client.GetAccounts(ctx, names[lo:hi])
		if err != nil {
			return synced, err
		}
		for i := range accounts {
			if err := a.update(ctx, e, &accounts[i]); err != nil {
				return synced, err
			}
			delete(a.dirty, accounts[i].Name)
			synced++
		}
	}
	return synced, nil
}

// accountProfile is the display subset of an account's json_metadata.
type accountProfile struct {
	Profile struct {
		Name  string `json:"name"`
		About string `json:"about"`
	} `json:"profile"`
}

// update refreshes one account row from its authoritative record.
func (a *Accounts) update(ctx context.Context, e db.Execer, account *steem.Account) error {
	var profile accountProfile
	if account.JSONMetadata != "" {
		// profile metadata is user-supplied; parse failures leave it blank
		_ = json.Unmarshal([]byte(account.JSONMetadata), &profile)
	}
	rawRep, _ := strconv.ParseFloat(account.Reputation.String(), 64)

	_, err := e.ExecContext(ctx, `UPDATE hive_accounts
		   SET display_name = ?, about = ?, reputation = ?, post_count = ?,
		       json_metadata = ?, last_synced_at = ?
		 WHERE name = ?`,
		truncate(profile.Profile.Name, 20), truncate(profile.Profile.About, 160),
		repLog10(rawRep), account.PostCount, account.JSONMetadata,
		time.Now().UTC(), account.Name)
	if err != nil {
		return fmt.Errorf("update account %s: %w", account.Name, err)
	}
	return nil
}

// UpdateRanks recomputes the global follower-count ranking.
func (a *Accounts) UpdateRanks(ctx context.Context, e db.Execer) error {
	_, err := e.ExecContext(ctx, `UPDATE hive_accounts a
		  JOIN (SELECT id, ROW_NUMBER() OVER (ORDER BY followers DESC, id ASC) rn
		          FROM hive_accounts) r ON a.id = r.id
		   SET a.`+"`rank`"+` = r.rn`)
	if err != nil {
		return fmt.Errorf("update account ranks: %w", err)
	}
	return nil
}

// truncate clips a string to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
