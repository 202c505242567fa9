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
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/openhive/hivesync/db"
	"github.com/openhive/hivesync/steem"
)

// cacheFlushChunk bounds get_content batch sizes during a flush.
const cacheFlushChunk = 500

// contentFetcher is the upstream subset the cache engine needs.
type contentFetcher interface {
	GetContentBatch(ctx context.Context, pairs [][2]string) ([]steem.Content, error)
}

// accountDirtier receives authors of refreshed posts so their account
// rows follow the post into the next refresh cycle.
type accountDirtier interface {
	Dirty(name string)
}

// CachedPosts refreshes the denormalized post cache from authoritative
// get_content snapshots. Dirty urls accumulate between flushes; vote-only
// dirties are tracked separately for accounting.
type CachedPosts struct {
	client   contentFetcher
	accounts accountDirtier
	posts    *Posts

	dirty     map[string]struct{}
	voteDirty map[string]struct{}
}

// NewCachedPosts creates the cache engine.
func NewCachedPosts(client contentFetcher, accounts accountDirtier, posts *Posts) *CachedPosts {
	return &CachedPosts{
		client:    client,
		accounts:  accounts,
		posts:     posts,
		dirty:     make(map[string]struct{}),
		voteDirty: make(map[string]struct{}),
	}
}

// Dirty marks a url for refresh on the next flush. A content change
// supersedes an earlier vote-only mark.
func (c *CachedPosts) Dirty(url string) {
	c.dirty[url] = struct{}{}
	delete(c.voteDirty, url)
}

// DirtyVote marks a url whose only change is a vote.
func (c *CachedPosts) DirtyVote(url string) {
	if _, already := c.dirty[url]; !already {
		c.voteDirty[url] = struct{}{}
	}
	c.dirty[url] = struct{}{}
}

// Undirty drops a url from the pending sets, used when the post is
// deleted before the next flush.
func (c *CachedPosts) Undirty(url string) {
	delete(c.dirty, url)
	delete(c.voteDirty, url)
}

// DirtyCount returns the number of urls pending refresh.
func (c *CachedPosts) DirtyCount() int { return len(c.dirty) }

// ClearDirty drops all pending urls without flushing. Used during initial
// sync, where the cache is rebuilt afterwards from missing rows.
func (c *CachedPosts) ClearDirty() {
	c.dirty = make(map[string]struct{})
	c.voteDirty = make(map[string]struct{})
}

// DirtyMissing marks live posts that have no cache row yet. Returns the
// number found. Used at startup to repair interrupted flushes.
func (c *CachedPosts) DirtyMissing(ctx context.Context, e db.Execer) (int, error) {
	rows, err := e.QueryContext(ctx, `SELECT p.author, p.permlink
		  FROM hive_posts p
		  LEFT JOIN hive_posts_cache pc ON pc.post_id = p.id
		 WHERE p.is_deleted = 0 AND pc.post_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("select missing cache rows: %w", err)
	}
	defer rows.Close()
	found := 0
	for rows.Next() {
		var author, permlink string
		if err := rows.Scan(&author, &permlink); err != nil {
			return found, err
		}
		c.Dirty(author + "/" + permlink)
		found++
	}
	return found, rows.Err()
}

// DirtyPaidouts marks cached posts whose payout window closed at or
// before blockTime but are still flagged unpaid. Returns the number found.
func (c *CachedPosts) DirtyPaidouts(ctx context.Context, e db.Execer, blockTime time.Time) (int, error) {
	rows, err := e.QueryContext(ctx, `SELECT author, permlink
		  FROM hive_posts_cache
		 WHERE is_paidout = 0 AND payout_at <= ?`, blockTime)
	if err != nil {
		return 0, fmt.Errorf("select paidout posts: %w", err)
	}
	defer rows.Close()
	found := 0
	for rows.Next() {
		var author, permlink string
		if err := rows.Scan(&author, &permlink); err != nil {
			return found, err
		}
		c.Dirty(author + "/" + permlink)
		found++
	}
	return found, rows.Err()
}

// Flush refreshes every dirty url from the upstream node and clears the
// dirty sets. Authors of refreshed posts are marked dirty on the
// accounts accumulator. Returns counts of inserted, updated, vote-only
// and paid-out rows.
func (c *CachedPosts) Flush(ctx context.Context, e db.Execer, blockTime time.Time) (inserts, updates, upvotes, payouts int, err error) {
	if len(c.dirty) == 0 {
		return 0, 0, 0, 0, nil
	}
	start := time.Now()
	defer func() { cacheFlushLatency.UpdateSince(start) }()

	urls := make([]string, 0, len(c.dirty))
	for u := range c.dirty {
		urls = append(urls, u)
	}
	ids, err := c.posts.URLsToIDs(ctx, e, urls)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	pairs := make([][2]string, 0, len(urls))
	for _, u := range urls {
		if _, known := ids[u]; !known {
			// deleted in the same batch it was touched
			continue
		}
		author, permlink, _ := splitURL(u)
		pairs = append(pairs, [2]string{author, permlink})
	}

	for lo := 0; lo < len(pairs); lo += cacheFlushChunk {
		hi := min(lo+cacheFlushChunk, len(pairs))
		contents, err := c.client.GetContentBatch(ctx, pairs[lo:hi])
		if err != nil {
			return inserts, updates, upvotes, payouts, err
		}
		for i := range contents {
			content := &contents[i]
			if !content.Found() {
				log.Warn("Dirty post vanished upstream", "url", pairs[lo+i][0]+"/"+pairs[lo+i][1])
				continue
			}
			postID := ids[content.URL()]
			inserted, paidout, err := c.store(ctx, e, postID, content, blockTime)
			if err != nil {
				return inserts, updates, upvotes, payouts, err
			}
			c.accounts.Dirty(content.Author)
			_, voteOnly := c.voteDirty[content.URL()]
			switch {
			case inserted:
				inserts++
				cacheInsertsTotal.Inc(1)
			case voteOnly:
				upvotes++
				cacheUpvotesTotal.Inc(1)
			default:
				updates++
				cacheUpdatesTotal.Inc(1)
			}
			if paidout {
				payouts++
				cachePayoutsTotal.Inc(1)
			}
		}
	}

	c.dirty = make(map[string]struct{})
	c.voteDirty = make(map[string]struct{})
	return inserts, updates, upvotes, payouts, nil
}

// cacheValues is the derived row written to hive_posts_cache.
type cacheValues struct {
	title    string
	preview  string
	imgURL   string
	payout   float64
	promoted float64
	payoutAt time.Time
	paidout  bool
	rshares  int64
	votes    string
	nsfw     bool
}

// postMetadata is the display subset of a post's json_metadata.
type postMetadata struct {
	Tags  []string `json:"tags"`
	Image []string `json:"image"`
}

// computeCacheValues derives the denormalized fields from an
// authoritative content snapshot.
func computeCacheValues(content *steem.Content, blockTime time.Time) cacheValues {
	var v cacheValues
	v.title = truncate(content.Title, 255)
	v.preview = truncate(content.Body, 140)

	var meta postMetadata
	if content.JSONMetadata != "" {
		// user-supplied json; ignore parse failures
		_ = json.Unmarshal([]byte(content.JSONMetadata), &meta)
	}
	if len(meta.Image) > 0 {
		v.imgURL = truncate(meta.Image[0], 1024)
	}
	for _, tag := range meta.Tags {
		if strings.EqualFold(tag, "nsfw") {
			v.nsfw = true
			break
		}
	}

	pending, _, _ := steem.ParseAmount(content.PendingPayoutValue)
	total, _, _ := steem.ParseAmount(content.TotalPayoutValue)
	curator, _, _ := steem.ParseAmount(content.CuratorPayoutValue)
	v.payout = pending + total + curator
	v.promoted, _, _ = steem.ParseAmount(content.Promoted)

	v.payoutAt = content.CashoutTime.Time
	v.paidout = !v.payoutAt.After(blockTime)
	if v.paidout {
		// terminal; no further payout is scheduled
		v.pinPayoutAt(content.Created.Time)
	}

	v.rshares, _ = content.NetRshares.Int64()

	entries := make([]string, 0, len(content.ActiveVotes))
	for i := range content.ActiveVotes {
		vote := &content.ActiveVotes[i]
		entries = append(entries, vote.Voter+":"+vote.Rshares.String())
	}
	v.votes = strings.Join(entries, ",")
	return v
}

// pinPayoutAt freezes the payout time for paid-out posts so ordering by
// payout_at stays stable.
func (v *cacheValues) pinPayoutAt(created time.Time) {
	if v.payoutAt.Before(created) {
		v.payoutAt = created
	}
}

// store upserts one cache row. Reports whether the row was inserted and
// whether this write transitioned it to paid out.
func (c *CachedPosts) store(ctx context.Context, e db.Execer, postID int64, content *steem.Content, blockTime time.Time) (inserted, paidout bool, err error) {
	existed, wasPaid, err := c.rowState(ctx, e, postID)
	if err != nil {
		return false, false, err
	}

	v := computeCacheValues(content, blockTime)
	created := content.Created.Time
	_, err = e.ExecContext(ctx, `INSERT INTO hive_posts_cache
		(post_id, author, permlink, title, preview, img_url, payout, promoted,
		 created_at, payout_at, updated_at, is_nsfw, is_paidout, rshares, votes,
		 json, sc_trend, sc_hot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		 title = VALUES(title), preview = VALUES(preview), img_url = VALUES(img_url),
		 payout = VALUES(payout), promoted = VALUES(promoted),
		 payout_at = VALUES(payout_at), updated_at = VALUES(updated_at),
		 is_nsfw = VALUES(is_nsfw), is_paidout = VALUES(is_paidout),
		 rshares = VALUES(rshares), votes = VALUES(votes), json = VALUES(json),
		 sc_trend = VALUES(sc_trend), sc_hot = VALUES(sc_hot)`,
		postID, content.Author, content.Permlink, v.title, v.preview, v.imgURL,
		v.payout, v.promoted, created, v.payoutAt, blockTime,
		v.nsfw, v.paidout, v.rshares, v.votes, content.JSONMetadata,
		scTrend(v.rshares, created), scHot(v.rshares, created))
	if err != nil {
		return false, false, fmt.Errorf("store cache row %s: %w", content.URL(), err)
	}
	return !existed, v.paidout && !wasPaid, nil
}

// rowState reports whether a cache row exists and its paid-out flag.
func (c *CachedPosts) rowState(ctx context.Context, e db.Execer, postID int64) (existed, paid bool, err error) {
	val, found, err := db.QueryInt64(ctx, e,
		"SELECT is_paidout FROM hive_posts_cache WHERE post_id = ?", postID)
	if err != nil {
		return false, false, err
	}
	return found, found && val != 0, nil
}
