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
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/openhive/hivesync/db"
	"github.com/openhive/hivesync/steem"
)

// postValidator is the community capability the posts accumulator needs
// to gate content into typed communities.
type postValidator interface {
	IsPostValid(ctx context.Context, e db.Execer, community, author string, isComment bool) bool
}

// postRow is the stored subset of a post consulted during registration.
type postRow struct {
	id        int64
	community sql.NullString
	category  string
	depth     int
	deleted   bool
}

// Posts registers post and comment rows and owns the author/permlink
// identity space consumed by the cache and feed layers.
type Posts struct {
	communities postValidator
}

// NewPosts creates the posts accumulator.
func NewPosts(communities postValidator) *Posts {
	return &Posts{communities: communities}
}

// GetID resolves an author/permlink pair to the post id, ignoring
// deleted state.
func (p *Posts) GetID(ctx context.Context, e db.Execer, author, permlink string) (int64, bool, error) {
	return db.QueryInt64(ctx, e,
		"SELECT id FROM hive_posts WHERE author = ? AND permlink = ?", author, permlink)
}

// CommunityOf returns the community a post was registered under.
func (p *Posts) CommunityOf(ctx context.Context, e db.Execer, postID int64) (string, bool, error) {
	return db.QueryString(ctx, e, "SELECT community FROM hive_posts WHERE id = ?", postID)
}

// IsPinned reports a post's pin status.
func (p *Posts) IsPinned(ctx context.Context, e db.Execer, postID int64) (bool, error) {
	pinned, found, err := db.QueryInt64(ctx, e, "SELECT is_pinned FROM hive_posts WHERE id = ?", postID)
	if err != nil {
		return false, err
	}
	return found && pinned != 0, nil
}

// lookup fetches the stored row for an author/permlink pair.
func (p *Posts) lookup(ctx context.Context, e db.Execer, author, permlink string) (*postRow, error) {
	var row postRow
	err := e.QueryRowContext(ctx,
		"SELECT id, community, category, depth, is_deleted FROM hive_posts WHERE author = ? AND permlink = ?",
		author, permlink).Scan(&row.id, &row.community, &row.category, &row.depth, &row.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Register handles a comment op: a new row for unseen posts, an undelete
// for previously deleted ones, and a no-op for plain edits. Returns the
// post id and whether the row is new or revived (the caller marks those
// dirty for the cache).
func (p *Posts) Register(ctx context.Context, e db.Execer, op *steem.CommentOp, date time.Time) (int64, bool, error) {
	existing, err := p.lookup(ctx, e, op.Author, op.Permlink)
	if err != nil {
		return 0, false, err
	}
	if existing != nil && !existing.deleted {
		// edit of a live post; cache refresh happens via the dirty set
		return existing.id, false, nil
	}

	var parentID sql.NullInt64
	var community sql.NullString
	category := op.ParentPermlink
	depth := 0

	if op.IsRoot() {
		if ValidCommunityName(op.ParentPermlink) {
			community.String, community.Valid = op.ParentPermlink, true
		}
	} else {
		parent, err := p.lookup(ctx, e, op.ParentAuthor, op.ParentPermlink)
		if err != nil {
			return 0, false, err
		}
		if parent == nil {
			return 0, false, fmt.Errorf("parent post %s/%s not found", op.ParentAuthor, op.ParentPermlink)
		}
		parentID.Int64, parentID.Valid = parent.id, true
		community = parent.community
		category = parent.category
		depth = parent.depth + 1
	}

	// content posted into a community the author cannot post to is kept
	// but stripped of its community tag, falling back to plain category
	if community.Valid && !p.communities.IsPostValid(ctx, e, community.String, op.Author, !op.IsRoot()) {
		log.Debug("Post rejected by community", "community", community.String, "url", op.URL())
		community = sql.NullString{}
	}

	if existing != nil {
		_, err := e.ExecContext(ctx, `UPDATE hive_posts
			   SET is_deleted = 0, is_pinned = 0, is_muted = 0,
			       parent_id = ?, community = ?, category = ?, depth = ?, created_at = ?
			 WHERE id = ?`,
			parentID, community, category, depth, date, existing.id)
		if err != nil {
			return 0, false, fmt.Errorf("revive post %s: %w", op.URL(), err)
		}
		if depth == 0 {
			_, err = e.ExecContext(ctx, `INSERT IGNORE INTO hive_feed_cache (account_id, post_id, created_at)
				SELECT id, ?, ? FROM hive_accounts WHERE name = ?`, existing.id, date, op.Author)
			if err != nil {
				return 0, false, fmt.Errorf("feed cache insert %s: %w", op.URL(), err)
			}
		}
		return existing.id, true, nil
	}

	res, err := e.ExecContext(ctx, `INSERT INTO hive_posts
		(parent_id, author, permlink, community, category, depth, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		parentID, op.Author, op.Permlink, community, category, depth, date)
	if err != nil {
		return 0, false, fmt.Errorf("register post %s: %w", op.URL(), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	postsRegisteredTotal.Inc(1)

	// root posts enter the author's own feed
	if depth == 0 {
		_, err = e.ExecContext(ctx, `INSERT IGNORE INTO hive_feed_cache (account_id, post_id, created_at)
			SELECT id, ?, ? FROM hive_accounts WHERE name = ?`, id, date, op.Author)
		if err != nil {
			return 0, false, fmt.Errorf("feed cache insert %s: %w", op.URL(), err)
		}
	}
	return id, true, nil
}

// Delete marks a post deleted and purges its cache and feed entries.
func (p *Posts) Delete(ctx context.Context, e db.Execer, op *steem.DeleteCommentOp) error {
	id, found, err := p.GetID(ctx, e, op.Author, op.Permlink)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("delete of unknown post %s/%s", op.Author, op.Permlink)
	}
	if _, err := e.ExecContext(ctx, "UPDATE hive_posts SET is_deleted = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if _, err := e.ExecContext(ctx, "DELETE FROM hive_posts_cache WHERE post_id = ?", id); err != nil {
		return fmt.Errorf("purge post cache: %w", err)
	}
	if _, err := e.ExecContext(ctx, "DELETE FROM hive_feed_cache WHERE post_id = ?", id); err != nil {
		return fmt.Errorf("purge feed cache: %w", err)
	}
	return nil
}

// URLsToIDs resolves a set of author/permlink urls to post ids, skipping
// unknown urls.
func (p *Posts) URLsToIDs(ctx context.Context, e db.Execer, urls []string) (map[string]int64, error) {
	out := make(map[string]int64, len(urls))
	for _, u := range urls {
		author, permlink, ok := splitURL(u)
		if !ok {
			continue
		}
		id, found, err := p.GetID(ctx, e, author, permlink)
		if err != nil {
			return nil, err
		}
		if found {
			out[u] = id
		}
	}
	return out, nil
}

// splitURL splits "author/permlink" at the first slash.
func splitURL(u string) (author, permlink string, ok bool) {
	for i := 0; i < len(u); i++ {
		if u[i] == '/' {
			return u[:i], u[i+1:], i > 0 && i < len(u)-1
		}
	}
	return "", "", false
}
