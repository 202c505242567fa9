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

package db

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// schema holds the idempotent bootstrap DDL. Statement order matters only
// for readability; every statement is IF NOT EXISTS.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS hive_blocks (
		num        BIGINT      NOT NULL PRIMARY KEY,
		hash       CHAR(40)    NOT NULL,
		prev       CHAR(40)    NULL,
		txs        INT         NOT NULL DEFAULT 0,
		ops        INT         NOT NULL DEFAULT 0,
		created_at DATETIME    NOT NULL,
		UNIQUE KEY hive_blocks_ux1 (hash)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_accounts (
		id              BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		name            VARCHAR(16)  NOT NULL,
		display_name    VARCHAR(20)  NOT NULL DEFAULT '',
		about           VARCHAR(160) NOT NULL DEFAULT '',
		reputation      FLOAT        NOT NULL DEFAULT 25,
		followers       INT          NOT NULL DEFAULT 0,
		following       INT          NOT NULL DEFAULT 0,
		proxy_weight    DOUBLE       NOT NULL DEFAULT 0,
		post_count      INT          NOT NULL DEFAULT 0,
		` + "`rank`" + ` INT          NOT NULL DEFAULT 0,
		json_metadata   TEXT         NULL,
		last_synced_at  DATETIME     NULL,
		created_at      DATETIME     NOT NULL,
		UNIQUE KEY hive_accounts_ux1 (name)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_posts (
		id         BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		parent_id  BIGINT       NULL,
		author     VARCHAR(16)  NOT NULL,
		permlink   VARCHAR(255) NOT NULL,
		community  VARCHAR(16)  NULL,
		category   VARCHAR(255) NOT NULL DEFAULT '',
		depth      SMALLINT     NOT NULL DEFAULT 0,
		is_deleted TINYINT      NOT NULL DEFAULT 0,
		is_pinned  TINYINT      NOT NULL DEFAULT 0,
		is_muted   TINYINT      NOT NULL DEFAULT 0,
		created_at DATETIME     NOT NULL,
		UNIQUE KEY hive_posts_ux1 (author, permlink)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_posts_cache (
		post_id    BIGINT        NOT NULL PRIMARY KEY,
		author     VARCHAR(16)   NOT NULL,
		permlink   VARCHAR(255)  NOT NULL,
		title      VARCHAR(255)  NOT NULL DEFAULT '',
		preview    VARCHAR(1024) NOT NULL DEFAULT '',
		img_url    VARCHAR(1024) NOT NULL DEFAULT '',
		payout     DECIMAL(10,3) NOT NULL DEFAULT 0,
		promoted   DECIMAL(10,3) NOT NULL DEFAULT 0,
		created_at DATETIME      NOT NULL,
		payout_at  DATETIME      NOT NULL,
		updated_at DATETIME      NOT NULL,
		is_nsfw    TINYINT       NOT NULL DEFAULT 0,
		is_paidout TINYINT       NOT NULL DEFAULT 0,
		rshares    BIGINT        NOT NULL DEFAULT 0,
		votes      MEDIUMTEXT    NULL,
		json       TEXT          NULL,
		sc_trend   DOUBLE        NOT NULL DEFAULT 0,
		sc_hot     DOUBLE        NOT NULL DEFAULT 0,
		KEY hive_posts_cache_ix1 (payout_at, is_paidout),
		KEY hive_posts_cache_ix2 (sc_trend),
		KEY hive_posts_cache_ix3 (sc_hot)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_follows (
		follower   BIGINT   NOT NULL,
		following  BIGINT   NOT NULL,
		state      TINYINT  NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (follower, following),
		KEY hive_follows_ix1 (following, state)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_reblogs (
		account    BIGINT   NOT NULL,
		post_id    BIGINT   NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (account, post_id)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_feed_cache (
		account_id BIGINT   NOT NULL,
		post_id    BIGINT   NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (account_id, post_id)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_communities (
		id             BIGINT        NOT NULL PRIMARY KEY,
		name           VARCHAR(16)   NOT NULL,
		title          VARCHAR(32)   NOT NULL DEFAULT '',
		settings       TEXT          NULL,
		type_id        TINYINT       NOT NULL DEFAULT 1,
		subscribers    INT           NOT NULL DEFAULT 0,
		pending_payout DECIMAL(10,3) NOT NULL DEFAULT 0,
		created_at     DATETIME      NOT NULL,
		UNIQUE KEY hive_communities_ux1 (name)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_roles (
		community_id BIGINT      NOT NULL,
		account_id   BIGINT      NOT NULL,
		role_id      SMALLINT    NOT NULL DEFAULT 0,
		title        VARCHAR(32) NOT NULL DEFAULT '',
		created_at   DATETIME    NOT NULL,
		PRIMARY KEY (community_id, account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_subscriptions (
		community_id BIGINT   NOT NULL,
		account_id   BIGINT   NOT NULL,
		created_at   DATETIME NOT NULL,
		PRIMARY KEY (community_id, account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS hive_flags (
		id         BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		account    VARCHAR(16)  NOT NULL,
		community  VARCHAR(16)  NOT NULL,
		author     VARCHAR(16)  NOT NULL,
		permlink   VARCHAR(255) NOT NULL,
		comment    VARCHAR(120) NOT NULL,
		created_at DATETIME     NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hive_modlog (
		id         BIGINT      NOT NULL AUTO_INCREMENT PRIMARY KEY,
		account    VARCHAR(16) NOT NULL,
		community  VARCHAR(16) NOT NULL,
		action     TEXT        NOT NULL,
		created_at DATETIME    NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hive_state (
		block_num       BIGINT         NOT NULL DEFAULT 0,
		db_version      INT            NOT NULL DEFAULT 1,
		steem_per_mvest DECIMAL(14,6)  NOT NULL DEFAULT 0,
		usd_per_steem   DECIMAL(14,6)  NOT NULL DEFAULT 0,
		sbd_per_steem   DECIMAL(14,6)  NOT NULL DEFAULT 0,
		initial_synced  TINYINT        NOT NULL DEFAULT 0,
		dgpo            TEXT           NULL
	)`,
}

// InitSchema creates missing tables and seeds the hive_state singleton.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	count, _, err := QueryInt64(ctx, s.db, "SELECT COUNT(*) FROM hive_state")
	if err != nil {
		return fmt.Errorf("check hive_state: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO hive_state (block_num) VALUES (0)"); err != nil {
			return fmt.Errorf("seed hive_state: %w", err)
		}
		log.Info("Database schema initialized")
	}
	return nil
}

// IsInitialSync reports whether the initial fast sync has not yet completed.
func (s *Store) IsInitialSync(ctx context.Context) (bool, error) {
	done, found, err := QueryInt64(ctx, s.db, "SELECT initial_synced FROM hive_state")
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return done == 0, nil
}

// FinishInitialSync marks the initial sync complete.
func (s *Store) FinishInitialSync(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE hive_state SET initial_synced = 1")
	return err
}
