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
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openhive/hivesync/db"
)

// Community role levels.
const (
	RoleMuted  = -2
	RoleGuest  = 0
	RoleMember = 2
	RoleMod    = 4
	RoleAdmin  = 6
	RoleOwner  = 8
)

// Community types, derived from the digit following "hive-".
const (
	TypeTopic   = 1
	TypeJournal = 2
	TypeCouncil = 3
)

// roleNames maps op-level role strings to levels.
var roleNames = map[string]int{
	"owner":  RoleOwner,
	"admin":  RoleAdmin,
	"mod":    RoleMod,
	"member": RoleMember,
	"guest":  RoleGuest,
	"muted":  RoleMuted,
}

var communityNameRE = regexp.MustCompile(`^hive-[123]\d{4,6}$`)

// ValidCommunityName reports whether a name follows the community pattern.
func ValidCommunityName(name string) bool {
	return communityNameRE.MatchString(name)
}

// communityType derives the type id from a valid community name.
func communityType(name string) int {
	return int(name[5] - '0')
}

// accountLookup is the accounts capability the community engine consumes.
type accountLookup interface {
	GetID(name string) (int64, bool)
	Exists(name string) bool
}

// postLookup is the narrow posts capability injected at construction,
// breaking the register/validate cycle between posts and communities.
type postLookup interface {
	GetID(ctx context.Context, e db.Execer, author, permlink string) (int64, bool, error)
	CommunityOf(ctx context.Context, e db.Execer, postID int64) (string, bool, error)
	IsPinned(ctx context.Context, e db.Execer, postID int64) (bool, error)
}

// Communities validates and applies community governance ops, and
// auto-registers communities for matching account names.
type Communities struct {
	accounts accountLookup
	posts    postLookup
}

// NewCommunities creates the community engine.
func NewCommunities(accounts accountLookup) *Communities {
	return &Communities{accounts: accounts}
}

// BindPostLookup installs the post capability. Must be called before any
// op processing.
func (c *Communities) BindPostLookup(posts postLookup) { c.posts = posts }

// Register inserts a community row plus its owner role for every name
// matching the community pattern. The community id equals the account id
// registered under the same name.
func (c *Communities) Register(ctx context.Context, e db.Execer, names []string, date time.Time) error {
	for _, name := range names {
		if !ValidCommunityName(name) {
			continue
		}
		id, ok := c.accounts.GetID(name)
		if !ok {
			return fmt.Errorf("community %s has no account id", name)
		}
		_, err := e.ExecContext(ctx, `INSERT INTO hive_communities
			(id, name, title, settings, type_id, created_at)
			VALUES (?, ?, '', '{}', ?, ?)`,
			id, name, communityType(name), date)
		if err != nil {
			return fmt.Errorf("register community %s: %w", name, err)
		}
		_, err = e.ExecContext(ctx, `INSERT INTO hive_roles
			(community_id, account_id, role_id, created_at)
			VALUES (?, ?, ?, ?)`,
			id, id, RoleOwner, date)
		if err != nil {
			return fmt.Errorf("register community owner %s: %w", name, err)
		}
	}
	return nil
}

// GetID resolves a community name to its id.
func (c *Communities) GetID(ctx context.Context, e db.Execer, name string) (int64, bool, error) {
	return db.QueryInt64(ctx, e, "SELECT id FROM hive_communities WHERE name = ?", name)
}

// UserRole returns an account's role level within a community; absent
// rows imply guest.
func (c *Communities) UserRole(ctx context.Context, e db.Execer, communityID, accountID int64) (int, error) {
	role, found, err := db.QueryInt64(ctx, e,
		"SELECT role_id FROM hive_roles WHERE community_id = ? AND account_id = ? LIMIT 1",
		communityID, accountID)
	if err != nil {
		return RoleGuest, err
	}
	if !found {
		return RoleGuest, nil
	}
	return int(role), nil
}

// IsPostValid applies the per-type posting rules: journal communities
// restrict root posts to members, council communities restrict all
// content to members, topic communities only exclude muted accounts.
func (c *Communities) IsPostValid(ctx context.Context, e db.Execer, community, author string, isComment bool) bool {
	communityID, found, err := c.GetID(ctx, e, community)
	if err != nil || !found {
		return false
	}
	accountID, ok := c.accounts.GetID(author)
	if !ok {
		return false
	}
	role, err := c.UserRole(ctx, e, communityID, accountID)
	if err != nil {
		return false
	}
	switch communityType(community) {
	case TypeJournal:
		if !isComment {
			return role >= RoleMember
		}
	case TypeCouncil:
		return role >= RoleMember
	}
	return role >= RoleGuest
}

// isSubscribed checks an account's subscription status.
func (c *Communities) isSubscribed(ctx context.Context, e db.Execer, communityID, accountID int64) (bool, error) {
	_, found, err := db.QueryInt64(ctx, e,
		"SELECT 1 FROM hive_subscriptions WHERE community_id = ? AND account_id = ?",
		communityID, accountID)
	return found, err
}

// RecalcPendingPayouts refreshes hive_communities.pending_payout from the
// unpaid cached posts of each category.
func (c *Communities) RecalcPendingPayouts(ctx context.Context, e db.Execer) error {
	_, err := e.ExecContext(ctx, `UPDATE hive_communities hc
		  JOIN (SELECT hp.community AS name, SUM(pc.payout) AS total
		          FROM hive_posts_cache pc
		          JOIN hive_posts hp ON hp.id = pc.post_id
		         WHERE pc.is_paidout = 0 AND hp.community IS NOT NULL
		         GROUP BY hp.community) t ON t.name = hc.name
		   SET hc.pending_payout = t.total`)
	if err != nil {
		return fmt.Errorf("recalc pending payouts: %w", err)
	}
	return nil
}

// communityOpSchema lists the exact required keys per action. Missing or
// extra keys fail validation.
var communityOpSchema = map[string][]string{
	"updateSettings": {"community", "settings"},
	"subscribe":      {"community"},
	"unsubscribe":    {"community"},
	"setRole":        {"community", "account", "role"},
	"setUserTitle":   {"community", "title"},
	"mutePost":       {"community", "account", "permlink", "notes"},
	"unmutePost":     {"community", "account", "permlink", "notes"},
	"pinPost":        {"community", "account", "permlink"},
	"unpinPost":      {"community", "account", "permlink"},
	"flagPost":       {"community", "account", "permlink", "notes"},
}

// settingsKeys are the allowed community settings fields.
var settingsKeys = map[string]struct{}{
	"title": {}, "about": {}, "description": {}, "flag_text": {},
	"language": {}, "nsfw": {}, "bg_color": {}, "bg_color2": {},
	"primary_tag": {},
}

// communityOp is a fully validated community action ready to apply.
type communityOp struct {
	date   time.Time
	action string
	raw    json.RawMessage

	actor   string
	actorID int64

	community   string
	communityID int64

	account   string
	accountID int64

	permlink string
	postID   int64

	roleID   int
	notes    string
	title    string
	settings string
}

// ProcessOp validates and applies one community op. A returned error means
// the op was rejected; the caller drops it without failing the block.
func (c *Communities) ProcessOp(ctx context.Context, e db.Execer, actor string, rawJSON json.RawMessage, date time.Time) error {
	op, err := c.validate(ctx, e, actor, rawJSON, date)
	if err != nil {
		return err
	}
	if err := c.apply(ctx, e, op); err != nil {
		return fmt.Errorf("apply %s: %w", op.action, err)
	}
	communityOpsTotal.Inc(1)
	return nil
}

// validate parses the [action, params] envelope, enforces the schema and
// field rules, and checks the permission matrix.
func (c *Communities) validate(ctx context.Context, e db.Execer, actor string, rawJSON json.RawMessage, date time.Time) (*communityOp, error) {
	var envelope []json.RawMessage
	if err := json.Unmarshal(rawJSON, &envelope); err != nil {
		return nil, fmt.Errorf("op json must be a list: %w", err)
	}
	if len(envelope) != 2 {
		return nil, fmt.Errorf("op json must have 2 elements, has %d", len(envelope))
	}
	op := &communityOp{date: date, actor: actor, raw: rawJSON}
	if err := json.Unmarshal(envelope[0], &op.action); err != nil {
		return nil, fmt.Errorf("op action must be a string: %w", err)
	}
	schema, ok := communityOpSchema[op.action]
	if !ok {
		return nil, fmt.Errorf("invalid action %q", op.action)
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(envelope[1], &params); err != nil {
		return nil, fmt.Errorf("op params must be a dict: %w", err)
	}
	required := make(map[string]struct{}, len(schema))
	for _, key := range schema {
		required[key] = struct{}{}
		if _, present := params[key]; !present {
			return nil, fmt.Errorf("missing key %q", key)
		}
	}
	for key := range params {
		if _, want := required[key]; !want {
			return nil, fmt.Errorf("extraneous key %q", key)
		}
	}

	actorID, ok := c.accounts.GetID(actor)
	if !ok {
		return nil, fmt.Errorf("actor %q not found", actor)
	}
	op.actorID = actorID

	if err := c.readFields(ctx, e, op, params); err != nil {
		return nil, err
	}
	if err := c.checkPermissions(ctx, e, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (c *Communities) readFields(ctx context.Context, e db.Execer, op *communityOp, params map[string]json.RawMessage) error {
	var err error
	if raw, ok := params["community"]; ok {
		if err = c.readCommunity(ctx, e, op, raw); err != nil {
			return err
		}
	}
	if raw, ok := params["account"]; ok {
		if err = c.readAccount(op, raw); err != nil {
			return err
		}
	}
	if raw, ok := params["permlink"]; ok {
		if err = c.readPermlink(ctx, e, op, raw); err != nil {
			return err
		}
	}
	if raw, ok := params["role"]; ok {
		if err = readRole(op, raw); err != nil {
			return err
		}
	}
	if raw, ok := params["notes"]; ok {
		if err = readNotes(op, raw); err != nil {
			return err
		}
	}
	if raw, ok := params["title"]; ok {
		if err = readTitle(op, raw); err != nil {
			return err
		}
	}
	if raw, ok := params["settings"]; ok {
		if err = readSettings(op, raw); err != nil {
			return err
		}
	}
	return nil
}

func readString(raw json.RawMessage, key string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("key %q was not a string", key)
	}
	if s == "" {
		return "", fmt.Errorf("key %q was blank", key)
	}
	return s, nil
}

func (c *Communities) readCommunity(ctx context.Context, e db.Execer, op *communityOp, raw json.RawMessage) error {
	name, err := readString(raw, "community")
	if err != nil {
		return err
	}
	if !ValidCommunityName(name) {
		return fmt.Errorf("invalid community name %q", name)
	}
	id, found, err := c.GetID(ctx, e, name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("community %q does not exist", name)
	}
	op.community = name
	op.communityID = id
	return nil
}

func (c *Communities) readAccount(op *communityOp, raw json.RawMessage) error {
	name, err := readString(raw, "account")
	if err != nil {
		return err
	}
	id, ok := c.accounts.GetID(name)
	if !ok {
		return fmt.Errorf("account %q not found", name)
	}
	op.account = name
	op.accountID = id
	return nil
}

func (c *Communities) readPermlink(ctx context.Context, e db.Execer, op *communityOp, raw json.RawMessage) error {
	if op.account == "" {
		return fmt.Errorf("permlink requires a named account")
	}
	permlink, err := readString(raw, "permlink")
	if err != nil {
		return err
	}
	postID, found, err := c.posts.GetID(ctx, e, op.account, permlink)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("invalid post %s/%s", op.account, permlink)
	}
	postCommunity, _, err := c.posts.CommunityOf(ctx, e, postID)
	if err != nil {
		return err
	}
	if postCommunity != op.community {
		return fmt.Errorf("post %s/%s does not belong to %s", op.account, permlink, op.community)
	}
	op.permlink = permlink
	op.postID = postID
	return nil
}

func readRole(op *communityOp, raw json.RawMessage) error {
	name, err := readString(raw, "role")
	if err != nil {
		return err
	}
	level, ok := roleNames[name]
	if !ok {
		return fmt.Errorf("invalid role %q", name)
	}
	op.roleID = level
	return nil
}

func readNotes(op *communityOp, raw json.RawMessage) error {
	notes, err := readString(raw, "notes")
	if err != nil {
		return err
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return fmt.Errorf("notes cannot be blank")
	}
	if utf8.RuneCountInString(notes) > 120 {
		return fmt.Errorf("notes must be under 120 characters")
	}
	op.notes = notes
	return nil
}

func readTitle(op *communityOp, raw json.RawMessage) error {
	var title string
	if err := json.Unmarshal(raw, &title); err != nil {
		return fmt.Errorf("key %q was not a string", "title")
	}
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > 32 {
		return fmt.Errorf("user title must be under 32 characters")
	}
	op.title = title
	return nil
}

func readSettings(op *communityOp, raw json.RawMessage) error {
	// settings may arrive as an object or as embedded JSON text
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return fmt.Errorf("settings was not an object")
		}
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return fmt.Errorf("settings was not an object")
		}
	}
	filtered := make(map[string]string, len(doc))
	for key, val := range doc {
		if _, allowed := settingsKeys[key]; !allowed {
			return fmt.Errorf("unknown settings key %q", key)
		}
		str, err := readString(val, key)
		if err != nil {
			return err
		}
		filtered[key] = str
	}
	if len(filtered) == 0 {
		return fmt.Errorf("settings was blank")
	}
	encoded, err := json.Marshal(filtered)
	if err != nil {
		return err
	}
	op.settings = string(encoded)
	return nil
}

// checkPermissions applies the action permission matrix against the
// actor's role.
func (c *Communities) checkPermissions(ctx context.Context, e db.Execer, op *communityOp) error {
	actorRole, err := c.UserRole(ctx, e, op.communityID, op.actorID)
	if err != nil {
		return err
	}
	switch op.action {
	case "setRole":
		if actorRole < RoleMod {
			return fmt.Errorf("only mods and up can alter roles")
		}
		if actorRole <= op.roleID {
			return fmt.Errorf("cannot promote to or above own rank")
		}
		if op.actor != op.account {
			accountRole, err := c.UserRole(ctx, e, op.communityID, op.accountID)
			if err != nil {
				return err
			}
			if accountRole >= actorRole {
				return fmt.Errorf("cannot modify a higher-role user")
			}
			if accountRole == op.roleID {
				return fmt.Errorf("role would not change")
			}
		}
	case "updateSettings":
		if actorRole < RoleAdmin {
			return fmt.Errorf("only admins can update settings")
		}
	case "setUserTitle":
		if actorRole < RoleMod {
			return fmt.Errorf("only mods can set user titles")
		}
	case "mutePost", "unmutePost":
		if actorRole < RoleMod {
			return fmt.Errorf("only mods can mute or unmute posts")
		}
	case "pinPost", "unpinPost":
		if actorRole < RoleMod {
			return fmt.Errorf("only mods can pin or unpin posts")
		}
		pinned, err := c.posts.IsPinned(ctx, e, op.postID)
		if err != nil {
			return err
		}
		if op.action == "pinPost" && pinned {
			return fmt.Errorf("post is already pinned")
		}
		if op.action == "unpinPost" && !pinned {
			return fmt.Errorf("post is not pinned")
		}
	case "flagPost":
		if actorRole <= RoleMuted {
			return fmt.Errorf("muted users cannot flag posts")
		}
	case "subscribe":
		subscribed, err := c.isSubscribed(ctx, e, op.communityID, op.actorID)
		if err != nil {
			return err
		}
		if subscribed {
			return fmt.Errorf("already subscribed")
		}
	case "unsubscribe":
		subscribed, err := c.isSubscribed(ctx, e, op.communityID, op.actorID)
		if err != nil {
			return err
		}
		if !subscribed {
			return fmt.Errorf("not subscribed")
		}
	}
	return nil
}

// apply mutates the store for a validated op and appends the mod log entry.
func (c *Communities) apply(ctx context.Context, e db.Execer, op *communityOp) error {
	var err error
	switch op.action {
	case "updateSettings":
		_, err = e.ExecContext(ctx,
			"UPDATE hive_communities SET settings = ? WHERE id = ?",
			op.settings, op.communityID)
	case "subscribe":
		if _, err = e.ExecContext(ctx,
			"INSERT INTO hive_subscriptions (community_id, account_id, created_at) VALUES (?, ?, ?)",
			op.communityID, op.actorID, op.date); err != nil {
			return err
		}
		_, err = e.ExecContext(ctx,
			"UPDATE hive_communities SET subscribers = subscribers + 1 WHERE id = ?",
			op.communityID)
	case "unsubscribe":
		if _, err = e.ExecContext(ctx,
			"DELETE FROM hive_subscriptions WHERE community_id = ? AND account_id = ?",
			op.communityID, op.actorID); err != nil {
			return err
		}
		_, err = e.ExecContext(ctx,
			"UPDATE hive_communities SET subscribers = subscribers - 1 WHERE id = ?",
			op.communityID)
	case "setRole":
		_, err = e.ExecContext(ctx, `INSERT INTO hive_roles
			(community_id, account_id, role_id, created_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE role_id = VALUES(role_id)`,
			op.communityID, op.accountID, op.roleID, op.date)
	case "setUserTitle":
		_, err = e.ExecContext(ctx, `INSERT INTO hive_roles
			(community_id, account_id, role_id, title, created_at) VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE title = VALUES(title)`,
			op.communityID, op.actorID, RoleGuest, op.title, op.date)
	case "mutePost":
		_, err = e.ExecContext(ctx, "UPDATE hive_posts SET is_muted = 1 WHERE id = ?", op.postID)
	case "unmutePost":
		_, err = e.ExecContext(ctx, "UPDATE hive_posts SET is_muted = 0 WHERE id = ?", op.postID)
	case "pinPost":
		_, err = e.ExecContext(ctx, "UPDATE hive_posts SET is_pinned = 1 WHERE id = ?", op.postID)
	case "unpinPost":
		_, err = e.ExecContext(ctx, "UPDATE hive_posts SET is_pinned = 0 WHERE id = ?", op.postID)
	case "flagPost":
		_, err = e.ExecContext(ctx, `INSERT INTO hive_flags
			(account, community, author, permlink, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			op.actor, op.community, op.account, op.permlink, op.notes, op.date)
	default:
		return fmt.Errorf("unhandled action %q", op.action)
	}
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx,
		"INSERT INTO hive_modlog (account, community, action, created_at) VALUES (?, ?, ?, ?)",
		op.actor, op.community, string(op.raw), op.date)
	return err
}
