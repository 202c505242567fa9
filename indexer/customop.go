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
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/openhive/hivesync/db"
	"github.com/openhive/hivesync/steem"
)

// Custom op namespaces the dispatcher routes.
const (
	opIDFollow          = "follow"
	opIDReblog          = "reblog"
	opIDCommunity       = "community"
	opIDCommunityLegacy = "com.steemit.community"
)

// CustomOps routes custom_json operations to the follow graph and the
// community engine. Malformed or unauthorized ops are logged and dropped;
// unknown namespaces are dropped silently. A drop never fails the block.
type CustomOps struct {
	follows     *Follows
	communities *Communities
}

// NewCustomOps creates the dispatcher.
func NewCustomOps(follows *Follows, communities *Communities) *CustomOps {
	return &CustomOps{follows: follows, communities: communities}
}

// Process dispatches one custom_json op.
func (c *CustomOps) Process(ctx context.Context, e db.Execer, op *steem.CustomJSONOp, date time.Time) error {
	actor := op.Actor()
	if actor == "" {
		customOpsDroppedTotal.Inc(1)
		log.Debug("Custom op without auths dropped", "id", op.ID)
		return nil
	}
	var err error
	switch op.ID {
	case opIDFollow:
		err = c.processFollowEnvelope(ctx, e, actor, op, date)
	case opIDReblog:
		err = c.follows.ProcessReblog(ctx, e, actor, unwrapCommand(op.JSON, opIDReblog), date)
	case opIDCommunity, opIDCommunityLegacy:
		err = c.communities.ProcessOp(ctx, e, actor, json.RawMessage(op.JSON), date)
	default:
		return nil
	}
	if err != nil {
		customOpsDroppedTotal.Inc(1)
		log.Debug("Custom op dropped", "id", op.ID, "actor", actor, "err", err)
	}
	return nil
}

// processFollowEnvelope handles the follow namespace, whose payload is
// either a bare follow dict or a ["follow"|"reblog", {...}] command tuple.
func (c *CustomOps) processFollowEnvelope(ctx context.Context, e db.Execer, actor string, op *steem.CustomJSONOp, date time.Time) error {
	raw := json.RawMessage(op.JSON)

	var envelope []json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if len(envelope) != 2 {
			return fmt.Errorf("follow command tuple has %d elements, want 2", len(envelope))
		}
		var command string
		if err := json.Unmarshal(envelope[0], &command); err != nil {
			return fmt.Errorf("follow command was not a string: %w", err)
		}
		switch command {
		case "follow":
			return c.follows.ProcessFollow(ctx, e, actor, envelope[1], date)
		case "reblog":
			return c.follows.ProcessReblog(ctx, e, actor, envelope[1], date)
		default:
			return fmt.Errorf("unknown follow command %q", command)
		}
	}
	return c.follows.ProcessFollow(ctx, e, actor, raw, date)
}

// unwrapCommand strips an optional [command, {...}] envelope when the
// command matches; otherwise the raw payload passes through untouched.
func unwrapCommand(rawJSON string, command string) json.RawMessage {
	raw := json.RawMessage(rawJSON)
	var envelope []json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope) != 2 {
		return raw
	}
	var name string
	if err := json.Unmarshal(envelope[0], &name); err != nil || name != command {
		return raw
	}
	return envelope[1]
}
