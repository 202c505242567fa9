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
	"fmt"

	"github.com/openhive/hivesync/db"
	"github.com/openhive/hivesync/steem"
)

// chainStateFetcher is the upstream subset the state updater needs.
type chainStateFetcher interface {
	GDGPExtended(ctx context.Context) (*steem.ChainProps, error)
}

// UpdateChainState refreshes the hive_state singleton with the derived
// chain properties: head block, prices and the pruned dgpo snapshot.
func UpdateChainState(ctx context.Context, e db.Execer, client chainStateFetcher) error {
	props, err := client.GDGPExtended(ctx)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `UPDATE hive_state
		   SET block_num = ?, steem_per_mvest = ?, usd_per_steem = ?,
		       sbd_per_steem = ?, dgpo = ?`,
		props.BlockNum, props.SteemPerMvest, props.USDPerSteem,
		props.SBDPerSteem, string(props.DGPO))
	if err != nil {
		return fmt.Errorf("update chain state: %w", err)
	}
	return nil
}
