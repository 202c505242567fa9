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

package steem

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
)

const (
	// httpPoolSize bounds the shared upstream connection pool.
	httpPoolSize = 50

	// parHTTPOverhead is the assumed fixed HTTP cost (ms), subtracted
	// before comparing a call against its par budget.
	parHTTPOverhead = 75

	// parThreshold flags calls at this multiple of par.
	parThreshold = 1.1

	// missingBlockWait is the pause before refetching blocks a batch
	// response failed to include.
	missingBlockWait = 3 * time.Second
)

// parSteemd holds per-call timing budgets in ms per batched item.
var parSteemd = map[string]float64{
	"get_dynamic_global_properties": 20,
	"get_block":                     50,
	"get_blocks_batch":              5,
	"get_accounts":                  3,
	"get_content":                   4,
	"get_order_book":                20,
	"get_feed_history":              20,
}

// linearBackOff implements the indefinite tries/10-second retry schedule.
type linearBackOff struct {
	step  time.Duration
	tries int
}

func newLinearBackOff() *linearBackOff {
	return &linearBackOff{step: 100 * time.Millisecond}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.tries++
	return time.Duration(b.tries) * b.step
}

func (b *linearBackOff) Reset() { b.tries = 0 }

// Client is the steemd JSON-RPC client. All methods retry transient
// failures indefinitely with linear backoff; callers bound them with a
// context when cancellation is needed.
type Client struct {
	url        string
	appbase    bool
	maxBatch   int
	maxWorkers int
	rpc        *rpc.Client
}

// NewClient connects to a steemd/jussi endpoint. A url suffixed with
// "#appbase" switches method names to the condenser_api namespace.
func NewClient(url string, maxBatch, maxWorkers int) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("steemd endpoint undefined")
	}
	if maxBatch <= 0 || maxBatch > 5000 {
		return nil, fmt.Errorf("max batch %d out of range (0, 5000]", maxBatch)
	}
	if maxWorkers <= 0 || maxWorkers > 500 {
		return nil, fmt.Errorf("max workers %d out of range (0, 500]", maxWorkers)
	}
	appbase := false
	if strings.HasSuffix(url, "#appbase") {
		appbase = true
		url = strings.TrimSuffix(url, "#appbase")
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        httpPoolSize,
			MaxIdleConnsPerHost: httpPoolSize,
			MaxConnsPerHost:     httpPoolSize,
		},
	}
	rpcClient, err := rpc.DialOptions(context.Background(), url, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial steemd %s: %w", url, err)
	}
	log.Info("Steem client initialized", "url", url, "batch", maxBatch, "workers", maxWorkers, "appbase", appbase)
	return &Client{url: url, appbase: appbase, maxBatch: maxBatch, maxWorkers: maxWorkers, rpc: rpcClient}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// method resolves a legacy call name against the configured convention.
func (c *Client) method(name string) string {
	if c.appbase {
		return "condenser_api." + name
	}
	return name
}

// execRetry runs fn until it succeeds, backing off tries/10 seconds per
// failure. Shape assertions inside fn are retried like transport errors.
func (c *Client) execRetry(ctx context.Context, method string, fn func() error) error {
	bo := backoff.WithContext(newLinearBackOff(), ctx)
	return backoff.RetryNotify(fn, bo, func(err error, wait time.Duration) {
		callRetriesTotal.Inc(1)
		log.Warn("Steem call failed, retrying", "method", method, "wait", wait, "err", err)
	})
}

// logCall records call timing and flags calls over their par budget.
func logCall(method string, start time.Time, batchSize int) {
	elapsed := time.Since(start)
	callLatency.Update(elapsed)
	batchSizeGauge.Update(int64(batchSize))

	par, ok := parSteemd[method]
	if !ok || batchSize == 0 {
		return
	}
	per := (float64(elapsed.Milliseconds()) - parHTTPOverhead) / float64(batchSize)
	if over := per / par; over >= parThreshold {
		callOverParTotal.Inc(1)
		log.Warn("Steem call over par", "method", method, "batch", batchSize,
			"elapsed", elapsed, "x", fmt.Sprintf("%.1f", over))
	}
}

// gdgp fetches dynamic global properties, returning both the raw document
// and the typed subset.
func (c *Client) gdgp(ctx context.Context) (json.RawMessage, *dynamicGlobalProps, error) {
	start := time.Now()
	var raw json.RawMessage
	var props dynamicGlobalProps
	err := c.execRetry(ctx, "get_dynamic_global_properties", func() error {
		raw = nil
		if err := c.rpc.CallContext(ctx, &raw, c.method("get_dynamic_global_properties")); err != nil {
			return err
		}
		if len(raw) == 0 {
			return fmt.Errorf("empty gdgp response")
		}
		if err := json.Unmarshal(raw, &props); err != nil {
			return fmt.Errorf("malformed gdgp response: %w", err)
		}
		if props.Time.IsZero() {
			return fmt.Errorf("gdgp response missing time")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	logCall("get_dynamic_global_properties", start, 1)
	return raw, &props, nil
}

// HeadBlock returns the current head block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	_, props, err := c.gdgp(ctx)
	if err != nil {
		return 0, err
	}
	return props.HeadBlockNumber, nil
}

// HeadTime returns the chain head timestamp.
func (c *Client) HeadTime(ctx context.Context) (time.Time, error) {
	_, props, err := c.gdgp(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return props.Time.Time, nil
}

// LastIrreversible returns the last irreversible block number.
func (c *Client) LastIrreversible(ctx context.Context) (uint64, error) {
	_, props, err := c.gdgp(ctx)
	if err != nil {
		return 0, err
	}
	return props.LastIrreversibleBlock, nil
}

// GetBlock fetches one block. A nil block without error means the block
// has not been produced yet; that case is not retried.
func (c *Client) GetBlock(ctx context.Context, num uint64) (*Block, error) {
	start := time.Now()
	var block *Block
	err := c.execRetry(ctx, "get_block", func() error {
		block = nil
		return c.rpc.CallContext(ctx, &block, c.method("get_block"), num)
	})
	if err != nil {
		return nil, err
	}
	logCall("get_block", start, 1)
	return block, nil
}

// GetBlocksRange fetches blocks [lbound, ubound) in order, retrying until
// every requested number is present. Responses are deduplicated by the
// decoded block-id prefix.
func (c *Client) GetBlocksRange(ctx context.Context, lbound, ubound uint64) ([]*Block, error) {
	blocks := make(map[uint64]*Block, ubound-lbound)
	missing := make([]uint64, 0, ubound-lbound)
	for num := lbound; num < ubound; num++ {
		missing = append(missing, num)
	}

	for len(missing) > 0 {
		start := time.Now()
		elems := make([]rpc.BatchElem, len(missing))
		results := make([]*Block, len(missing))
		for i, num := range missing {
			elems[i] = rpc.BatchElem{
				Method: c.method("get_block"),
				Args:   []any{num},
				Result: &results[i],
			}
		}
		if err := c.execBatch(ctx, elems); err != nil {
			return nil, err
		}
		logCall("get_blocks_batch", start, len(missing))

		for _, block := range results {
			if block == nil || len(block.BlockID) < 8 {
				log.Warn("Invalid block in batch response")
				continue
			}
			num := block.Num()
			if _, dupe := blocks[num]; dupe {
				log.Warn("Duplicate block in batch response", "num", num)
				continue
			}
			blocks[num] = block
		}

		missing = missing[:0]
		for num := lbound; num < ubound; num++ {
			if _, ok := blocks[num]; !ok {
				missing = append(missing, num)
			}
		}
		if len(missing) > 0 {
			log.Warn("Batch response missed blocks, refetching", "count", len(missing), "first", missing[0])
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(missingBlockWait):
			}
		}
	}

	out := make([]*Block, 0, ubound-lbound)
	for num := lbound; num < ubound; num++ {
		out = append(out, blocks[num])
	}
	return out, nil
}

// GetAccounts fetches full account records for the given names.
func (c *Client) GetAccounts(ctx context.Context, names []string) ([]Account, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no accounts requested")
	}
	start := time.Now()
	var accounts []Account
	err := c.execRetry(ctx, "get_accounts", func() error {
		accounts = nil
		if err := c.rpc.CallContext(ctx, &accounts, c.method("get_accounts"), names); err != nil {
			return err
		}
		if len(accounts) != len(names) {
			return fmt.Errorf("requested %d accounts, got %d", len(names), len(accounts))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logCall("get_accounts", start, len(names))
	return accounts, nil
}

// GetContentBatch fetches authoritative content for author/permlink pairs.
// Results align with the request order; entries whose post is unknown
// upstream come back with a blank author (Content.Found reports false).
func (c *Client) GetContentBatch(ctx context.Context, pairs [][2]string) ([]Content, error) {
	start := time.Now()
	elems := make([]rpc.BatchElem, len(pairs))
	out := make([]Content, len(pairs))
	for i, pair := range pairs {
		elems[i] = rpc.BatchElem{
			Method: c.method("get_content"),
			Args:   []any{pair[0], pair[1]},
			Result: &out[i],
		}
	}
	if err := c.execBatch(ctx, elems); err != nil {
		return nil, err
	}
	logCall("get_content", start, len(pairs))
	return out, nil
}

// GDGPExtended fetches global properties plus derived price state.
func (c *Client) GDGPExtended(ctx context.Context) (*ChainProps, error) {
	raw, props, err := c.gdgp(ctx)
	if err != nil {
		return nil, err
	}
	dgpo, err := pruneDGPO(raw)
	if err != nil {
		return nil, err
	}
	spm, err := steemPerMvest(props)
	if err != nil {
		return nil, err
	}
	usd, err := c.feedPrice(ctx)
	if err != nil {
		return nil, err
	}
	sbd, err := c.steemPrice(ctx)
	if err != nil {
		return nil, err
	}
	return &ChainProps{
		BlockNum:      props.HeadBlockNumber,
		SteemPerMvest: spm,
		USDPerSteem:   usd,
		SBDPerSteem:   sbd,
		DGPO:          dgpo,
	}, nil
}

// deprecatedDGPOKeys are dropped from the persisted dgpo document.
var deprecatedDGPOKeys = []string{
	"total_pow", "num_pow_witnesses", "confidential_supply",
	"confidential_sbd_supply", "total_reward_fund_steem", "total_reward_shares2",
}

func pruneDGPO(raw json.RawMessage) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed dgpo: %w", err)
	}
	for _, key := range deprecatedDGPOKeys {
		delete(doc, key)
	}
	return json.Marshal(doc)
}

func steemPerMvest(props *dynamicGlobalProps) (string, error) {
	fund, _, err := ParseAmount(props.TotalVestingFundSteem)
	if err != nil {
		return "", fmt.Errorf("total_vesting_fund_steem: %w", err)
	}
	shares, _, err := ParseAmount(props.TotalVestingShares)
	if err != nil {
		return "", fmt.Errorf("total_vesting_shares: %w", err)
	}
	if shares == 0 {
		return "", fmt.Errorf("zero total vesting shares")
	}
	return fmt.Sprintf("%.6f", fund/(shares/1e6)), nil
}

// feedPrice derives usd_per_steem from the median price feed.
func (c *Client) feedPrice(ctx context.Context) (string, error) {
	start := time.Now()
	var feed feedHistory
	err := c.execRetry(ctx, "get_feed_history", func() error {
		if err := c.rpc.CallContext(ctx, &feed, c.method("get_feed_history")); err != nil {
			return err
		}
		if feed.CurrentMedianHistory.Base == "" {
			return fmt.Errorf("empty feed history")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	logCall("get_feed_history", start, 1)

	base, baseSym, err := ParseAmount(feed.CurrentMedianHistory.Base)
	if err != nil {
		return "", err
	}
	quote, _, err := ParseAmount(feed.CurrentMedianHistory.Quote)
	if err != nil {
		return "", err
	}
	if baseSym != "SBD" {
		base, quote = quote, base
	}
	if quote == 0 {
		return "", fmt.Errorf("zero feed quote")
	}
	return fmt.Sprintf("%.6f", base/quote), nil
}

// steemPrice derives sbd_per_steem from the order-book mid price.
func (c *Client) steemPrice(ctx context.Context) (string, error) {
	start := time.Now()
	var book orderBook
	err := c.execRetry(ctx, "get_order_book", func() error {
		if err := c.rpc.CallContext(ctx, &book, c.method("get_order_book"), 1); err != nil {
			return err
		}
		if len(book.Asks) == 0 || len(book.Bids) == 0 {
			return fmt.Errorf("empty order book")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	logCall("get_order_book", start, 1)

	ask, err := strconv.ParseFloat(book.Asks[0].RealPrice, 64)
	if err != nil {
		return "", fmt.Errorf("ask real_price: %w", err)
	}
	bid, err := strconv.ParseFloat(book.Bids[0].RealPrice, 64)
	if err != nil {
		return "", fmt.Errorf("bid real_price: %w", err)
	}
	return fmt.Sprintf("%.6f", (ask+bid)/2), nil
}

// execBatch sends a JSON-RPC batch, chunked to maxBatch and fanned across
// up to maxWorkers parallel calls. Each chunk is retried until every
// element succeeds; element order is preserved.
func (c *Client) execBatch(ctx context.Context, elems []rpc.BatchElem) error {
	if len(elems) == 0 {
		return nil
	}
	var chunks [][]rpc.BatchElem
	for lo := 0; lo < len(elems); lo += c.maxBatch {
		hi := min(lo+c.maxBatch, len(elems))
		chunks = append(chunks, elems[lo:hi])
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.maxWorkers)
	for _, chunk := range chunks {
		group.Go(func() error {
			return c.execRetry(gctx, "batch", func() error {
				if err := c.rpc.BatchCallContext(gctx, chunk); err != nil {
					return err
				}
				for i := range chunk {
					if chunk[i].Error != nil {
						return fmt.Errorf("batch element %s: %w", chunk[i].Method, chunk[i].Error)
					}
				}
				return nil
			})
		})
	}
	return group.Wait()
}
