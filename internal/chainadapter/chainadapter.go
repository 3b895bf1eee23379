// Package chainadapter implements internal/engine.ChainAdapter against a
// pool of Ethereum-compatible JSON-RPC nodes via go-ethereum's ethclient,
// following the teacher's multi-node Flow access client: round-robin node
// selection, per-node temporary disable on failure, and a shared rate
// limiter.
package chainadapter

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

// Adapter is a round-robin pool of Ethereum JSON-RPC clients implementing
// engine.ChainAdapter.
type Adapter struct {
	clients       []*ethclient.Client
	endpoints     []string
	disabledUntil []int64 // unix nanos, atomic
	limiter       *rate.Limiter
	rr            uint32
}

// New dials every endpoint in endpoints (comma/space/semicolon separated if
// a single string came from an environment variable — see NewFromEnv). At
// least one endpoint must dial successfully.
func New(ctx context.Context, endpoints []string) (*Adapter, error) {
	clients := make([]*ethclient.Client, 0, len(endpoints))
	connected := make([]string, 0, len(endpoints))
	var firstErr error
	for _, endpoint := range endpoints {
		cli, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("dial rpc endpoint %s: %w", endpoint, err)
			}
			continue
		}
		clients = append(clients, cli)
		connected = append(connected, endpoint)
	}
	if len(clients) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("chainadapter: no rpc endpoints provided")
	}

	return &Adapter{
		clients:       clients,
		endpoints:     connected,
		disabledUntil: make([]int64, len(clients)),
		limiter:       newLimiterFromEnv(len(clients)),
	}, nil
}

// NewFromEnv dials the comma/space separated endpoint list in the named
// environment variable, falling back to fallback when unset.
func NewFromEnv(ctx context.Context, envKey, fallback string) (*Adapter, error) {
	return New(ctx, parseEndpointsFromEnv(envKey, fallback))
}

// Close releases every underlying RPC connection.
func (a *Adapter) Close() {
	for _, cli := range a.clients {
		cli.Close()
	}
}

// LoadBlocks fetches each requested block's header (for ParentHash) without
// computing any triggers; used by the engine on revert to learn a block's
// parent.
func (a *Adapter) LoadBlocks(ctx context.Context, pointers []chainmodel.BlockPointer) ([]chainmodel.Block, error) {
	out := make([]chainmodel.Block, 0, len(pointers))
	for _, ptr := range pointers {
		var header *types.Header
		err := a.withRetry(ctx, func(cli *ethclient.Client) error {
			var err error
			header, err = cli.HeaderByNumber(ctx, new(big.Int).SetUint64(ptr.Number))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("chainadapter: load block %s: %w", ptr, err)
		}
		out = append(out, chainmodel.Block{
			Pointer:    chainmodel.BlockPointer{Number: ptr.Number, Hash: header.Hash()},
			ParentHash: header.ParentHash,
		})
	}
	return out, nil
}

// LatestBlockHeight reports the current chain head height, satisfying
// internal/blockstream.HeadFetcher so a Builder can compute how far behind
// the stream is without a separate RPC client.
func (a *Adapter) LatestBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := a.withRetry(ctx, func(cli *ethclient.Client) error {
		var err error
		height, err = cli.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("chainadapter: fetch latest block height: %w", err)
	}
	return height, nil
}

// TriggersInBlock fetches a block's header and the logs matching filter's
// addresses and event signatures, and returns a Block whose triggers are
// those logs followed by one block trigger when filter.WantBlocks is set.
// No call triggers are produced: call traces are not fetched.
func (a *Adapter) TriggersInBlock(ctx context.Context, filter *chainmodel.CompositeFilter, at chainmodel.BlockPointer) (chainmodel.Block, error) {
	var header *types.Header
	err := a.withRetry(ctx, func(cli *ethclient.Client) error {
		var err error
		header, err = cli.HeaderByNumber(ctx, new(big.Int).SetUint64(at.Number))
		return err
	})
	if err != nil {
		return chainmodel.Block{}, fmt.Errorf("chainadapter: fetch header %d: %w", at.Number, err)
	}

	block := chainmodel.Block{
		Pointer:    chainmodel.BlockPointer{Number: at.Number, Hash: header.Hash()},
		ParentHash: header.ParentHash,
	}

	if len(filter.Addresses) > 0 || len(filter.EventSigs) > 0 {
		var logs []types.Log
		err := a.withRetry(ctx, func(cli *ethclient.Client) error {
			var err error
			logs, err = cli.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(at.Number),
				ToBlock:   new(big.Int).SetUint64(at.Number),
				Addresses: addressList(filter.Addresses),
			})
			return err
		})
		if err != nil {
			return chainmodel.Block{}, fmt.Errorf("chainadapter: filter logs at %d: %w", at.Number, err)
		}
		for i := range logs {
			lg := logs[i]
			if !matchesEventSigs(filter, lg) {
				continue
			}
			block.Triggers = append(block.Triggers, chainmodel.Trigger{Kind: chainmodel.TriggerLog, Log: &lg})
		}
	}

	if filter.WantBlocks {
		block.Triggers = append(block.Triggers, chainmodel.Trigger{Kind: chainmodel.TriggerBlock})
	}

	return block, nil
}

func matchesEventSigs(filter *chainmodel.CompositeFilter, lg types.Log) bool {
	if len(filter.EventSigs) == 0 {
		return true
	}
	if len(lg.Topics) == 0 {
		return false
	}
	_, ok := filter.EventSigs[lg.Topics[0]]
	return ok
}

func addressList(addrs map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(addrs))
	for a := range addrs {
		out = append(out, a)
	}
	return out
}

// withRetry runs fn against a rotating selection of healthy nodes, applying
// the shared rate limiter and an exponential backoff retry policy for
// transient transport errors, mirroring the teacher's Flow client retry
// discipline.
func (a *Adapter) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	const maxRetries = 5
	backoff := 250 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		idx, cli := a.pickClient()
		err := fn(cli)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.disableNodeFor(idx, 30*time.Second)
		if attempt == maxRetries-1 {
			return fmt.Errorf("max retries reached: %w", err)
		}
		wait := backoff * time.Duration(1<<attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("chainadapter: exhausted retries")
}

func (a *Adapter) pickClient() (int, *ethclient.Client) {
	if len(a.clients) == 1 {
		return 0, a.clients[0]
	}
	start := int(atomic.AddUint32(&a.rr, 1) % uint32(len(a.clients)))
	now := time.Now().UnixNano()
	for i := 0; i < len(a.clients); i++ {
		idx := (start + i) % len(a.clients)
		if atomic.LoadInt64(&a.disabledUntil[idx]) > now {
			continue
		}
		return idx, a.clients[idx]
	}
	return start, a.clients[start]
}

func (a *Adapter) disableNodeFor(idx int, d time.Duration) {
	atomic.StoreInt64(&a.disabledUntil[idx], time.Now().Add(d).UnixNano())
}

func newLimiterFromEnv(nodeCount int) *rate.Limiter {
	if nodeCount < 1 {
		nodeCount = 1
	}
	rps := getEnvFloat("CHAIN_RPC_RPS", 10)
	if rps <= 0 {
		return nil
	}
	burst := int(getEnvFloat("CHAIN_RPC_BURST", rps*float64(nodeCount)))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps*float64(nodeCount)), burst)
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseEndpointsFromEnv(envKey, fallback string) []string {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = fallback
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
