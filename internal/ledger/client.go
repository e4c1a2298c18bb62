// Package ledger provides chain access: block lookups, log filtering and
// subscriptions, and the energy oracle contract binding.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
)

// Client is the read surface the ingestor needs from the chain.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (time.Time, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

type client struct {
	eth *ethclient.Client
}

// Dial connects to the ledger RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	return &client{eth: eth}, nil
}

func (c *client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, apierrors.ErrLedgerUnavailable.Wrap(err)
	}
	return n, nil
}

// BlockTimestamp returns the header timestamp for a block number.
func (c *client) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, apierrors.ErrLedgerUnavailable.Wrap(err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (c *client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, apierrors.ErrLedgerUnavailable.Wrap(err)
	}
	return logs, nil
}

func (c *client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub, err := c.eth.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, apierrors.ErrLedgerUnavailable.Wrap(err)
	}
	return sub, nil
}
