package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const finalizerABIJSON = `[
	{"type":"function","name":"finalizeRound","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"roundId","type":"string"},
		{"name":"fitness","type":"int256"},
		{"name":"diversity","type":"int256"}],
	 "outputs":[]}
]`

var finalizerABI = mustParseABI(finalizerABIJSON)

// RoundFinalizer submits aggregate round results to the arena contract.
// Scores travel as basis points of 1e4, same as difficulty values.
type RoundFinalizer struct {
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	key      *ecdsa.PrivateKey
}

// NewRoundFinalizer dials the ledger and binds the arena contract.
func NewRoundFinalizer(ctx context.Context, rpcURL, address, signerKeyHex string, chainID int64) (*RoundFinalizer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(signerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse finalizer key: %w", err)
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid arena address %q", address)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	return &RoundFinalizer{
		contract: bind.NewBoundContract(common.HexToAddress(address), finalizerABI, eth, eth, eth),
		auth:     auth,
		key:      key,
	}, nil
}

// Finalize submits the aggregate scores for a closed round.
func (f *RoundFinalizer) Finalize(ctx context.Context, roundID string, fitness, diversity float64) error {
	opts := *f.auth
	opts.Context = ctx

	_, err := f.contract.Transact(&opts, "finalizeRound",
		roundID,
		big.NewInt(int64(math.Round(fitness*difficultyScale))),
		big.NewInt(int64(math.Round(diversity*difficultyScale))),
	)
	if err != nil {
		return fmt.Errorf("finalize round %s: %w", roundID, err)
	}
	return nil
}
