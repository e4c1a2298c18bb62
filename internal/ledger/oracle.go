package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agoralabs/agora/internal/models"
)

const oracleABIJSON = `[
	{"type":"function","name":"nonces","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"verify","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"att","type":"tuple","components":[
			{"name":"jobId","type":"uint256"},
			{"name":"user","type":"address"},
			{"name":"energy","type":"int256"},
			{"name":"degeneracy","type":"uint256"},
			{"name":"epochId","type":"uint256"},
			{"name":"role","type":"uint8"},
			{"name":"nonce","type":"uint256"},
			{"name":"deadline","type":"uint256"},
			{"name":"uPre","type":"uint256"},
			{"name":"uPost","type":"uint256"},
			{"name":"value","type":"uint256"}]},
		{"name":"signature","type":"bytes"}],
	 "outputs":[]}
]`

var oracleABI = mustParseABI(oracleABIJSON)

// networkErrPattern matches provider failures that warrant a full
// connection rebuild rather than a plain retry.
var networkErrPattern = regexp.MustCompile(`(?i)network|timeout|ECONN|socket|disconnected`)

// IsNetworkError classifies an error as a transport-level provider failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return networkErrPattern.MatchString(err.Error())
}

// OracleConnection holds the JSON-RPC client, signer and bound contract for
// the energy oracle. Refresh rebuilds all of it from scratch after a
// network-classified failure.
type OracleConnection struct {
	rpcURL   string
	address  common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	gasLimit uint64

	mu       sync.Mutex
	eth      *ethclient.Client
	contract *bind.BoundContract
	auth     *bind.TransactOpts
}

// NewOracleConnection dials the oracle RPC and binds the contract.
func NewOracleConnection(ctx context.Context, rpcURL, address, signerKeyHex string, chainID int64) (*OracleConnection, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(signerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid oracle address %q", address)
	}

	c := &OracleConnection{
		rpcURL:  rpcURL,
		address: common.HexToAddress(address),
		key:     key,
		chainID: big.NewInt(chainID),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *OracleConnection) connect(ctx context.Context) error {
	eth, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return fmt.Errorf("dial oracle rpc: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		eth.Close()
		return fmt.Errorf("build transactor: %w", err)
	}

	c.eth = eth
	c.auth = auth
	c.contract = bind.NewBoundContract(c.address, oracleABI, eth, eth, eth)
	return nil
}

// Refresh tears down and rebuilds the provider, signer, and contract.
func (c *OracleConnection) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
	}
	return c.connect(ctx)
}

// Signer returns the submitting address.
func (c *OracleConnection) Signer() common.Address {
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// Nonces reads the on-chain submission nonce for an address.
func (c *OracleConnection) Nonces(ctx context.Context, account common.Address) (*big.Int, error) {
	c.mu.Lock()
	contract := c.contract
	c.mu.Unlock()

	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := contract.Call(opts, &out, "nonces", account); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Verify submits a signed attestation and returns the transaction.
func (c *OracleConnection) Verify(ctx context.Context, att *models.Attestation, signature []byte) (*types.Transaction, error) {
	c.mu.Lock()
	contract := c.contract
	opts := *c.auth
	c.mu.Unlock()

	opts.Context = ctx

	tuple := struct {
		JobId      *big.Int
		User       common.Address
		Energy     *big.Int
		Degeneracy *big.Int
		EpochId    *big.Int
		Role       uint8
		Nonce      *big.Int
		Deadline   *big.Int
		UPre       *big.Int
		UPost      *big.Int
		Value      *big.Int
	}{
		att.JobID, att.User, att.Energy, att.Degeneracy, att.EpochID,
		att.Role, att.Nonce, att.Deadline, att.UPre, att.UPost, att.Value,
	}

	return contract.Transact(&opts, "verify", tuple, signature)
}
