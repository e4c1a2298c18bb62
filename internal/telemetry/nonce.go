package telemetry

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agoralabs/agora/internal/ledger"
)

// Reservation is an in-flight nonce claim for one signer address.
type Reservation struct {
	Account common.Address
	Nonce   *big.Int
}

// NonceManager hands out strictly increasing per-signer nonces. Reserve
// returns (nil, nil) when no nonce can be issued this cycle; the caller
// skips the submission and retries next cycle.
type NonceManager interface {
	Reserve(ctx context.Context, account common.Address) (*Reservation, error)
	Confirm(r *Reservation)
	Release(r *Reservation)
}

func addrKey(account common.Address) string {
	return strings.ToLower(account.Hex())
}

// apiNonceManager derives nonces from the persisted ceiling plus an
// in-process pending map. Used when submitting through the HTTP API,
// which has no on-chain nonce to read.
type apiNonceManager struct {
	state *StateStore

	mu      sync.Mutex
	pending map[string]*big.Int
}

// NewAPINonceManager creates the API-mode manager backed by the state store.
func NewAPINonceManager(state *StateStore) NonceManager {
	return &apiNonceManager{state: state, pending: map[string]*big.Int{}}
}

func (m *apiNonceManager) Reserve(_ context.Context, account common.Address) (*Reservation, error) {
	key := addrKey(account)

	m.mu.Lock()
	defer m.mu.Unlock()

	floor := big.NewInt(-1)
	if persisted, ok := m.state.APINonce(key); ok {
		if v, valid := new(big.Int).SetString(persisted, 10); valid {
			floor = v
		}
	}
	if p, ok := m.pending[key]; ok && p.Cmp(floor) > 0 {
		floor = p
	}

	next := new(big.Int).Add(floor, big.NewInt(1))
	m.pending[key] = next
	return &Reservation{Account: account, Nonce: next}, nil
}

func (m *apiNonceManager) Confirm(r *Reservation) {
	key := addrKey(r.Account)

	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()

	m.state.SetAPINonce(key, r.Nonce.String())
}

func (m *apiNonceManager) Release(r *Reservation) {
	key := addrKey(r.Account)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[key]; ok && p.Cmp(r.Nonce) == 0 {
		delete(m.pending, key)
	}
}

// contractNonceManager reads nonces(address) from the oracle contract and
// caches them. A network-classified read failure rebuilds the connection
// and yields no nonce for the cycle.
type contractNonceManager struct {
	conn   *ledger.OracleConnection
	logger *slog.Logger

	mu      sync.Mutex
	cached  map[string]*big.Int
	pending map[string]*big.Int
}

// NewContractNonceManager creates the contract-mode manager.
func NewContractNonceManager(conn *ledger.OracleConnection, logger *slog.Logger) NonceManager {
	return &contractNonceManager{
		conn:    conn,
		logger:  logger,
		cached:  map[string]*big.Int{},
		pending: map[string]*big.Int{},
	}
}

func (m *contractNonceManager) Reserve(ctx context.Context, account common.Address) (*Reservation, error) {
	key := addrKey(account)

	m.mu.Lock()
	floor, cached := m.cached[key]
	p, hasPending := m.pending[key]
	m.mu.Unlock()

	if !cached {
		onchain, err := m.conn.Nonces(ctx, account)
		if err != nil {
			if ledger.IsNetworkError(err) {
				m.logger.Warn("nonce read hit a network failure, rebuilding connection", slog.Any("error", err))
				if rerr := m.conn.Refresh(ctx); rerr != nil {
					m.logger.Error("connection rebuild failed", slog.Any("error", rerr))
				}
				return nil, nil
			}
			return nil, err
		}
		floor = onchain
		m.mu.Lock()
		m.cached[key] = onchain
		m.mu.Unlock()
	}

	if hasPending && p.Cmp(floor) > 0 {
		floor = p
	}

	next := new(big.Int).Add(floor, big.NewInt(1))

	m.mu.Lock()
	m.pending[key] = next
	m.mu.Unlock()

	return &Reservation{Account: account, Nonce: next}, nil
}

func (m *contractNonceManager) Confirm(r *Reservation) {
	key := addrKey(r.Account)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached[key] = r.Nonce
	delete(m.pending, key)
}

func (m *contractNonceManager) Release(r *Reservation) {
	key := addrKey(r.Account)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[key]; ok && p.Cmp(r.Nonce) == 0 {
		delete(m.pending, key)
	}
}
