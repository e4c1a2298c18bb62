package telemetry

import (
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/agoralabs/agora/internal/models"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
)

// BuilderOptions hold the scaling and domain parameters applied to every
// attestation.
type BuilderOptions struct {
	EnergyScaling     float64
	ValueScaling      float64
	Role              uint8
	EpochDurationSec  int64
	DeadlineBufferSec int64
	ChainID           int64
	VerifyingContract common.Address
}

// Builder converts sanitized energy logs into signed attestations.
type Builder struct {
	opts BuilderOptions
	key  *ecdsa.PrivateKey

	now func() time.Time
}

// NewBuilder creates a builder signing with the given key.
func NewBuilder(opts BuilderOptions, signerKeyHex string) (*Builder, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(signerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	if opts.EpochDurationSec <= 0 {
		opts.EpochDurationSec = 86400
	}
	if opts.DeadlineBufferSec <= 0 {
		opts.DeadlineBufferSec = 3600
	}
	if opts.EnergyScaling == 0 {
		opts.EnergyScaling = 1
	}
	if opts.ValueScaling == 0 {
		opts.ValueScaling = 1000000
	}
	return &Builder{opts: opts, key: key, now: time.Now}, nil
}

// Signer returns the address the builder signs with.
func (b *Builder) Signer() common.Address {
	return crypto.PubkeyToAddress(b.key.PublicKey)
}

// parseJobID accepts a decimal or 0x-prefixed hex job identifier.
func parseJobID(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apierrors.ErrInvalidJobID
	}
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
		base = 16
	}
	id, ok := new(big.Int).SetString(raw, base)
	if !ok {
		return nil, apierrors.ErrInvalidJobID
	}
	return id, nil
}

// Build derives the attestation fields from one energy log and a reserved
// nonce.
func (b *Builder) Build(log *models.EnergyLog, nonce *big.Int) (*models.Attestation, error) {
	jobID, err := parseJobID(log.JobID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(log.Agent) {
		return nil, apierrors.ErrInvalidAddress.WithDetails(map[string]string{"agent": log.Agent})
	}
	user := common.HexToAddress(log.Agent)

	energy := int64(math.Round(log.Summary.EnergyScore * b.opts.EnergyScaling))
	if energy < 0 {
		energy = 0
	}

	degeneracy := int64(log.Summary.Runs)
	if degeneracy < 1 {
		degeneracy = 1
	}

	lastUpdated, err := time.Parse(time.RFC3339, log.Summary.LastUpdated)
	if err != nil {
		return nil, apierrors.ErrSchemaViolation.WithMessage(fmt.Sprintf("unparseable lastUpdated %q", log.Summary.LastUpdated))
	}
	epochID := lastUpdated.Unix() / b.opts.EpochDurationSec

	return &models.Attestation{
		JobID:      jobID,
		User:       user,
		Energy:     big.NewInt(energy),
		Degeneracy: big.NewInt(degeneracy),
		EpochID:    big.NewInt(epochID),
		Role:       b.opts.Role,
		Nonce:      nonce,
		Deadline:   big.NewInt(b.now().Unix() + b.opts.DeadlineBufferSec),
		UPre:       big.NewInt(int64(math.Round(log.Summary.TotalCPUTimeMs))),
		UPost:      big.NewInt(int64(math.Round(log.Summary.TotalCPUTimeMs + log.Summary.TotalGPUTimeMs))),
		Value:      big.NewInt(int64(math.Round(log.Summary.AverageEfficiency * b.opts.ValueScaling))),
	}, nil
}

// attestationTypes is the EnergyAttestation typed-data layout. Field order
// matches the on-chain struct and must not change.
var attestationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"EnergyAttestation": {
		{Name: "jobId", Type: "uint256"},
		{Name: "user", Type: "address"},
		{Name: "energy", Type: "int256"},
		{Name: "degeneracy", Type: "uint256"},
		{Name: "epochId", Type: "uint256"},
		{Name: "role", Type: "uint8"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "uPre", Type: "uint256"},
		{Name: "uPost", Type: "uint256"},
		{Name: "value", Type: "uint256"},
	},
}

// Sign produces the EIP-712 signature over the attestation under the
// EnergyOracle domain.
func (b *Builder) Sign(att *models.Attestation) ([]byte, error) {
	digest, err := b.digest(att)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest, b.key)
	if err != nil {
		return nil, apierrors.ErrSignatureFailed.Wrap(err)
	}
	// Shift recovery id to the 27/28 convention contracts expect.
	sig[64] += 27
	return sig, nil
}

func (b *Builder) digest(att *models.Attestation) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       attestationTypes,
		PrimaryType: "EnergyAttestation",
		Domain: apitypes.TypedDataDomain{
			Name:              "EnergyOracle",
			Version:           "1",
			ChainId:           ethmath.NewHexOrDecimal256(b.opts.ChainID),
			VerifyingContract: b.opts.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"jobId":      (*ethmath.HexOrDecimal256)(att.JobID),
			"user":       att.User.Hex(),
			"energy":     (*ethmath.HexOrDecimal256)(att.Energy),
			"degeneracy": (*ethmath.HexOrDecimal256)(att.Degeneracy),
			"epochId":    (*ethmath.HexOrDecimal256)(att.EpochID),
			"role":       ethmath.NewHexOrDecimal256(int64(att.Role)),
			"nonce":      (*ethmath.HexOrDecimal256)(att.Nonce),
			"deadline":   (*ethmath.HexOrDecimal256)(att.Deadline),
			"uPre":       (*ethmath.HexOrDecimal256)(att.UPre),
			"uPost":      (*ethmath.HexOrDecimal256)(att.UPost),
			"value":      (*ethmath.HexOrDecimal256)(att.Value),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, apierrors.ErrSignatureFailed.Wrap(err)
	}
	return digest, nil
}
