package telemetry

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoralabs/agora/internal/models"
	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
)

// Well-known throwaway dev key; signs as 0xf39F...2266.
const testSignerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(BuilderOptions{
		ChainID:           31337,
		VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}, testSignerKey)
	require.NoError(t, err)
	b.now = func() time.Time { return time.Unix(1760000000, 0).UTC() }
	return b
}

func sampleLog() *models.EnergyLog {
	return &models.EnergyLog{
		JobID: "42",
		Agent: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		Summary: models.EnergyLogSummary{
			TotalCPUTimeMs:    1200.4,
			TotalGPUTimeMs:    800.3,
			EnergyScore:       12.6,
			AverageEfficiency: 0.5,
			Runs:              3,
			LastUpdated:       "2026-01-02T10:00:00Z",
		},
	}
}

func TestNewBuilderRejectsBadKey(t *testing.T) {
	_, err := NewBuilder(BuilderOptions{}, "not-a-key")
	require.Error(t, err)
}

func TestNewBuilderAcceptsPrefixedKey(t *testing.T) {
	b, err := NewBuilder(BuilderOptions{}, "0x"+testSignerKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), b.Signer())
}

func TestParseJobID(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{"123", 123, true},
		{"0xff", 255, true},
		{"0XFF", 255, true},
		{" 42 ", 42, true},
		{"", 0, false},
		{"zz", 0, false},
		{"0x", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			id, err := parseJobID(tt.raw)
			if !tt.ok {
				assert.ErrorIs(t, err, apierrors.ErrInvalidJobID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.Int64())
		})
	}
}

func TestBuildDerivesAllFields(t *testing.T) {
	b := newTestBuilder(t)

	att, err := b.Build(sampleLog(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(42), att.JobID.Int64())
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), att.User)
	assert.Equal(t, int64(13), att.Energy.Int64())
	assert.Equal(t, int64(3), att.Degeneracy.Int64())

	// 2026-01-02T10:00:00Z = 1767348000; daily epochs.
	assert.Equal(t, int64(1767348000/86400), att.EpochID.Int64())
	assert.Equal(t, int64(1760000000+3600), att.Deadline.Int64())
	assert.Equal(t, int64(1200), att.UPre.Int64())
	assert.Equal(t, int64(2001), att.UPost.Int64())
	assert.Equal(t, int64(500000), att.Value.Int64())
	assert.Nil(t, att.Nonce)
}

func TestBuildClampsNegativeEnergy(t *testing.T) {
	b := newTestBuilder(t)
	log := sampleLog()
	log.Summary.EnergyScore = -4.2

	att, err := b.Build(log, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), att.Energy.Int64())
}

func TestBuildDefaultsDegeneracyToOne(t *testing.T) {
	b := newTestBuilder(t)
	log := sampleLog()
	log.Summary.Runs = 0

	att, err := b.Build(log, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), att.Degeneracy.Int64())
}

func TestBuildRejectsBadInput(t *testing.T) {
	b := newTestBuilder(t)

	bad := sampleLog()
	bad.Agent = "not-an-address"
	_, err := b.Build(bad, nil)
	assert.ErrorIs(t, err, apierrors.ErrInvalidAddress)

	bad = sampleLog()
	bad.JobID = "garbage"
	_, err = b.Build(bad, nil)
	assert.ErrorIs(t, err, apierrors.ErrInvalidJobID)

	bad = sampleLog()
	bad.Summary.LastUpdated = "yesterday"
	_, err = b.Build(bad, nil)
	assert.ErrorIs(t, err, apierrors.ErrSchemaViolation)
}

func TestSignProducesRecoverableSignature(t *testing.T) {
	b := newTestBuilder(t)

	att, err := b.Build(sampleLog(), nil)
	require.NoError(t, err)
	att.Nonce = big.NewInt(7)

	sig, err := b.Sign(att)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	// Same payload signs identically; a field change does not.
	again, err := b.Sign(att)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	att.Nonce = big.NewInt(8)
	changed, err := b.Sign(att)
	require.NoError(t, err)
	assert.NotEqual(t, sig, changed)
}

func TestSignRecoversToSignerAddress(t *testing.T) {
	b := newTestBuilder(t)

	att, err := b.Build(sampleLog(), nil)
	require.NoError(t, err)
	att.Nonce = big.NewInt(0)

	sig, err := b.Sign(att)
	require.NoError(t, err)

	// Undo the 27/28 shift to recover with the raw ecdsa tooling.
	raw := make([]byte, 65)
	copy(raw, sig)
	raw[64] -= 27

	digest := typedDataDigest(t, b, att)
	pub, err := crypto.SigToPub(digest, raw)
	require.NoError(t, err)
	assert.Equal(t, b.Signer(), crypto.PubkeyToAddress(*pub))
}

func typedDataDigest(t *testing.T, b *Builder, att *models.Attestation) []byte {
	t.Helper()
	digest, err := b.digest(att)
	require.NoError(t, err)
	return digest
}
