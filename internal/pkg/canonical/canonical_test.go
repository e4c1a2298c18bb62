package canonical

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysRecursively(t *testing.T) {
	out, err := Marshal(map[string]any{
		"b": 2,
		"a": map[string]any{"z": 1, "y": []any{"c", map[string]any{"k2": 2, "k1": 1}}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":["c",{"k1":1,"k2":2}],"z":1},"b":2}`, string(out))
}

func TestMarshalDeterministicAcrossKeyOrder(t *testing.T) {
	a := json.RawMessage(`{"x":1,"y":{"p":true,"q":null}}`)
	b := json.RawMessage(`{"y":{"q":null,"p":true},"x":1}`)

	ca, err := Marshal(a)
	require.NoError(t, err)
	cb, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

func TestMarshalPreservesNumberText(t *testing.T) {
	out, err := Marshal(json.RawMessage(`{"n":1.2500,"big":123456789012345678901234567890}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":123456789012345678901234567890,"n":1.2500}`, string(out))
}

func TestMarshalRejectsNonFiniteNumbers(t *testing.T) {
	_, err := Marshal(math.NaN())
	assert.Error(t, err)

	_, err = Marshal(math.Inf(1))
	assert.Error(t, err)
}

func TestHashMatchesForLogicallyEqualPayloads(t *testing.T) {
	h1, err := Hash(json.RawMessage(`{"x":1,"y":2}`))
	require.NoError(t, err)
	h2, err := Hash(json.RawMessage(`{"y":2,"x":1}`))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, h1)
}

func TestHashDiffersForDifferentPayloads(t *testing.T) {
	h1, err := Hash(json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	h2, err := Hash(json.RawMessage(`{"x":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
