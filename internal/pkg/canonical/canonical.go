// Package canonical provides deterministic JSON serialization and hashing.
//
// Commit hashes, snapshot digests, and replay keys all depend on two
// logically equal values producing identical bytes, so object keys are
// sorted recursively and non-JSON numbers are rejected rather than
// silently encoded.
package canonical

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Marshal serializes v into canonical JSON: object keys sorted recursively,
// no insignificant whitespace. NaN and infinities are rejected.
func Marshal(v any) ([]byte, error) {
	// Round-trip through encoding/json first so struct tags, omitempty and
	// json.Marshaler implementations all apply before canonicalization.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var decoded any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var sb strings.Builder
	if err := writeCanonical(&sb, decoded); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case json.Number:
		if f, err := val.Float64(); err == nil {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("non-finite number %q is not representable", val.String())
			}
		}
		sb.WriteString(val.String())
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(b)
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value of type %T", v)
	}
	return nil
}

// Hash returns the 0x-prefixed keccak-256 digest of the canonical JSON
// encoding of v. This is the commitment hash used across commit-reveal.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	digest := crypto.Keccak256(b)
	return fmt.Sprintf("0x%x", digest), nil
}
