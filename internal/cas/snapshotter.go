// Package cas provides content-addressed snapshot storage.
package cas

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agoralabs/agora/internal/pkg/canonical"
)

// CID prefix bytes: multicodec raw (0x01 0x55) followed by a sha2-256
// multihash header (0x12, length 32).
var cidPrefix = []byte{0x01, 0x55, 0x12, 0x20}

// Snapshotter canonicalizes payloads, derives their CID, and optionally
// persists them to a local directory.
type Snapshotter struct {
	dir string
}

// New creates a snapshotter. An empty dir disables local persistence.
func New(dir string) *Snapshotter {
	return &Snapshotter{dir: dir}
}

// CIDFor returns the content identifier of the canonical encoding of v.
// Logically equal payloads yield identical CIDs regardless of key order.
func CIDFor(v any) (cid string, body []byte, err error) {
	body, err = canonical.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}

	digest := sha256.Sum256(body)
	raw := append(append([]byte{}, cidPrefix...), digest[:]...)
	return "b" + base64.RawURLEncoding.EncodeToString(raw), body, nil
}

// Put stores the payload and returns its CID.
func (s *Snapshotter) Put(v any) (string, error) {
	cid, body, err := CIDFor(v)
	if err != nil {
		return "", err
	}

	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return "", fmt.Errorf("create snapshot dir: %w", err)
		}
		path := filepath.Join(s.dir, cid+".json")
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return "", fmt.Errorf("write snapshot: %w", err)
		}
	}
	return cid, nil
}
