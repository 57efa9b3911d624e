// Package position derives the opaque keys every per-pool ledger is indexed by.
package position

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Key identifies one NFT-backed account. It is stable for the life of the
// token and carries no balances itself.
type Key [32]byte

// DeriveKey hashes the owning collection and token id into a position key.
func DeriveKey(collection string, tokenID uint64) Key {
	h := blake3.New()
	h.Write([]byte(collection))
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], tokenID)
	h.Write(id[:])

	var key Key
	h.Digest().Read(key[:])
	return key
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) IsZero() bool {
	return k == Key{}
}

// Short is used in log lines.
func (k Key) Short() string {
	return hex.EncodeToString(k[:6])
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes the 64-character hex form.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("position key: %w", err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("position key: want %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}
