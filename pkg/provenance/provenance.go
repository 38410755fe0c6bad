// Package provenance produces the content and transaction identifiers stored
// in ledger entries.
//
// Neither implementation is a ledger security mechanism. Simulated emits
// random identifiers shaped like an IPFS hash and a chain transaction hash;
// ContentAddressed derives them from the bytes they describe, which is the
// integration point for a real pinning service and chain client.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Identifier assigns identifiers to a round's artifacts.
type Identifier interface {
	// ContentID names the round's canonical checkpoint bytes.
	ContentID(payload []byte) (string, error)
	// TransactionID names the ledger record, chained to the previous one.
	TransactionID(prev string, record []byte) (string, error)
	Mode() string
}

const (
	ModeSimulated = "simulated"
	ModeCID       = "cid"
)

// New selects an implementation by mode name. An empty mode is simulated.
func New(mode string) (Identifier, error) {
	switch mode {
	case "", ModeSimulated:
		return NewSimulated(nil), nil
	case ModeCID:
		return ContentAddressed{}, nil
	default:
		return nil, fmt.Errorf("provenance: unknown mode %q", mode)
	}
}

const hexDigits = "0123456789abcdef"

// Simulated returns "Qm" + 44 hex digits for content and "0x" + 64 hex
// digits for transactions. The inputs are ignored.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated uses rng when given, for reproducible tests.
func NewSimulated(rng *rand.Rand) *Simulated {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulated{rng: rng}
}

func (s *Simulated) Mode() string { return ModeSimulated }

func (s *Simulated) ContentID([]byte) (string, error) {
	return "Qm" + s.hex(44), nil
}

func (s *Simulated) TransactionID(string, []byte) (string, error) {
	return "0x" + s.hex(64), nil
}

func (s *Simulated) hex(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, n)
	for i := range b {
		b[i] = hexDigits[s.rng.IntN(len(hexDigits))]
	}
	return string(b)
}

// ContentAddressed derives a CIDv1 (raw codec, sha2-256) from the payload and
// a sha256 hash chain for transactions.
type ContentAddressed struct{}

func (ContentAddressed) Mode() string { return ModeCID }

func (ContentAddressed) ContentID(payload []byte) (string, error) {
	sum, err := multihash.Sum(payload, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("provenance: multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

func (ContentAddressed) TransactionID(prev string, record []byte) (string, error) {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write(record)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}
