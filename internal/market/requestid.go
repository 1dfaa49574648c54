package market

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Request id layout: bits 0..31 hold the client nonce, bits 32..191 the client
// address and bit 192 marks a smart-contract signed request.
const (
	indexBits        = 32
	addressBits      = 160
	smartContractBit = indexBits + addressBits
)

var (
	indexMask   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), indexBits), big.NewInt(1))
	addressMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), addressBits), big.NewInt(1))
)

// NewRequestID encodes a client address and nonce into a request id.
func NewRequestID(client common.Address, index uint32, smartContractSigned bool) *big.Int {
	id := new(big.Int).SetBytes(client.Bytes())
	id.Lsh(id, indexBits)
	id.Or(id, big.NewInt(int64(index)))
	if smartContractSigned {
		id.SetBit(id, smartContractBit, 1)
	}
	return id
}

// ClientAddress extracts the requestor address from a request id.
func ClientAddress(id *big.Int) common.Address {
	if id == nil {
		return common.Address{}
	}
	addr := new(big.Int).Rsh(id, indexBits)
	addr.And(addr, addressMask)
	return common.BigToAddress(addr)
}

// RequestIndex extracts the client nonce from a request id.
func RequestIndex(id *big.Int) uint32 {
	if id == nil {
		return 0
	}
	return uint32(new(big.Int).And(id, indexMask).Uint64())
}

// IsSmartContractSigned reports whether the request is signed by a contract
// (ERC-1271) rather than an EOA.
func IsSmartContractSigned(id *big.Int) bool {
	return id != nil && id.Bit(smartContractBit) == 1
}

// ParseRequestID parses a hex (0x-prefixed) or decimal request id.
func ParseRequestID(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty request id")
	}
	id, ok := new(big.Int).SetString(raw, 0)
	if !ok || id.Sign() < 0 || id.BitLen() > 256 {
		return nil, fmt.Errorf("invalid request id %q", raw)
	}
	return id, nil
}

// ParseRequestIDs parses a list of request ids.
func ParseRequestIDs(raw []string) ([]*big.Int, error) {
	ids := make([]*big.Int, 0, len(raw))
	for _, r := range raw {
		id, err := ParseRequestID(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseHashes parses a list of 32-byte hex values. A nil input yields nil so
// callers can tell "not provided" from "provided but empty".
func ParseHashes(raw []string) ([]common.Hash, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]common.Hash, 0, len(raw))
	for _, r := range raw {
		b, err := hexutil.Decode(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("invalid hash %q: %w", r, err)
		}
		if len(b) != common.HashLength {
			return nil, fmt.Errorf("invalid hash %q: expected %d bytes, got %d", r, common.HashLength, len(b))
		}
		out = append(out, common.BytesToHash(b))
	}
	return out, nil
}
