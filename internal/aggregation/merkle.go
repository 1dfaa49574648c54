package aggregation

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Leaf hashes a fill into its merkle leaf:
// keccak256(id || requestDigest || imageId || keccak256(journal)).
func Leaf(f Fill) common.Hash {
	var id []byte
	if f.ID != nil {
		id = math.U256Bytes(new(big.Int).Set(f.ID))
	} else {
		id = make([]byte, 32)
	}
	return crypto.Keccak256Hash(id, f.RequestDigest.Bytes(), f.ImageID.Bytes(), crypto.Keccak256(f.Journal))
}

// RootOf builds the merkle root over fills in order. Pairs are hashed in
// sorted order and an odd node is carried to the next level unchanged.
func RootOf(fills []Fill) common.Hash {
	if len(fills) == 0 {
		return common.Hash{}
	}
	level := make([]common.Hash, len(fills))
	for i, f := range fills {
		level[i] = Leaf(f)
	}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}
